package messaging

import "strings"

// Topics builds the per-device topic tree rooted at {prefix}/{deviceId}.
type Topics struct {
	Root string
}

func NewTopics(prefix, deviceID string) Topics {
	return Topics{Root: strings.TrimSuffix(prefix, "/") + "/" + deviceID}
}

func (t Topics) join(parts ...string) string {
	return t.Root + "/" + strings.Join(parts, "/")
}

func (t Topics) All() string        { return t.join("#") }
func (t Topics) Telemetry() string  { return t.join("messages", "events") }
func (t Topics) Inbound() string    { return t.join("messages", "devicebound") }
func (t Topics) InboundAck() string { return t.join("messages", "devicebound", "ack") }
func (t Topics) Desired() string    { return t.join("twin", "desired") }
func (t Topics) Reported() string   { return t.join("twin", "reported") }
func (t Topics) Info() string       { return t.join("info") }
func (t Topics) Status() string     { return t.join("status") }
func (t Topics) Blob(name string) string {
	return t.join("blobs", name)
}
func (t Topics) Blobs() string { return t.join("blobs", "#") }

// MethodRequests is the wildcard the device subscribes to.
func (t Topics) MethodRequests() string { return t.join("methods", "req", "+", "+") }

func (t Topics) MethodRequest(name, requestID string) string {
	return t.join("methods", "req", name, requestID)
}

func (t Topics) MethodResponse(requestID string) string {
	return t.join("methods", "res", requestID)
}

func (t Topics) MethodResponses() string { return t.join("methods", "res", "+") }

// ParseMethodRequest extracts the command name and request id from a
// concrete method request topic.
func (t Topics) ParseMethodRequest(topic string) (name, requestID string, ok bool) {
	prefix := t.join("methods", "req") + "/"
	rest, found := strings.CutPrefix(topic, prefix)
	if !found {
		return "", "", false
	}
	name, requestID, found = strings.Cut(rest, "/")
	if !found || name == "" || requestID == "" || strings.Contains(requestID, "/") {
		return "", "", false
	}
	return name, requestID, true
}

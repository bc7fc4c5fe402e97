package messaging

import (
	"testing"
	"time"
)

func TestTopics(t *testing.T) {
	tp := NewTopics("devices/", "DevSim01")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"root", tp.Root, "devices/DevSim01"},
		{"telemetry", tp.Telemetry(), "devices/DevSim01/messages/events"},
		{"inbound", tp.Inbound(), "devices/DevSim01/messages/devicebound"},
		{"inbound ack", tp.InboundAck(), "devices/DevSim01/messages/devicebound/ack"},
		{"method wildcard", tp.MethodRequests(), "devices/DevSim01/methods/req/+/+"},
		{"method request", tp.MethodRequest("start", "r1"), "devices/DevSim01/methods/req/start/r1"},
		{"method response", tp.MethodResponse("r1"), "devices/DevSim01/methods/res/r1"},
		{"desired", tp.Desired(), "devices/DevSim01/twin/desired"},
		{"reported", tp.Reported(), "devices/DevSim01/twin/reported"},
		{"blob", tp.Blob("a.jpg"), "devices/DevSim01/blobs/a.jpg"},
		{"info", tp.Info(), "devices/DevSim01/info"},
		{"status", tp.Status(), "devices/DevSim01/status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestParseMethodRequest(t *testing.T) {
	tp := NewTopics("devices", "d1")

	tests := []struct {
		topic    string
		wantName string
		wantID   string
		wantOK   bool
	}{
		{"devices/d1/methods/req/set-reading/abc", "set-reading", "abc", true},
		{"devices/d1/methods/res/abc", "", "", false},
		{"devices/d2/methods/req/start/abc", "", "", false},
		{"devices/d1/methods/req/start", "", "", false},
		{"devices/d1/methods/req//abc", "", "", false},
		{"devices/d1/methods/req/start/a/b", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			name, id, ok := tp.ParseMethodRequest(tt.topic)
			if ok != tt.wantOK || name != tt.wantName || id != tt.wantID {
				t.Errorf("ParseMethodRequest(%q) = %q, %q, %v; want %q, %q, %v",
					tt.topic, name, id, ok, tt.wantName, tt.wantID, tt.wantOK)
			}
		})
	}
}

func TestBlobName(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.FixedZone("X", 3600))
	tests := []struct {
		file string
		want string
	}{
		{"image1.jpg", "image1-2026-03-04T04:06:07.jpg"},
		{"notes", "notes-2026-03-04T04:06:07"},
		{"archive.tar.gz", "archive.tar-2026-03-04T04:06:07.gz"},
	}
	for _, tt := range tests {
		if got := BlobName(tt.file, ts); got != tt.want {
			t.Errorf("BlobName(%q) = %q, want %q", tt.file, got, tt.want)
		}
	}
}

func TestParseInbound(t *testing.T) {
	now := time.Now()

	t.Run("envelope with string body", func(t *testing.T) {
		msg := ParseInbound([]byte(`{"id":"m1","contentType":"text/plain","properties":{"k":"v"},"body":"hello"}`), now)
		if msg.ID != "m1" || string(msg.Payload) != "hello" || msg.ContentType != "text/plain" || msg.Properties["k"] != "v" {
			t.Errorf("ParseInbound() = %+v", msg)
		}
	})

	t.Run("envelope with json body", func(t *testing.T) {
		msg := ParseInbound([]byte(`{"id":"m2","properties":{"content-type":"application/json"},"body":{"a":1}}`), now)
		if msg.ID != "m2" || string(msg.Payload) != `{"a":1}` || msg.ContentType != "application/json" {
			t.Errorf("ParseInbound() = %+v", msg)
		}
	})

	t.Run("raw text", func(t *testing.T) {
		msg := ParseInbound([]byte("plain"), now)
		if msg.ID == "" || string(msg.Payload) != "plain" {
			t.Errorf("ParseInbound() = %+v", msg)
		}
	})

	t.Run("json without envelope fields", func(t *testing.T) {
		raw := `{"temperature":3}`
		msg := ParseInbound([]byte(raw), now)
		if msg.ID == "" || string(msg.Payload) != raw {
			t.Errorf("ParseInbound() = %+v", msg)
		}
	})
}

func TestNewCodec(t *testing.T) {
	for _, name := range []string{"", "json", "JSON", "cbor"} {
		if _, err := NewCodec(name); err != nil {
			t.Errorf("NewCodec(%q) error: %v", name, err)
		}
	}
	if _, err := NewCodec("xml"); err == nil {
		t.Error("NewCodec(xml) error = nil")
	}
}

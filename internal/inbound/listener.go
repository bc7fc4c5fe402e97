package inbound

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fisaks/devsim/internal/devsim"
	"github.com/fisaks/devsim/internal/logging"
)

var (
	ErrNotUTF8       = errors.New("payload is not valid UTF-8")
	ErrMalformedJSON = errors.New("payload is not valid JSON")
)

const (
	defaultReceiveTimeout = 10 * time.Second
	receiveBackoff        = time.Second
	ackTimeout            = 5 * time.Second
)

// Receiver is the part of devsim.Connector the listener uses.
type Receiver interface {
	ReceiveInbound(ctx context.Context, timeout time.Duration) (devsim.InboundMessage, bool, error)
	Acknowledge(ctx context.Context, msg devsim.InboundMessage) error
}

// Decoded is an inbound message after validation. JSON is set when the body
// was recognised as JSON.
type Decoded struct {
	Message devsim.InboundMessage
	Text    string
	JSON    any
}

type InspectFunc func(Decoded)

type Listener struct {
	receiver Receiver
	timeout  time.Duration
	inspect  InspectFunc
	observer devsim.InboundObserver
}

// NewListener builds a listener. A zero timeout means 10s; a nil inspect
// logs the message.
func NewListener(r Receiver, timeout time.Duration, inspect InspectFunc, observer devsim.InboundObserver) *Listener {
	if timeout <= 0 {
		timeout = defaultReceiveTimeout
	}
	if inspect == nil {
		inspect = logInspect
	}
	return &Listener{receiver: r, timeout: timeout, inspect: inspect, observer: observer}
}

func (l *Listener) Run(ctx context.Context) {
	logging.Info("Inbound listener started", "receiveTimeout", l.timeout)
	for {
		if ctx.Err() != nil {
			logging.Info("Inbound listener stopped")
			return
		}
		if _, err := l.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				logging.Info("Inbound listener stopped")
				return
			}
			logging.Warn("Inbound receive failed", "error", err, "backoff", receiveBackoff)
			t := time.NewTimer(receiveBackoff)
			select {
			case <-ctx.Done():
				t.Stop()
				logging.Info("Inbound listener stopped")
				return
			case <-t.C:
			}
		}
	}
}

// PollOnce waits for at most one message. It returns true when a message
// was received (and acknowledged), and an error only for receive failures.
func (l *Listener) PollOnce(ctx context.Context) (bool, error) {
	msg, ok, err := l.receiver.ReceiveInbound(ctx, l.timeout)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	d, decodeErr := Decode(msg)
	if decodeErr != nil {
		logging.Warn("Inbound message decode failed", "id", msg.ID, "size", len(msg.Payload), "error", decodeErr)
	} else {
		l.safeInspect(d)
	}
	if l.observer != nil {
		l.observer.ObserveInbound(msg, decodeErr)
	}

	// acknowledge even when ctx is already cancelled
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()
	if err := l.receiver.Acknowledge(actx, msg); err != nil {
		logging.Warn("Inbound acknowledge failed", "id", msg.ID, "error", err)
	}
	return true, nil
}

func (l *Listener) safeInspect(d Decoded) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Inbound inspect panic", "id", d.Message.ID, "panic", r)
		}
	}()
	l.inspect(d)
}

// Decode checks the payload is UTF-8 text and, when it claims or looks like
// JSON, that it parses.
func Decode(msg devsim.InboundMessage) (Decoded, error) {
	d := Decoded{Message: msg}
	if !utf8.Valid(msg.Payload) {
		return d, ErrNotUTF8
	}
	d.Text = string(msg.Payload)

	if isJSON(msg) {
		var v any
		if err := json.Unmarshal(msg.Payload, &v); err != nil {
			return d, errors.Join(ErrMalformedJSON, err)
		}
		d.JSON = v
	}
	return d, nil
}

func isJSON(msg devsim.InboundMessage) bool {
	ct := msg.ContentType
	if ct == "" && msg.Properties != nil {
		ct = msg.Properties["content-type"]
	}
	if strings.Contains(strings.ToLower(ct), "json") {
		return true
	}
	trimmed := bytes.TrimSpace(msg.Payload)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

func logInspect(d Decoded) {
	logging.Info("Inbound message received",
		"id", d.Message.ID,
		"contentType", d.Message.ContentType,
		"properties", d.Message.Properties,
		"body", d.Text,
	)
}

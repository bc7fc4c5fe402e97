// Package devsimtest provides an in-memory devsim.Connector for tests.
package devsimtest

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/fisaks/devsim/internal/devsim"
)

var ErrInjected = errors.New("injected failure")

type Connector struct {
	mu sync.Mutex

	sent      []devsim.TelemetryRecord
	sendErr   error
	failSends int

	handlers map[string]devsim.CommandHandler
	desired  []func(devsim.DesiredConfig)

	inbound     chan devsim.InboundMessage
	receiveErrs int
	acks        []string
	ackErr      error

	reported  []map[string]any
	reportErr error

	uploads   []string
	uploadErr error
}

var _ devsim.Connector = (*Connector)(nil)

func NewConnector() *Connector {
	return &Connector{
		handlers: make(map[string]devsim.CommandHandler),
		inbound:  make(chan devsim.InboundMessage, 64),
	}
}

/* =========================
   devsim.Connector
   ========================= */

func (c *Connector) Send(ctx context.Context, rec devsim.TelemetryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSends > 0 {
		c.failSends--
		return ErrInjected
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, rec)
	return nil
}

func (c *Connector) ReceiveInbound(ctx context.Context, timeout time.Duration) (devsim.InboundMessage, bool, error) {
	c.mu.Lock()
	if c.receiveErrs > 0 {
		c.receiveErrs--
		c.mu.Unlock()
		return devsim.InboundMessage{}, false, ErrInjected
	}
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-c.inbound:
		return msg, true, nil
	case <-timer.C:
		return devsim.InboundMessage{}, false, nil
	case <-ctx.Done():
		return devsim.InboundMessage{}, false, ctx.Err()
	}
}

func (c *Connector) Acknowledge(_ context.Context, msg devsim.InboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acks = append(c.acks, msg.ID)
	return c.ackErr
}

func (c *Connector) RegisterCommandHandler(name string, h devsim.CommandHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handlers[name]; ok {
		return fmt.Errorf("handler %q already registered", name)
	}
	c.handlers[name] = h
	return nil
}

func (c *Connector) OnDesiredConfigChanged(fn func(devsim.DesiredConfig)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.desired = append(c.desired, fn)
}

func (c *Connector) ReportState(_ context.Context, props map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reportErr != nil {
		return c.reportErr
	}
	c.reported = append(c.reported, maps.Clone(props))
	return nil
}

func (c *Connector) UploadBlob(_ context.Context, localResourceID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.uploadErr != nil {
		return "", c.uploadErr
	}
	c.uploads = append(c.uploads, localResourceID)
	return "blob-" + localResourceID, nil
}

/* =========================
   Hub side helpers
   ========================= */

// Invoke calls a registered handler as the hub would. ok=false when no
// handler is registered under name.
func (c *Connector) Invoke(ctx context.Context, name string, payload []byte) (devsim.CommandResult, bool) {
	c.mu.Lock()
	h, ok := c.handlers[name]
	c.mu.Unlock()
	if !ok {
		return devsim.CommandResult{}, false
	}
	return h(ctx, devsim.CommandRequest{Name: name, RequestID: "test", Payload: payload}), true
}

// PushDesired delivers a desired document to every registered callback.
func (c *Connector) PushDesired(doc devsim.DesiredConfig) {
	c.mu.Lock()
	fns := append([]func(devsim.DesiredConfig){}, c.desired...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(doc)
	}
}

func (c *Connector) Deliver(msg devsim.InboundMessage) {
	c.inbound <- msg
}

func (c *Connector) SetSendError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *Connector) FailNextSends(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failSends = n
}

func (c *Connector) FailNextReceives(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receiveErrs = n
}

func (c *Connector) SetAckError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ackErr = err
}

func (c *Connector) SetReportError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reportErr = err
}

func (c *Connector) SetUploadError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploadErr = err
}

func (c *Connector) Sent() []devsim.TelemetryRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]devsim.TelemetryRecord(nil), c.sent...)
}

func (c *Connector) Acks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.acks...)
}

func (c *Connector) Reported() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]any(nil), c.reported...)
}

func (c *Connector) Uploads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.uploads...)
}

func (c *Connector) HandlerNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.handlers))
	for n := range c.handlers {
		names = append(names, n)
	}
	return names
}

// WaitFor polls cond until it holds or timeout elapses.
func WaitFor(t testing.TB, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %v", timeout)
	}
}

package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fisaks/devsim/internal/devsim"
	"github.com/fisaks/devsim/internal/logging"
)

var ErrInvalidResource = errors.New("invalid upload resource")

type HubConfig struct {
	DeviceID      string
	TopicPrefix   string
	Encoding      string // json | cbor
	InboundBuffer int
	UploadDir     string
	Now           func() time.Time // optional
}

// InboundEnvelope is the structured form of a cloud-to-device message.
// Anything else on the inbound topic is taken as a raw body.
type InboundEnvelope struct {
	ID          string            `json:"id"`
	ContentType string            `json:"contentType,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
	Body        json.RawMessage   `json:"body"`
}

type InboundAck struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// HubConnector implements devsim.Connector over MQTT.
type HubConnector struct {
	broker Broker
	topics Topics
	codec  Codec
	cfg    HubConfig

	inbound chan devsim.InboundMessage

	mu       sync.RWMutex
	handlers map[string]devsim.CommandHandler
	desired  []func(devsim.DesiredConfig)

	reportMu sync.Mutex
	reported map[string]any

	subs []Subscription
}

var _ devsim.Connector = (*HubConnector)(nil)

func NewHubConnector(broker Broker, cfg HubConfig) (*HubConnector, error) {
	codec, err := NewCodec(cfg.Encoding)
	if err != nil {
		return nil, err
	}
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = 64
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = "."
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &HubConnector{
		broker:   broker,
		topics:   NewTopics(cfg.TopicPrefix, cfg.DeviceID),
		codec:    codec,
		cfg:      cfg,
		inbound:  make(chan devsim.InboundMessage, cfg.InboundBuffer),
		handlers: make(map[string]devsim.CommandHandler),
		reported: make(map[string]any),
	}, nil
}

func (h *HubConnector) Topics() Topics { return h.topics }

func (h *HubConnector) Encoding() string { return h.codec.Name() }

// Start subscribes to the hub-to-device topics. The broker must be connected.
func (h *HubConnector) Start(ctx context.Context) error {
	for _, s := range []struct {
		topic   string
		handler MessageHandler
	}{
		{h.topics.Inbound(), h.onInbound},
		{h.topics.MethodRequests(), h.onMethodRequest},
		{h.topics.Desired(), h.onDesired},
	} {
		sub, err := h.broker.Subscribe(ctx, s.topic, AtLeastOnce, s.handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", s.topic, err)
		}
		h.subs = append(h.subs, sub)
	}
	logging.Info("Hub connector started", "root", h.topics.Root, "encoding", h.codec.Name())
	return nil
}

func (h *HubConnector) Stop(ctx context.Context) {
	for _, s := range h.subs {
		if err := s.Unsubscribe(ctx); err != nil {
			logging.Warn("Unsubscribe failed", "error", err)
		}
	}
	h.subs = nil
}

/* =========================
   devsim.Connector
   ========================= */

func (h *HubConnector) Send(ctx context.Context, rec devsim.TelemetryRecord) error {
	data, err := h.codec.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode telemetry: %w", err)
	}
	return h.broker.Publish(ctx, h.topics.Telemetry(), AtLeastOnce, false, data)
}

func (h *HubConnector) ReceiveInbound(ctx context.Context, timeout time.Duration) (devsim.InboundMessage, bool, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case msg := <-h.inbound:
		return msg, true, nil
	case <-t.C:
		return devsim.InboundMessage{}, false, nil
	case <-ctx.Done():
		return devsim.InboundMessage{}, false, ctx.Err()
	}
}

func (h *HubConnector) Acknowledge(ctx context.Context, msg devsim.InboundMessage) error {
	return h.broker.PublishJSON(ctx, h.topics.InboundAck(), AtLeastOnce, false, InboundAck{ID: msg.ID, Status: "completed"})
}

func (h *HubConnector) RegisterCommandHandler(name string, handler devsim.CommandHandler) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.handlers[name]; ok {
		return fmt.Errorf("command %q already registered", name)
	}
	h.handlers[name] = handler
	return nil
}

func (h *HubConnector) OnDesiredConfigChanged(fn func(devsim.DesiredConfig)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.desired = append(h.desired, fn)
}

// ReportState merges props into the reported document and republishes it
// retained.
func (h *HubConnector) ReportState(ctx context.Context, props map[string]any) error {
	h.reportMu.Lock()
	defer h.reportMu.Unlock()

	next := maps.Clone(h.reported)
	maps.Copy(next, props)
	if err := h.broker.PublishJSON(ctx, h.topics.Reported(), AtLeastOnce, true, next); err != nil {
		return err
	}
	h.reported = next
	return nil
}

// UploadBlob publishes a file from the upload directory under a
// timestamped blob name.
func (h *HubConnector) UploadBlob(ctx context.Context, localResourceID string) (string, error) {
	if !filepath.IsLocal(localResourceID) || strings.ContainsAny(localResourceID, "+#") {
		return "", fmt.Errorf("%w: %q", ErrInvalidResource, localResourceID)
	}
	path := filepath.Join(h.cfg.UploadDir, localResourceID)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", localResourceID, err)
	}
	if len(data) > MaxPayloadSize {
		return "", fmt.Errorf("%w: %s is %d bytes", ErrPayloadTooLarge, localResourceID, len(data))
	}

	name := BlobName(filepath.Base(localResourceID), h.cfg.Now())
	if err := h.broker.Publish(ctx, h.topics.Blob(name), AtLeastOnce, false, data); err != nil {
		return "", err
	}
	logging.Info("Blob uploaded", "file", localResourceID, "blob", name, "size", len(data))
	return name, nil
}

// BlobName appends the UTC upload time to the file stem, keeping the
// extension: image1.jpg -> image1-2026-01-02T03:04:05.jpg.
func BlobName(file string, t time.Time) string {
	ext := filepath.Ext(file)
	stem := strings.TrimSuffix(file, ext)
	return fmt.Sprintf("%s-%s%s", stem, t.UTC().Format("2006-01-02T15:04:05"), ext)
}

/* =========================
   Hub to device handlers
   ========================= */

func (h *HubConnector) onInbound(_ context.Context, topic string, payload []byte) {
	msg := ParseInbound(payload, h.cfg.Now())
	select {
	case h.inbound <- msg:
		logging.Debug("Inbound message queued", "id", msg.ID, "size", len(msg.Payload))
	default:
		logging.Warn("Inbound queue full, message rejected", "id", msg.ID, "topic", topic)
	}
}

// ParseInbound accepts an InboundEnvelope or a raw body. Raw bodies get a
// generated id.
func ParseInbound(payload []byte, now time.Time) devsim.InboundMessage {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var env InboundEnvelope
		if err := json.Unmarshal(trimmed, &env); err == nil && env.ID != "" && env.Body != nil {
			body := []byte(env.Body)
			var s string
			if json.Unmarshal(env.Body, &s) == nil {
				body = []byte(s)
			}
			ct := env.ContentType
			if ct == "" {
				ct = env.Properties["content-type"]
			}
			return devsim.InboundMessage{
				ID:          env.ID,
				ContentType: ct,
				Properties:  env.Properties,
				Payload:     body,
				EnqueuedAt:  now,
			}
		}
	}
	return devsim.InboundMessage{
		ID:         uuid.NewString(),
		Payload:    append([]byte(nil), payload...),
		EnqueuedAt: now,
	}
}

func (h *HubConnector) onMethodRequest(ctx context.Context, topic string, payload []byte) {
	name, requestID, ok := h.topics.ParseMethodRequest(topic)
	if !ok {
		logging.Warn("Method request topic malformed", "topic", topic)
		return
	}

	h.mu.RLock()
	handler, found := h.handlers[name]
	h.mu.RUnlock()

	var res devsim.CommandResult
	if found {
		res = handler(ctx, devsim.CommandRequest{Name: name, RequestID: requestID, Payload: payload})
	} else {
		res = devsim.Failed(devsim.StatusNotFound, "Unknown command: "+name)
	}

	if err := h.broker.PublishJSON(ctx, h.topics.MethodResponse(requestID), AtLeastOnce, false, res); err != nil {
		logging.Warn("Method response publish failed", "command", name, "requestId", requestID, "error", err)
	}
}

func (h *HubConnector) onDesired(_ context.Context, _ string, payload []byte) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc devsim.DesiredConfig
	if err := dec.Decode(&doc); err != nil {
		logging.Warn("Desired config is not a JSON object", "error", err)
		return
	}

	h.mu.RLock()
	fns := append([]func(devsim.DesiredConfig){}, h.desired...)
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(doc)
	}
}

package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/fisaks/devsim/internal/devsim"
)

type captured struct {
	topic   string
	payload []byte
}

// startBroker runs an in-process broker on a free local port.
func startBroker(t *testing.T) (*mochi.Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	srv := mochi.New(&mochi.Options{InlineClient: true})
	srv.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := srv.AddHook(new(auth.AllowHook), nil); err != nil {
		t.Fatal(err)
	}
	if err := srv.AddListener(listeners.NewTCP(listeners.Config{ID: "test", Address: addr})); err != nil {
		t.Fatal(err)
	}
	if err := srv.Serve(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return srv, "tcp://" + addr
}

func capture(t *testing.T, srv *mochi.Server, filter string, id int) <-chan captured {
	t.Helper()
	ch := make(chan captured, 32)
	err := srv.Subscribe(filter, id, func(_ *mochi.Client, _ packets.Subscription, pk packets.Packet) {
		select {
		case ch <- captured{topic: pk.TopicName, payload: append([]byte(nil), pk.Payload...)}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("inline subscribe %s: %v", filter, err)
	}
	return ch
}

func next(t *testing.T, ch <-chan captured) captured {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
		return captured{}
	}
}

func connectHub(t *testing.T, url string, cfg HubConfig) (*MsgBroker, *HubConnector) {
	t.Helper()
	if cfg.DeviceID == "" {
		cfg.DeviceID = "dev-test"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "devices"
	}
	topics := NewTopics(cfg.TopicPrefix, cfg.DeviceID)
	broker := NewMsgBroker(BrokerConfig{
		BrokerURL:      url,
		StatusTopic:    topics.Status(),
		ConnectTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := broker.Connect(ctx); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	t.Cleanup(func() { _ = broker.Close(context.Background()) })

	hub, err := NewHubConnector(broker, cfg)
	if err != nil {
		t.Fatalf("NewHubConnector() error: %v", err)
	}
	if err := hub.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	return broker, hub
}

func TestHub_StatusAndOnConnectPublisher(t *testing.T) {
	srv, url := startBroker(t)
	status := capture(t, srv, "devices/dev-test/status", 1)
	info := capture(t, srv, "devices/dev-test/info", 2)

	topics := NewTopics("devices", "dev-test")
	broker := NewMsgBroker(BrokerConfig{BrokerURL: url, StatusTopic: topics.Status()})
	broker.AddOnConnectPublisher("info", func() (PublishRequest, error) {
		return PublishRequest{Topic: topics.Info(), Qos: AtLeastOnce, Retain: true, Payload: map[string]string{"deviceId": "dev-test"}}, nil
	})
	if err := broker.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := string(next(t, status).payload); got != StatusOnline {
		t.Errorf("status = %q, want online", got)
	}
	if got := string(next(t, info).payload); !strings.Contains(got, `"deviceId":"dev-test"`) {
		t.Errorf("info = %s", got)
	}

	if err := broker.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := string(next(t, status).payload); got != StatusOffline {
		t.Errorf("status after close = %q, want offline", got)
	}
}

func TestHub_SendJSON(t *testing.T) {
	srv, url := startBroker(t)
	events := capture(t, srv, "devices/dev-test/messages/events", 1)
	_, hub := connectHub(t, url, HubConfig{})

	rec := devsim.TelemetryRecord{DeviceID: "dev-test", MessageID: 3, Temperature: 26.41, Timestamp: time.Now().UTC()}
	if err := hub.Send(context.Background(), rec); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	var got devsim.TelemetryRecord
	if err := json.Unmarshal(next(t, events).payload, &got); err != nil {
		t.Fatal(err)
	}
	if got.DeviceID != "dev-test" || got.MessageID != 3 || got.Temperature != 26.41 {
		t.Errorf("telemetry = %+v", got)
	}
}

func TestHub_SendCBOR(t *testing.T) {
	srv, url := startBroker(t)
	events := capture(t, srv, "devices/dev-test/messages/events", 1)
	_, hub := connectHub(t, url, HubConfig{Encoding: "cbor"})

	ts := time.Date(2026, 5, 6, 7, 8, 9, 123, time.UTC)
	rec := devsim.TelemetryRecord{DeviceID: "dev-test", MessageID: 9, Temperature: 31.5, TemperatureAlert: true, Timestamp: ts}
	if err := hub.Send(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	codec, _ := NewCodec("cbor")
	var got devsim.TelemetryRecord
	if err := codec.Unmarshal(next(t, events).payload, &got); err != nil {
		t.Fatalf("cbor decode: %v", err)
	}
	if got.MessageID != 9 || !got.TemperatureAlert || !got.Timestamp.Equal(ts) {
		t.Errorf("telemetry = %+v", got)
	}
}

func TestHub_MethodRequest(t *testing.T) {
	srv, url := startBroker(t)
	responses := capture(t, srv, "devices/dev-test/methods/res/+", 1)
	_, hub := connectHub(t, url, HubConfig{})

	err := hub.RegisterCommandHandler("set-reading", func(_ context.Context, req devsim.CommandRequest) devsim.CommandResult {
		return devsim.Succeeded("got " + string(req.Payload) + " " + req.RequestID)
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := hub.RegisterCommandHandler("set-reading", nil); err == nil {
		t.Error("duplicate RegisterCommandHandler() error = nil")
	}

	tests := []struct {
		name       string
		topic      string
		payload    string
		wantTopic  string
		wantStatus int
		wantMsg    string
	}{
		{"known", "devices/dev-test/methods/req/set-reading/r1", "30", "devices/dev-test/methods/res/r1", 200, "got 30 r1"},
		{"unknown", "devices/dev-test/methods/req/reboot/r2", "", "devices/dev-test/methods/res/r2", 404, "Unknown command: reboot"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := srv.Publish(tt.topic, []byte(tt.payload), false, 1); err != nil {
				t.Fatal(err)
			}
			c := next(t, responses)
			if c.topic != tt.wantTopic {
				t.Errorf("response topic = %s, want %s", c.topic, tt.wantTopic)
			}
			var res devsim.CommandResult
			if err := json.Unmarshal(c.payload, &res); err != nil {
				t.Fatal(err)
			}
			if res.Status != tt.wantStatus || res.Message != tt.wantMsg {
				t.Errorf("response = %+v", res)
			}
		})
	}
}

func TestHub_DesiredConfig(t *testing.T) {
	srv, url := startBroker(t)
	_, hub := connectHub(t, url, HubConfig{})

	got := make(chan devsim.DesiredConfig, 1)
	hub.OnDesiredConfigChanged(func(doc devsim.DesiredConfig) { got <- doc })

	if err := srv.Publish("devices/dev-test/twin/desired", []byte(`{"freq":1500,"$version":2}`), false, 1); err != nil {
		t.Fatal(err)
	}
	select {
	case doc := <-got:
		if doc["freq"] != json.Number("1500") {
			t.Errorf("freq = %#v, want json.Number(1500)", doc["freq"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("desired callback not invoked")
	}
}

func TestHub_InboundAndAck(t *testing.T) {
	srv, url := startBroker(t)
	acks := capture(t, srv, "devices/dev-test/messages/devicebound/ack", 1)
	_, hub := connectHub(t, url, HubConfig{})

	env := `{"id":"c2d-1","properties":{"content-type":"application/json"},"body":{"text":"hi"}}`
	if err := srv.Publish("devices/dev-test/messages/devicebound", []byte(env), false, 1); err != nil {
		t.Fatal(err)
	}

	msg, ok, err := hub.ReceiveInbound(context.Background(), 3*time.Second)
	if err != nil || !ok {
		t.Fatalf("ReceiveInbound() = %v, %v", ok, err)
	}
	if msg.ID != "c2d-1" || string(msg.Payload) != `{"text":"hi"}` {
		t.Errorf("inbound = %+v", msg)
	}

	if err := hub.Acknowledge(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	var ack InboundAck
	if err := json.Unmarshal(next(t, acks).payload, &ack); err != nil {
		t.Fatal(err)
	}
	if ack.ID != "c2d-1" || ack.Status != "completed" {
		t.Errorf("ack = %+v", ack)
	}

	// nothing else queued
	if _, ok, err := hub.ReceiveInbound(context.Background(), 50*time.Millisecond); ok || err != nil {
		t.Errorf("second ReceiveInbound() = %v, %v; want timeout", ok, err)
	}
}

func TestHub_ReceiveInboundCancelled(t *testing.T) {
	_, url := startBroker(t)
	_, hub := connectHub(t, url, HubConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := hub.ReceiveInbound(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("ReceiveInbound() err = %v, want context.Canceled", err)
	}
}

func TestHub_ReportStateMerges(t *testing.T) {
	srv, url := startBroker(t)
	reported := capture(t, srv, "devices/dev-test/twin/reported", 1)
	_, hub := connectHub(t, url, HubConfig{})

	if err := hub.ReportState(context.Background(), map[string]any{"freq": 1000}); err != nil {
		t.Fatal(err)
	}
	next(t, reported)
	if err := hub.ReportState(context.Background(), map[string]any{"cadenceMillis": 2000}); err != nil {
		t.Fatal(err)
	}

	var doc map[string]float64
	if err := json.Unmarshal(next(t, reported).payload, &doc); err != nil {
		t.Fatal(err)
	}
	if doc["freq"] != 1000 || doc["cadenceMillis"] != 2000 {
		t.Errorf("reported = %v, want both keys", doc)
	}
}

func TestHub_UploadBlob(t *testing.T) {
	srv, url := startBroker(t)
	blobs := capture(t, srv, "devices/dev-test/blobs/#", 1)

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "image1.jpg"), []byte("jpegdata"), 0o600); err != nil {
		t.Fatal(err)
	}
	fixed := time.Date(2026, 10, 16, 8, 30, 0, 0, time.UTC)
	_, hub := connectHub(t, url, HubConfig{UploadDir: dir, Now: func() time.Time { return fixed }})

	name, err := hub.UploadBlob(context.Background(), "image1.jpg")
	if err != nil {
		t.Fatalf("UploadBlob() error: %v", err)
	}
	if name != "image1-2026-10-16T08:30:00.jpg" {
		t.Errorf("blob name = %q", name)
	}
	c := next(t, blobs)
	if c.topic != "devices/dev-test/blobs/"+name || string(c.payload) != "jpegdata" {
		t.Errorf("blob = %s %q", c.topic, c.payload)
	}

	for _, bad := range []string{"../secret", "/etc/passwd", "a+b.jpg"} {
		if _, err := hub.UploadBlob(context.Background(), bad); !errors.Is(err, ErrInvalidResource) {
			t.Errorf("UploadBlob(%q) err = %v, want ErrInvalidResource", bad, err)
		}
	}
	if _, err := hub.UploadBlob(context.Background(), "missing.jpg"); err == nil {
		t.Error("UploadBlob(missing) err = nil")
	}
}

func TestPublish_PayloadTooLarge(t *testing.T) {
	_, url := startBroker(t)
	broker, _ := connectHub(t, url, HubConfig{})

	err := broker.Publish(context.Background(), "devices/dev-test/blobs/big", AtLeastOnce, false, make([]byte, MaxPayloadSize+1))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("Publish() err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	broker := NewMsgBroker(BrokerConfig{BrokerURL: "tcp://127.0.0.1:1", ConnectTimeout: time.Second})
	err := broker.Connect(context.Background())
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() err = %v, want ErrConnectionFailed", err)
	}
}

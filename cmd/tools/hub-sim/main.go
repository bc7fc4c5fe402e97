package main

// cSpell:ignore mochi
import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/fisaks/devsim/internal/devsim"
	"github.com/fisaks/devsim/internal/logging"
	"github.com/fisaks/devsim/internal/messaging"
)

// hubSim is a local stand-in for the cloud hub: an embedded broker that
// logs device traffic and stores uploaded blobs on disk.
type hubSim struct {
	prefix  string
	blobDir string
	codec   messaging.Codec
}

// blobPath maps {prefix}/{device}/blobs/{name} to blobDir/{device}/{name}.
func (h *hubSim) blobPath(topic string) (string, error) {
	rest, ok := strings.CutPrefix(topic, h.prefix+"/")
	if !ok {
		return "", fmt.Errorf("topic %q outside prefix %q", topic, h.prefix)
	}
	device, name, ok := strings.Cut(rest, "/blobs/")
	if !ok || device == "" || name == "" {
		return "", fmt.Errorf("not a blob topic: %q", topic)
	}
	rel := filepath.Join(device, filepath.FromSlash(name))
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("blob path %q escapes the blob directory", rel)
	}
	return filepath.Join(h.blobDir, rel), nil
}

func (h *hubSim) storeBlob(topic string, payload []byte) (string, error) {
	path, err := h.blobPath(topic)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, payload, 0o640); err != nil {
		return "", err
	}
	return path, nil
}

func (h *hubSim) onTelemetry(_ *mochi.Client, _ packets.Subscription, pk packets.Packet) {
	var rec devsim.TelemetryRecord
	if err := h.codec.Unmarshal(pk.Payload, &rec); err != nil {
		logging.Warn("Telemetry decode failed", "topic", pk.TopicName, "encoding", h.codec.Name(), "error", err)
		return
	}
	logging.Info("Telemetry",
		"device", rec.DeviceID,
		"messageId", rec.MessageID,
		"temperature", rec.Temperature,
		"alert", rec.TemperatureAlert,
	)
}

func (h *hubSim) onBlob(_ *mochi.Client, _ packets.Subscription, pk packets.Packet) {
	path, err := h.storeBlob(pk.TopicName, pk.Payload)
	if err != nil {
		logging.Warn("Blob store failed", "topic", pk.TopicName, "error", err)
		return
	}
	logging.Info("Blob stored", "path", path, "bytes", len(pk.Payload))
}

func onJSON(kind string) func(*mochi.Client, packets.Subscription, packets.Packet) {
	return func(_ *mochi.Client, _ packets.Subscription, pk packets.Packet) {
		var v any
		if err := json.Unmarshal(pk.Payload, &v); err != nil {
			logging.Info(kind, "topic", pk.TopicName, "payload", string(pk.Payload))
			return
		}
		logging.Info(kind, "topic", pk.TopicName, "payload", v)
	}
}

func main() {
	var addr, prefix, encoding, blobDir, logLevel string
	flag.StringVar(&addr, "addr", ":1883", "MQTT listen address")
	flag.StringVar(&prefix, "prefix", "devices", "Topic prefix")
	flag.StringVar(&encoding, "encoding", "json", "Telemetry encoding (json or cbor)")
	flag.StringVar(&blobDir, "blob-dir", "blobs", "Directory for uploaded blobs")
	flag.StringVar(&logLevel, "log-level", "info", "Log level")
	flag.Parse()

	logging.Init("text", logLevel)

	codec, err := messaging.NewCodec(encoding)
	if err != nil {
		logging.Fatal("Invalid encoding", "error", err)
	}
	h := &hubSim{prefix: prefix, blobDir: blobDir, codec: codec}

	srv := mochi.New(&mochi.Options{InlineClient: true})
	srv.Log = logging.Logger.With("component", "broker")
	if err := srv.AddHook(new(auth.AllowHook), nil); err != nil {
		logging.Fatal("Broker hook failed", "error", err)
	}
	if err := srv.AddListener(listeners.NewTCP(listeners.Config{ID: "hub-sim", Address: addr})); err != nil {
		logging.Fatal("Broker listener failed", "error", err)
	}
	if err := srv.Serve(); err != nil {
		logging.Fatal("Broker serve failed", "error", err)
	}
	defer srv.Close()

	all := messaging.NewTopics(prefix, "+")
	subs := []struct {
		filter  string
		handler func(*mochi.Client, packets.Subscription, packets.Packet)
	}{
		{all.Telemetry(), h.onTelemetry},
		{all.Blobs(), h.onBlob},
		{all.MethodResponses(), onJSON("Method response")},
		{all.Reported(), onJSON("Reported state")},
		{all.InboundAck(), onJSON("Inbound ack")},
		{all.Info(), onJSON("Device info")},
		{all.Status(), onJSON("Device status")},
	}
	for i, s := range subs {
		if err := srv.Subscribe(s.filter, i+1, s.handler); err != nil {
			logging.Fatal("Inline subscribe failed", "filter", s.filter, "error", err)
		}
	}
	logging.Info("Hub simulator listening", "addr", addr, "prefix", prefix, "blobDir", blobDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	logging.Info("Shutting down", "signal", s)
}

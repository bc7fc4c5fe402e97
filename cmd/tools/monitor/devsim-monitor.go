package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/fisaks/devsim/internal/devsim"
	"github.com/fisaks/devsim/internal/messaging"
)

// formatMessage renders one MQTT message as a single line. Telemetry is
// decoded with codec, blob uploads are summarised, everything else is
// compacted when it is JSON and printed as-is otherwise.
func formatMessage(topic string, payload []byte, codec messaging.Codec) string {
	switch {
	case strings.HasSuffix(topic, "/messages/events"):
		var rec devsim.TelemetryRecord
		if err := codec.Unmarshal(payload, &rec); err != nil {
			return fmt.Sprintf("(%s decode error: %v) %q", codec.Name(), err, payload)
		}
		out, _ := json.Marshal(rec)
		return string(out)
	case strings.Contains(topic, "/blobs/"):
		return fmt.Sprintf("(blob, %d bytes)", len(payload))
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return string(payload)
	}
	return buf.String()
}

func main() {
	var broker, prefix, device, encoding string
	flag.StringVar(&broker, "broker", "tcp://localhost:1883", "MQTT broker address")
	flag.StringVar(&prefix, "prefix", "devices", "Topic prefix")
	flag.StringVar(&device, "device", "+", "Device id, + for all devices")
	flag.StringVar(&encoding, "encoding", "json", "Telemetry encoding (json or cbor)")
	flag.Parse()

	codec, err := messaging.NewCodec(encoding)
	if err != nil {
		log.Fatal(err)
	}
	topic := messaging.NewTopics(prefix, device).All()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID("devsim-monitor-" + uuid.NewString()[:8])
	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		fmt.Printf("%s %s\n", msg.Topic(), formatMessage(msg.Topic(), msg.Payload(), codec))
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatal(token.Error())
	}
	fmt.Printf("Connected to MQTT broker %s, subscribing to %s...\n", broker, topic)

	if token := client.Subscribe(topic, 0, nil); token.Wait() && token.Error() != nil {
		log.Fatal(token.Error())
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()
	<-ctx.Done()
	client.Disconnect(200)
}

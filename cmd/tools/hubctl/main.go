package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/fisaks/devsim/internal/messaging"
	"github.com/fisaks/devsim/internal/util"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  hubctl invoke  [flags] COMMAND [PAYLOAD]   call a device command and wait for the result
  hubctl desired [flags] KEY=VALUE...        push a desired configuration document
  hubctl send    [flags] TEXT                send a hub-to-device message

Flags:
  --broker   (string)   MQTT broker address (default: tcp://localhost:1883)
  --prefix   (string)   Topic prefix (default: devices)
  --device   (string)   Device id (default: DevSim01)
  --timeout  (duration) Wait for the method response (invoke only, default: 10s)
  --json                Mark the message body as application/json (send only)

`)
}

type options struct {
	broker  string
	prefix  string
	device  string
	timeout time.Duration
	json    bool
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Missing command (invoke, desired, send)\n")
		usage()
		os.Exit(2)
	}
	cmd := os.Args[1]

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	var o options
	fs.StringVar(&o.broker, "broker", "tcp://localhost:1883", "MQTT broker address")
	fs.StringVar(&o.prefix, "prefix", "devices", "Topic prefix")
	fs.StringVar(&o.device, "device", "DevSim01", "Device id")
	fs.DurationVar(&o.timeout, "timeout", 10*time.Second, "Method response timeout")
	fs.BoolVar(&o.json, "json", false, "Body is JSON")
	fs.Usage = usage
	if err := fs.Parse(os.Args[2:]); err != nil {
		os.Exit(2)
	}

	var err error
	switch cmd {
	case "invoke":
		err = invoke(o, fs.Args())
	case "desired":
		err = desired(o, fs.Args())
	case "send":
		err = send(o, fs.Args())
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func connect(o options) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.broker)
	opts.SetClientID("hubctl-" + uuid.NewString()[:8])
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("MQTT connect error: %w", token.Error())
	}
	return client, nil
}

func publish(client mqtt.Client, topic string, retain bool, payload []byte) error {
	token := client.Publish(topic, 1, retain, payload)
	token.Wait()
	return token.Error()
}

func invoke(o options, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("command name is required")
	}
	name := args[0]
	var payload []byte
	if len(args) > 1 {
		payload = []byte(strings.Join(args[1:], " "))
	}

	client, err := connect(o)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	topics := messaging.NewTopics(o.prefix, o.device)
	requestID := uuid.NewString()
	resp := make(chan []byte, 1)
	token := client.Subscribe(topics.MethodResponse(requestID), 1, func(_ mqtt.Client, m mqtt.Message) {
		select {
		case resp <- m.Payload():
		default:
		}
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe: %w", token.Error())
	}

	if err := publish(client, topics.MethodRequest(name, requestID), false, payload); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	select {
	case body := <-resp:
		fmt.Println(string(body))
		var res struct {
			Status int `json:"status"`
		}
		if err := json.Unmarshal(body, &res); err == nil && res.Status >= 400 {
			return fmt.Errorf("command %s returned status %d", name, res.Status)
		}
		return nil
	case <-time.After(o.timeout):
		return fmt.Errorf("no response from %s within %s", o.device, o.timeout)
	}
}

func desired(o options, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("at least one KEY=VALUE is required")
	}
	doc := make(map[string]any, len(args))
	for _, kv := range args {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return fmt.Errorf("invalid pair %q, want KEY=VALUE", kv)
		}
		doc[k] = util.ParseScalar(v)
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	client, err := connect(o)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	if err := publish(client, messaging.NewTopics(o.prefix, o.device).Desired(), true, body); err != nil {
		return err
	}
	fmt.Printf("Desired %s pushed to %s\n", body, o.device)
	return nil
}

func send(o options, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("message text is required")
	}
	text := strings.Join(args, " ")

	env := messaging.InboundEnvelope{ID: uuid.NewString()}
	if o.json {
		if !json.Valid([]byte(text)) {
			return fmt.Errorf("--json given but body is not valid JSON")
		}
		env.ContentType = "application/json"
		env.Body = json.RawMessage(text)
	} else {
		quoted, err := json.Marshal(text)
		if err != nil {
			return err
		}
		env.Body = quoted
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	client, err := connect(o)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	if err := publish(client, messaging.NewTopics(o.prefix, o.device).Inbound(), false, body); err != nil {
		return err
	}
	fmt.Printf("Message %s sent to %s\n", env.ID, o.device)
	return nil
}

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/fisaks/devsim/internal/logging"
)

type BrokerConfig struct {
	BrokerURL        string
	ClientID         string // empty = "devsim-<uuid>"
	Username         string
	Password         string
	StatusTopic      string // LWT + online/offline, empty disables
	ConnectTimeout   time.Duration
	PublishTimeout   time.Duration
	SubscribeTimeout time.Duration
}

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

type subscription struct {
	qos     QoS
	handler mqtt.MessageHandler
}

type MsgBroker struct {
	config         BrokerConfig
	client         mqtt.Client
	mu             sync.RWMutex
	subs           map[string]subscription
	onConnectFuncs map[string]OnConnectPublisher
}

type PublishRequest struct {
	// If Context is nil, context.Background() is used
	Context      context.Context
	Topic        string
	Qos          QoS
	Retain       bool
	PayloadBytes []byte
	Payload      any
}

type OnConnectPublisher func() (PublishRequest, error)

var _ Broker = (*MsgBroker)(nil)

func NewMsgBroker(cfg BrokerConfig) *MsgBroker {
	if cfg.ClientID == "" {
		cfg.ClientID = "devsim-" + uuid.NewString()[:8]
	}
	return &MsgBroker{
		config:         cfg,
		subs:           make(map[string]subscription),
		onConnectFuncs: make(map[string]OnConnectPublisher),
	}
}

func (b *MsgBroker) Connect(ctx context.Context) error {
	if b.client == nil {
		b.client = mqtt.NewClient(b.optionsFromConfig())
	}
	if b.client.IsConnected() {
		return nil
	}

	timeout := b.config.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	t := b.client.Connect()
	select {
	case <-t.Done():
		if err := t.Error(); err != nil {
			return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		}
		logging.Info("MQTT connected", "broker", b.config.BrokerURL, "clientId", b.config.ClientID)
		return nil
	case <-time.After(timeout):
		b.client.Disconnect(250)
		return fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, timeout)
	case <-ctx.Done():
		b.client.Disconnect(250)
		return ctx.Err()
	}
}

func (b *MsgBroker) optionsFromConfig() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().AddBroker(b.config.BrokerURL)
	opts.SetClientID(b.config.ClientID)
	if b.config.Username != "" {
		opts.SetUsername(b.config.Username)
		opts.SetPassword(b.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetCleanSession(true)
	if b.config.StatusTopic != "" {
		opts.SetWill(b.config.StatusTopic, StatusOffline, byte(AtLeastOnce), true)
	}
	opts.OnConnect = func(c mqtt.Client) {
		b.restoreSubscriptions()
		b.onConnectPublisher()
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logging.Warn("MQTT connection lost", "clientId", b.config.ClientID, "error", err)
	}
	opts.OnReconnecting = func(mqtt.Client, *mqtt.ClientOptions) {
		logging.Info("MQTT reconnecting", "clientId", b.config.ClientID)
	}
	return opts
}

func (b *MsgBroker) AddOnConnectPublisher(id string, fn OnConnectPublisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onConnectFuncs[id] = fn
}

func (b *MsgBroker) RemoveOnConnectPublisher(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.onConnectFuncs, id)
}

// restoreSubscriptions re-subscribes after a reconnect; paho drops them with
// a clean session. On the first connect the map is still empty.
func (b *MsgBroker) restoreSubscriptions() {
	b.mu.RLock()
	subs := maps.Clone(b.subs)
	b.mu.RUnlock()

	for topic, s := range subs {
		b.client.Subscribe(topic, byte(s.qos), s.handler)
	}
	if len(subs) > 0 {
		logging.Info("MQTT subscriptions restored", "count", len(subs))
	}
}

func (b *MsgBroker) onConnectPublisher() {
	if b.config.StatusTopic != "" {
		b.client.Publish(b.config.StatusTopic, byte(AtLeastOnce), true, StatusOnline)
	}

	b.mu.RLock()
	funcsCopy := maps.Clone(b.onConnectFuncs)
	b.mu.RUnlock()

	for id, fn := range funcsCopy {
		req, err := fn()
		if err != nil {
			logging.Error("onConnectPublisher failed", "clientId", b.config.ClientID, "id", id, "error", err)
			continue
		}
		ctx := req.Context
		if ctx == nil {
			ctx = context.Background()
		}
		var pubErr error
		if req.PayloadBytes == nil {
			pubErr = b.PublishJSON(ctx, req.Topic, req.Qos, req.Retain, req.Payload)
		} else {
			pubErr = b.Publish(ctx, req.Topic, req.Qos, req.Retain, req.PayloadBytes)
		}
		if pubErr != nil {
			logging.Error("onConnect publish failed", "clientId", b.config.ClientID, "id", id, "topic", req.Topic, "error", pubErr)
		}
	}
}

func (b *MsgBroker) IsConnected() bool {
	if b.client == nil {
		return false
	}
	return b.client.IsConnected()
}

// Close publishes the graceful offline status and disconnects.
func (b *MsgBroker) Close(ctx context.Context) error {
	if b.client == nil {
		return nil
	}
	if b.config.StatusTopic != "" && b.client.IsConnected() {
		if err := b.Publish(ctx, b.config.StatusTopic, AtLeastOnce, true, []byte(StatusOffline)); err != nil {
			logging.Warn("Publishing offline status failed", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		// 250 ms quiesce period
		b.client.Disconnect(250)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MsgBroker) Publish(ctx context.Context, topic string, qos QoS, retain bool, payload []byte) error {
	if b.client == nil {
		return ErrNotConnected
	}
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	qosByte, wait := qosToByte(qos)
	token := b.client.Publish(topic, qosByte, retain, payload)
	if !wait {
		return nil
	}
	timeout := b.config.PublishTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	select {
	case <-token.Done():
		return token.Error()
	case <-time.After(timeout):
		return fmt.Errorf("%w after %v", ErrPublishTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func qosToByte(qos QoS) (byte, bool) {
	if qos > 2 {
		return 0, false
	}
	return byte(qos), true
}

func (b *MsgBroker) PublishJSON(ctx context.Context, topic string, qos QoS, retain bool, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Publish(ctx, topic, qos, retain, data)
}

// Subscribe registers handler and waits for SUBACK with timeout. The
// subscription is restored automatically after a reconnect.
func (b *MsgBroker) Subscribe(ctx context.Context, topic string, qos QoS, handler MessageHandler) (Subscription, error) {
	if b.client == nil {
		return nil, ErrNotConnected
	}
	// wrapper that converts paho message to our handler and logs panics without crashing
	onMessageHandler := func(_ mqtt.Client, msg mqtt.Message) {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Error("mqtt handler panic", "clientId", b.config.ClientID, "topic", msg.Topic(), "err", r)
				}
			}()
			handler(ctx, msg.Topic(), msg.Payload())
		}()
	}
	token := b.client.Subscribe(topic, byte(qos), onMessageHandler)

	timeout := b.config.SubscribeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return nil, err
		}

		b.mu.Lock()
		b.subs[topic] = subscription{qos: qos, handler: onMessageHandler}
		b.mu.Unlock()

		return &msgSubscription{broker: b, topic: topic}, nil

	case <-time.After(timeout):
		return nil, fmt.Errorf("%w for %s", ErrSubscribeTimeout, topic)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// subscription wrapper
type msgSubscription struct {
	broker *MsgBroker
	topic  string
}

func (s *msgSubscription) Unsubscribe(ctx context.Context) error {
	b := s.broker
	b.mu.Lock()
	delete(b.subs, s.topic)
	b.mu.Unlock()

	token := b.client.Unsubscribe(s.topic)
	timeout := 3 * time.Second
	select {
	case <-token.Done():
		return token.Error()
	case <-time.After(timeout):
		return fmt.Errorf("unsubscribe timeout for %s", s.topic)
	case <-ctx.Done():
		return ctx.Err()
	}
}

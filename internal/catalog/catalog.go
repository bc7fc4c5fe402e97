package catalog

import (
	"time"

	"github.com/fisaks/devsim/internal/messaging"
	"github.com/fisaks/devsim/internal/state"
)

// DeviceInfoMessage is announced (retained) on every broker connect.
type DeviceInfoMessage struct {
	DeviceID       string    `json:"deviceId"`
	ProductInfo    string    `json:"productInfo"`
	Commands       []string  `json:"commands"`
	DesiredOptions []string  `json:"desiredOptions"`
	Encoding       string    `json:"encoding"`
	CadenceMillis  int64     `json:"cadenceMillis"`
	PublishEnabled bool      `json:"publishEnabled"`
	StartedAt      time.Time `json:"startedAt"`
}

type Catalog struct {
	deviceID       string
	productInfo    string
	commands       []string
	desiredOptions []string
	encoding       string
	state          *state.DeviceState
	startedAt      time.Time
	topic          string
}

type Options struct {
	DeviceID       string
	ProductInfo    string
	Commands       []string
	DesiredOptions []string
	Encoding       string
	Topic          string
}

func NewDeviceCatalog(opts Options, st *state.DeviceState) *Catalog {
	return &Catalog{
		deviceID:       opts.DeviceID,
		productInfo:    opts.ProductInfo,
		commands:       opts.Commands,
		desiredOptions: opts.DesiredOptions,
		encoding:       opts.Encoding,
		state:          st,
		startedAt:      time.Now().UTC(),
		topic:          opts.Topic,
	}
}

// Build reflects the live cadence and enabled flag at the time of the call.
func (c *Catalog) Build() DeviceInfoMessage {
	snap := c.state.Snapshot()
	return DeviceInfoMessage{
		DeviceID:       c.deviceID,
		ProductInfo:    c.productInfo,
		Commands:       c.commands,
		DesiredOptions: c.desiredOptions,
		Encoding:       c.encoding,
		CadenceMillis:  snap.CadenceMillis,
		PublishEnabled: snap.PublishEnabled,
		StartedAt:      c.startedAt,
	}
}

// OnConnectPublish plugs into MsgBroker.AddOnConnectPublisher.
func (c *Catalog) OnConnectPublish() (messaging.PublishRequest, error) {
	return messaging.PublishRequest{
		Topic:   c.topic,
		Qos:     messaging.AtLeastOnce,
		Retain:  true,
		Payload: c.Build(),
	}, nil
}

package devsim

import (
	"context"
	"time"
)

type TelemetryRecord struct {
	DeviceID         string    `json:"deviceId" cbor:"deviceId"`
	MessageID        uint64    `json:"messageId" cbor:"messageId"`
	Temperature      float64   `json:"temperature" cbor:"temperature"`
	TemperatureAlert bool      `json:"temperatureAlert" cbor:"temperatureAlert"`
	Timestamp        time.Time `json:"timestamp" cbor:"timestamp"`
}

type CommandRequest struct {
	Name      string
	RequestID string
	Payload   []byte // raw request body, may be empty
}

// Command result codes, HTTP flavoured.
const (
	StatusOK         = 200
	StatusBadRequest = 400
	StatusNotFound   = 404
	StatusError      = 500
)

type CommandResult struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Payload any    `json:"payload,omitempty"`
}

func (r CommandResult) OK() bool { return r.Status >= 200 && r.Status < 300 }

func Succeeded(msg string) CommandResult {
	return CommandResult{Status: StatusOK, Message: msg}
}

func Failed(status int, msg string) CommandResult {
	return CommandResult{Status: status, Message: msg}
}

type CommandHandler func(ctx context.Context, req CommandRequest) CommandResult

type InboundMessage struct {
	ID          string
	ContentType string
	Properties  map[string]string
	Payload     []byte
	EnqueuedAt  time.Time
}

// DesiredConfig is the document pushed by the hub; values come straight
// from JSON decoding.
type DesiredConfig map[string]any

// Connector is everything the device core needs from the hub transport.
type Connector interface {
	Send(ctx context.Context, rec TelemetryRecord) error
	// ReceiveInbound waits up to timeout; ok=false means nothing arrived.
	ReceiveInbound(ctx context.Context, timeout time.Duration) (msg InboundMessage, ok bool, err error)
	Acknowledge(ctx context.Context, msg InboundMessage) error
	RegisterCommandHandler(name string, h CommandHandler) error
	OnDesiredConfigChanged(fn func(DesiredConfig))
	ReportState(ctx context.Context, props map[string]any) error
	// UploadBlob returns the name the blob was stored under.
	UploadBlob(ctx context.Context, localResourceID string) (string, error)
}

// CommandRegistrar is the part of Connector used to bind command handlers.
type CommandRegistrar interface {
	RegisterCommandHandler(name string, h CommandHandler) error
}

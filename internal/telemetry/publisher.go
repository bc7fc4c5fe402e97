package telemetry

import (
	"context"
	"time"

	"github.com/fisaks/devsim/internal/devsim"
	"github.com/fisaks/devsim/internal/logging"
	"github.com/fisaks/devsim/internal/state"
)

// Sender is the part of devsim.Connector the publisher uses.
type Sender interface {
	Send(ctx context.Context, rec devsim.TelemetryRecord) error
}

type PublisherConfig struct {
	DeviceID       string
	AlertThreshold float64
	Observer       devsim.TelemetryObserver // optional
	Now            func() time.Time         // optional, defaults to time.Now
	// After starts the wait between cycles. Optional, defaults to time.After.
	After func(time.Duration) <-chan time.Time
}

type Publisher struct {
	cfg    PublisherConfig
	state  *state.DeviceState
	gen    *Generator
	sender Sender
}

func NewPublisher(cfg PublisherConfig, st *state.DeviceState, gen *Generator, sender Sender) *Publisher {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.After == nil {
		cfg.After = time.After
	}
	return &Publisher{cfg: cfg, state: st, gen: gen, sender: sender}
}

// Run publishes until ctx is cancelled. The cadence is re-read after every
// cycle so a change made during a wait applies from the next cycle.
func (p *Publisher) Run(ctx context.Context) {
	logging.Info("Telemetry publisher started", "device", p.cfg.DeviceID, "cadenceMs", p.state.CadenceMillis())
	for {
		if ctx.Err() != nil {
			logging.Info("Telemetry publisher stopped", "device", p.cfg.DeviceID)
			return
		}

		_, _, _ = p.PublishOnce(ctx)

		select {
		case <-ctx.Done():
			logging.Info("Telemetry publisher stopped", "device", p.cfg.DeviceID)
			return
		case <-p.cfg.After(p.state.Cadence()):
		}
	}
}

// PublishOnce runs a single cycle without waiting. sent reports whether a
// record was handed to the connector successfully; a disabled device
// returns sent=false and a nil error.
func (p *Publisher) PublishOnce(ctx context.Context) (devsim.TelemetryRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return devsim.TelemetryRecord{}, false, err
	}
	if !p.state.PublishEnabled() {
		return devsim.TelemetryRecord{}, false, nil
	}

	snap := p.state.Advance(p.gen.Next)
	rec := devsim.TelemetryRecord{
		DeviceID:         p.cfg.DeviceID,
		MessageID:        snap.Sequence,
		Temperature:      snap.Reading,
		TemperatureAlert: snap.Reading > p.cfg.AlertThreshold,
		Timestamp:        p.cfg.Now().UTC(),
	}

	err := p.sender.Send(ctx, rec)
	if p.cfg.Observer != nil {
		p.cfg.Observer.ObserveTelemetry(rec, err)
	}
	if err != nil {
		logging.Warn("Telemetry send failed", "device", rec.DeviceID, "seq", rec.MessageID, "error", err)
		return rec, false, err
	}
	logging.Debug("Telemetry sent", "device", rec.DeviceID, "seq", rec.MessageID, "temperature", rec.Temperature, "alert", rec.TemperatureAlert)
	return rec, true, nil
}

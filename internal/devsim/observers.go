package devsim

import "time"

// Observers are optional side channels (metrics, history, journal) hooked
// into the core. Implementations must be safe for concurrent use.

type TelemetryObserver interface {
	// ObserveTelemetry is called after each send attempt; err is the send error.
	ObserveTelemetry(rec TelemetryRecord, err error)
}

type CommandObserver interface {
	ObserveCommand(req CommandRequest, res CommandResult, elapsed time.Duration)
}

type ConfigObserver interface {
	// ObserveConfig receives the options that were applied from one desired document.
	ObserveConfig(applied map[string]any)
}

type InboundObserver interface {
	ObserveInbound(msg InboundMessage, decodeErr error)
}

type TelemetryObservers []TelemetryObserver

func (o TelemetryObservers) ObserveTelemetry(rec TelemetryRecord, err error) {
	for _, ob := range o {
		ob.ObserveTelemetry(rec, err)
	}
}

type CommandObservers []CommandObserver

func (o CommandObservers) ObserveCommand(req CommandRequest, res CommandResult, elapsed time.Duration) {
	for _, ob := range o {
		ob.ObserveCommand(req, res, elapsed)
	}
}

type ConfigObservers []ConfigObserver

func (o ConfigObservers) ObserveConfig(applied map[string]any) {
	for _, ob := range o {
		ob.ObserveConfig(applied)
	}
}

type InboundObservers []InboundObserver

func (o InboundObservers) ObserveInbound(msg InboundMessage, decodeErr error) {
	for _, ob := range o {
		ob.ObserveInbound(msg, decodeErr)
	}
}

package twin

import (
	"context"
	"time"

	"github.com/fisaks/devsim/internal/devsim"
	"github.com/fisaks/devsim/internal/logging"
	"github.com/fisaks/devsim/internal/state"
	"github.com/fisaks/devsim/internal/util"
)

// Recognised desired options. freq is the legacy name of cadenceMillis.
const (
	KeyCadenceMillis = "cadenceMillis"
	KeyFreq          = "freq"
)

// applyOrder puts the canonical key last so it wins when both are pushed.
var applyOrder = []string{KeyFreq, KeyCadenceMillis}

// Reporter is the part of devsim.Connector the syncer uses.
type Reporter interface {
	ReportState(ctx context.Context, props map[string]any) error
}

type Syncer struct {
	state    *state.DeviceState
	reporter Reporter
	observer devsim.ConfigObserver
	queue    chan devsim.DesiredConfig
	timeout  time.Duration
}

// NewSyncer creates a syncer with a pending queue of size buffer (min 1).
// observer may be nil.
func NewSyncer(st *state.DeviceState, reporter Reporter, observer devsim.ConfigObserver, buffer int) *Syncer {
	if buffer < 1 {
		buffer = 1
	}
	return &Syncer{
		state:    st,
		reporter: reporter,
		observer: observer,
		queue:    make(chan devsim.DesiredConfig, buffer),
		timeout:  5 * time.Second,
	}
}

// QueueSize is the number of desired documents that can wait for Run.
func (s *Syncer) QueueSize() int { return cap(s.queue) }

// Enqueue never blocks. When the queue is full the oldest pending document
// is dropped so the newest desired state is always applied.
func (s *Syncer) Enqueue(doc devsim.DesiredConfig) {
	for {
		select {
		case s.queue <- doc:
			return
		default:
		}
		select {
		case old := <-s.queue:
			logging.Warn("Desired config queue full, dropping oldest", "dropped", len(old))
		default:
		}
	}
}

func (s *Syncer) Run(ctx context.Context) {
	logging.Info("Config sync started")
	for {
		select {
		case <-ctx.Done():
			logging.Info("Config sync stopped")
			return
		case doc := <-s.queue:
			s.Apply(ctx, doc)
		}
	}
}

// Apply validates and applies the recognised options of doc, reports each
// applied option back to the hub, and returns what was applied.
func (s *Syncer) Apply(ctx context.Context, doc devsim.DesiredConfig) map[string]any {
	applied := make(map[string]any)

	for _, key := range applyOrder {
		raw, ok := doc[key]
		if !ok {
			continue
		}
		ms, ok := util.ToPositiveInt64(raw)
		if !ok {
			logging.Warn("Ignoring invalid desired value", "key", key, "value", raw)
			continue
		}
		if err := s.state.SetCadenceMillis(ms); err != nil {
			logging.Warn("Ignoring invalid desired value", "key", key, "value", raw, "error", err)
			continue
		}
		applied[key] = ms
		logging.Info("Desired config applied", "key", key, "cadenceMs", ms)
	}

	if len(applied) == 0 {
		return applied
	}

	rctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.reporter.ReportState(rctx, applied); err != nil {
		logging.Warn("Reporting applied config failed", "keys", len(applied), "error", err)
	}
	if s.observer != nil {
		s.observer.ObserveConfig(applied)
	}
	return applied
}

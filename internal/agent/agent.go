// Package agent wires the simulated device together and supervises its
// background tasks.
package agent

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"time"

	"github.com/fisaks/devsim/internal/command"
	"github.com/fisaks/devsim/internal/config"
	"github.com/fisaks/devsim/internal/devsim"
	"github.com/fisaks/devsim/internal/inbound"
	"github.com/fisaks/devsim/internal/logging"
	"github.com/fisaks/devsim/internal/state"
	"github.com/fisaks/devsim/internal/telemetry"
	"github.com/fisaks/devsim/internal/twin"
)

// desiredQueueSize bounds pending desired documents; the oldest is dropped
// on overflow.
const desiredQueueSize = 4

// Observers collects the optional side channels. Empty slices are fine.
type Observers struct {
	Telemetry devsim.TelemetryObservers
	Commands  devsim.CommandObservers
	Config    devsim.ConfigObservers
	Inbound   devsim.InboundObservers
}

type Agent struct {
	state      *state.DeviceState
	publisher  *telemetry.Publisher
	dispatcher *command.Dispatcher
	syncer     *twin.Syncer
	listener   *inbound.Listener
}

// New builds every component and registers the command handlers and the
// desired-config callback with conn. Nothing runs until Run.
func New(cfg *config.Config, st *state.DeviceState, conn devsim.Connector, obs Observers) (*Agent, error) {
	rule, err := telemetry.ParseSignRule(cfg.Device.SignRule)
	if err != nil {
		return nil, err
	}
	seed := cfg.Device.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	gen := telemetry.NewGenerator(rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), rule)

	a := &Agent{state: st}
	a.publisher = telemetry.NewPublisher(telemetry.PublisherConfig{
		DeviceID:       cfg.Device.ID,
		AlertThreshold: cfg.Device.AlertThreshold,
		Observer:       obs.Telemetry,
	}, st, gen, conn)

	a.dispatcher = command.NewDispatcher(obs.Commands)
	if err := command.RegisterDefaults(a.dispatcher, st, conn, cfg.Upload.DefaultFile); err != nil {
		return nil, fmt.Errorf("register commands: %w", err)
	}
	if err := a.dispatcher.BindTo(conn); err != nil {
		return nil, err
	}

	a.syncer = twin.NewSyncer(st, conn, obs.Config, desiredQueueSize)
	conn.OnDesiredConfigChanged(a.syncer.Enqueue)

	a.listener = inbound.NewListener(conn, cfg.Inbound.ReceiveTimeout(), nil, obs.Inbound)

	logging.Info("Device agent ready",
		"deviceId", cfg.Device.ID,
		"signRule", rule.String(),
		"commands", a.dispatcher.Names(),
	)
	return a, nil
}

func (a *Agent) State() *state.DeviceState { return a.state }

func (a *Agent) Dispatcher() *command.Dispatcher { return a.dispatcher }

// Run starts the publisher, the desired-config sync and the inbound
// listener and blocks until all three have returned. A panicking task is
// logged and stops alone.
func (a *Agent) Run(ctx context.Context) {
	var wg sync.WaitGroup
	a.spawn(ctx, &wg, "publisher", a.publisher.Run)
	a.spawn(ctx, &wg, "config-sync", a.syncer.Run)
	a.spawn(ctx, &wg, "inbound-listener", a.listener.Run)
	wg.Wait()
	logging.Info("Device agent stopped")
}

func (a *Agent) spawn(ctx context.Context, wg *sync.WaitGroup, name string, fn func(context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logging.Error("Task panicked", "task", name, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		logging.Debug("Task started", "task", name)
		fn(ctx)
		logging.Debug("Task stopped", "task", name)
	}()
}

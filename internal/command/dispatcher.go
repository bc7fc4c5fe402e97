package command

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fisaks/devsim/internal/devsim"
	"github.com/fisaks/devsim/internal/logging"
)

var (
	ErrDuplicateHandler = errors.New("command handler already registered")
	ErrEmptyName        = errors.New("command name is required")
)

type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]devsim.CommandHandler
	observer devsim.CommandObserver
}

// NewDispatcher creates an empty registry. observer may be nil.
func NewDispatcher(observer devsim.CommandObserver) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]devsim.CommandHandler),
		observer: observer,
	}
}

func (d *Dispatcher) Register(name string, h devsim.CommandHandler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	if h == nil {
		return fmt.Errorf("command %q: nil handler", name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, name)
	}
	d.handlers[name] = h
	return nil
}

func (d *Dispatcher) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for n := range d.handlers {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Dispatch runs the handler registered under req.Name. Unknown names yield
// a 404 result and a panicking handler yields a 500 result.
func (d *Dispatcher) Dispatch(ctx context.Context, req devsim.CommandRequest) (res devsim.CommandResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Command handler panic", "command", req.Name, "requestId", req.RequestID, "panic", r, "stack", string(debug.Stack()))
			res = devsim.Failed(devsim.StatusError, fmt.Sprintf("Command %s failed: internal error", req.Name))
		}
		if d.observer != nil {
			d.observer.ObserveCommand(req, res, time.Since(start))
		}
		logging.Info("Command handled", "command", req.Name, "requestId", req.RequestID, "status", res.Status, "message", res.Message)
	}()

	d.mu.RLock()
	h, ok := d.handlers[req.Name]
	d.mu.RUnlock()
	if !ok {
		return devsim.Failed(devsim.StatusNotFound, fmt.Sprintf("Unknown command: %s", req.Name))
	}
	return h(ctx, req)
}

// BindTo registers every known command with the connector, routing each
// through Dispatch.
func (d *Dispatcher) BindTo(reg devsim.CommandRegistrar) error {
	for _, name := range d.Names() {
		if err := reg.RegisterCommandHandler(name, d.Dispatch); err != nil {
			return fmt.Errorf("bind command %s: %w", name, err)
		}
	}
	return nil
}

// Package api serves the local operator HTTP surface: health, live state,
// Prometheus metrics, the command journal and direct command invocation.
//
//	srv, err := api.New(deps)
//	srv.Start(ctx)
//	defer srv.Close()
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fisaks/devsim/internal/config"
	"github.com/fisaks/devsim/internal/devsim"
	"github.com/fisaks/devsim/internal/journal"
	"github.com/fisaks/devsim/internal/logging"
	"github.com/fisaks/devsim/internal/state"
)

const (
	gracefulShutdownTimeout = 10 * time.Second
	readHeaderTimeout       = 5 * time.Second
	maxBodyBytes            = 64 << 10
)

type StateSource interface {
	Snapshot() state.Snapshot
}

type CommandInvoker interface {
	Dispatch(ctx context.Context, req devsim.CommandRequest) devsim.CommandResult
	Names() []string
}

type JournalReader interface {
	RecentCommands(ctx context.Context, limit int) ([]journal.CommandEntry, error)
	RecentConfigChanges(ctx context.Context, limit int) ([]journal.ConfigEntry, error)
}

// Deps holds what the server reads from. Metrics, Commands and Journal are
// optional; their routes answer 404 when unset.
type Deps struct {
	Config   config.APIConfig
	DeviceID string
	State    StateSource
	Metrics  http.Handler
	Commands CommandInvoker
	Journal  JournalReader
}

type Server struct {
	deps Deps

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

func New(deps Deps) (*Server, error) {
	if deps.State == nil {
		return nil, errors.New("state source is required")
	}
	return &Server{deps: deps}, nil
}

// Start binds the listener synchronously so address errors surface here,
// then serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return errors.New("api server already started")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.deps.Config.Addr)
	if err != nil {
		return fmt.Errorf("api listen on %s: %w", s.deps.Config.Addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("API server error", "error", err)
		}
	}(s.server)

	logging.Info("API server listening", "addr", ln.Addr().String())
	return nil
}

// Addr is the bound address, useful when configured with port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	logging.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

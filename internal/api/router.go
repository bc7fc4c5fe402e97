package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/fisaks/devsim/internal/devsim"
	"github.com/fisaks/devsim/internal/logging"
)

const (
	defaultJournalLimit = 50
	maxJournalLimit     = 500
)

type errorBody struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/state", s.handleState)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics)
	}

	r.Route("/commands", func(r chi.Router) {
		r.Get("/", s.handleListCommands)
		r.Post("/{name}", s.handleInvoke)
	})

	r.Route("/journal", func(r chi.Router) {
		r.Get("/commands", s.handleJournalCommands)
		r.Get("/config", s.handleJournalConfig)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Status: status, Message: message})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "deviceId": s.deps.DeviceID})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.State.Snapshot())
}

func (s *Server) handleListCommands(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Commands == nil {
		writeError(w, http.StatusNotFound, "commands not available")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"commands": s.deps.Commands.Names()})
}

// handleInvoke runs a command locally through the same dispatcher the hub
// uses. The response status mirrors the command result status.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if s.deps.Commands == nil {
		writeError(w, http.StatusNotFound, "commands not available")
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	req := devsim.CommandRequest{
		Name:      chi.URLParam(r, "name"),
		RequestID: uuid.NewString(),
		Payload:   payload,
	}
	res := s.deps.Commands.Dispatch(r.Context(), req)
	writeJSON(w, res.Status, res)
}

func (s *Server) handleJournalCommands(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		writeError(w, http.StatusNotFound, "journal not enabled")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	entries, err := s.deps.Journal.RecentCommands(r.Context(), limit)
	if err != nil {
		logging.Error("Journal read failed", "error", err)
		writeError(w, http.StatusInternalServerError, "journal read failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) handleJournalConfig(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		writeError(w, http.StatusNotFound, "journal not enabled")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	entries, err := s.deps.Journal.RecentConfigChanges(r.Context(), limit)
	if err != nil {
		logging.Error("Journal read failed", "error", err)
		writeError(w, http.StatusInternalServerError, "journal read failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultJournalLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return min(n, maxJournalLimit), true
}

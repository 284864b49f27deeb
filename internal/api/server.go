// Package api serves the optional local status endpoint: a read-only view of
// the supervisor and the journal for operators and editor tooling. It binds
// to loopback by default and carries no mutation surface.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/sigbridge/internal/journal"
	"github.com/mattjoyce/sigbridge/internal/log"
	"github.com/mattjoyce/sigbridge/internal/supervisor"
)

// SupervisorStatus is the view of the supervisor the API needs.
type SupervisorStatus interface {
	State() supervisor.State
	ChannelID() string
	Restarts() int
	StartedAt() time.Time
}

// Config holds API server configuration.
type Config struct {
	Listen string
}

// Server is the HTTP status server.
type Server struct {
	config  Config
	sup     SupervisorStatus
	journal *journal.Journal // optional
	logger  *slog.Logger
	server  *http.Server
}

// New creates the status server. jnl may be nil; event endpoints then report
// an empty history.
func New(config Config, sup SupervisorStatus, jnl *journal.Journal) *Server {
	s := &Server{
		config:  config,
		sup:     sup,
		journal: jnl,
		logger:  log.WithComponent("api"),
	}
	s.server = &http.Server{
		Addr:              config.Listen,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/events", s.handleEvents)
	r.Get("/v1/requests", s.handleRequests)
	return r
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("status api listening", "addr", s.config.Listen)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	State     string    `json:"state"`
	ChannelID string    `json:"channel_id,omitempty"`
	Restarts  int       `json:"restarts"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Uptime    string    `json:"uptime,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		State:     string(s.sup.State()),
		ChannelID: s.sup.ChannelID(),
		Restarts:  s.sup.Restarts(),
	}
	if startedAt := s.sup.StartedAt(); !startedAt.IsZero() {
		resp.StartedAt = startedAt
		resp.Uptime = time.Since(startedAt).Round(time.Second).String()
	}
	writeJSON(w, http.StatusOK, resp)
}

type eventView struct {
	At        time.Time `json:"at"`
	Kind      string    `json:"kind"`
	ChannelID string    `json:"channel_id,omitempty"`
	WorkerPID int       `json:"worker_pid,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSON(w, http.StatusOK, []eventView{})
		return
	}

	events, err := s.journal.Recent(r.Context(), limitParam(r))
	if err != nil {
		s.logger.Error("journal query failed", "error", err)
		http.Error(w, "journal query failed", http.StatusInternalServerError)
		return
	}

	views := make([]eventView, 0, len(events))
	for _, ev := range events {
		views = append(views, eventView{
			At:        ev.At,
			Kind:      ev.Kind,
			ChannelID: ev.ChannelID,
			WorkerPID: ev.WorkerPID,
			Detail:    ev.Detail,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

type requestView struct {
	At        time.Time `json:"at"`
	Signature string    `json:"signature"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSON(w, http.StatusOK, []requestView{})
		return
	}

	records, err := s.journal.RecentRequests(r.Context(), limitParam(r))
	if err != nil {
		s.logger.Error("journal query failed", "error", err)
		http.Error(w, "journal query failed", http.StatusInternalServerError)
		return
	}

	views := make([]requestView, 0, len(records))
	for _, rec := range records {
		views = append(views, requestView{
			At:        rec.At,
			Signature: rec.Signature,
			Status:    rec.Status,
			Error:     rec.Error,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func limitParam(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 50
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

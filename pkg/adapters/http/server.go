package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/aretw0/storyguard"
	"github.com/aretw0/storyguard/internal/logging"
	"github.com/aretw0/storyguard/pkg/domain"
)

// Engine defines the subset of the storyguard engine served over HTTP.
type Engine interface {
	Handle(ctx context.Context, evt domain.Event) error
	Status() storyguard.Status
	Audit(ctx context.Context, reason string) (storyguard.AuditReport, error)
	Issues(ctx context.Context) ([]string, error)
	Transactions() []domain.Transaction
	Integrity() storyguard.IntegrityReport
	History() []domain.RecoveryRecord
	Stream(buffer int) (<-chan domain.Event, func())
}

// Server serves the event surface and the read-only views of an Engine.
type Server struct {
	Engine  Engine
	metrics http.Handler
	logger  *slog.Logger
}

// Option configures the Server.
type Option func(*Server)

// WithMetrics mounts h under /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithLogger configures the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewHandler creates a new HTTP handler for the engine.
func NewHandler(engine Engine, opts ...Option) http.Handler {
	s := &Server{Engine: engine, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "http")

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.GetHealth)
	r.Get("/info", s.GetInfo)
	r.Get("/status", s.GetStatus)
	r.Post("/events", s.PostEvent)
	r.Get("/events/stream", s.SubscribeEvents)
	r.Post("/audit", s.PostAudit)
	r.Get("/issues", s.GetIssues)
	r.Get("/ledger", s.GetLedger)
	r.Get("/recoveries", s.GetRecoveries)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	return enableCORS(r)
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetHealth handles the GET /health request.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetInfo handles the GET /info request.
func (s *Server) GetInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"app":     "storyguard",
		"version": strings.TrimSpace(storyguard.Version),
	})
}

// GetStatus handles the GET /status request.
func (s *Server) GetStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Engine.Status())
}

// PostEvent handles the POST /events request. The response carries the
// engine status after the event and every continuation it deferred ran.
func (s *Server) PostEvent(w http.ResponseWriter, r *http.Request) {
	var evt domain.Event
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		s.logger.Warn("PostEvent: invalid request body", "error", err)
		return
	}
	if evt.Type == "" {
		http.Error(w, "Event type is required", http.StatusBadRequest)
		return
	}

	if err := s.Engine.Handle(r.Context(), evt); err != nil {
		code := statusFor(err)
		http.Error(w, fmt.Sprintf("Event rejected: %v", err), code)
		if code == http.StatusInternalServerError {
			s.logger.Error("PostEvent failed", "type", evt.Type, "error", err)
		} else {
			s.logger.Warn("PostEvent rejected", "type", evt.Type, "error", err)
		}
		return
	}
	s.writeJSON(w, http.StatusOK, s.Engine.Status())
}

// statusFor maps engine errors to HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrFlowNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNoActiveFlow), errors.Is(err, domain.ErrFlowAlreadyActive):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnknownOption), errors.Is(err, domain.ErrUnknownState):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// PostAudit handles the POST /audit request.
func (s *Server) PostAudit(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "http"
	}
	report, err := s.Engine.Audit(r.Context(), reason)
	if err != nil {
		http.Error(w, fmt.Sprintf("Audit error: %v", err), http.StatusInternalServerError)
		s.logger.Error("Audit failed", "error", err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// GetIssues handles the GET /issues request.
func (s *Server) GetIssues(w http.ResponseWriter, r *http.Request) {
	issues, err := s.Engine.Issues(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Diagnosis error: %v", err), http.StatusInternalServerError)
		s.logger.Error("Issues failed", "error", err)
		return
	}
	if issues == nil {
		issues = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"issues": issues})
}

// LedgerResponse is the body of GET /ledger.
type LedgerResponse struct {
	Transactions []domain.Transaction `json:"transactions"`
	Stale        []string             `json:"stale"`
}

// GetLedger handles the GET /ledger request.
func (s *Server) GetLedger(w http.ResponseWriter, r *http.Request) {
	resp := LedgerResponse{
		Transactions: s.Engine.Transactions(),
		Stale:        s.Engine.Integrity().StaleIDs(),
	}
	if resp.Transactions == nil {
		resp.Transactions = []domain.Transaction{}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// GetRecoveries handles the GET /recoveries request.
func (s *Server) GetRecoveries(w http.ResponseWriter, r *http.Request) {
	history := s.Engine.History()
	if history == nil {
		history = []domain.RecoveryRecord{}
	}
	s.writeJSON(w, http.StatusOK, history)
}

// SubscribeEvents handles the GET /events/stream request (SSE).
// The optional "type" query parameter is a comma separated filter.
func (s *Server) SubscribeEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		s.logger.Error("SubscribeEvents: streaming not supported")
		return
	}

	var watch map[domain.EventType]bool
	if raw := r.URL.Query().Get("type"); raw != "" {
		watch = make(map[domain.EventType]bool)
		for _, typ := range strings.Split(raw, ",") {
			watch[domain.EventType(strings.TrimSpace(typ))] = true
		}
	}

	events, cancel := s.Engine.Stream(64)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")
	flusher.Flush()
	s.logger.Info("SSE: client subscribed", "filter", len(watch))

	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("SSE: client disconnected")
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if watch != nil && !watch[evt.Type] {
				continue
			}
			data, err := json.Marshal(evt)
			if err != nil {
				s.logger.Warn("SSE: encode failed", "type", evt.Type, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
			flusher.Flush()
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

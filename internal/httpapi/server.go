// Package httpapi exposes the sync daemon's control surface: status and
// summary reads, manual sync triggers, destination cleanup, and a live log
// stream.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/calmirror/calmirror/internal/calsync"
)

// Engine is the part of the sync orchestrator the API drives.
type Engine interface {
	Run(ctx context.Context) (*calsync.Summary, error)
	State() calsync.PassState
	LastSummary() *calsync.Summary
	ForceFullResync() error
	DeleteDestination(ctx context.Context, destID string) error
	DeleteAllDestination(ctx context.Context) error
}

type ServerConfig struct {
	// APIToken guards every route except /health. Empty disables auth,
	// intended for loopback-only listeners.
	APIToken        string
	Account         string
	Calendar        string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	engine      Engine
	logs        *LogRing
	cfg         ServerConfig
	logger      calsync.Logger
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(engine Engine, logs *LogRing, logger calsync.Logger, cfg ServerConfig) *Server {
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		engine:      engine,
		logs:        logs,
		cfg:         cfg,
		logger:      logger,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.APIToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(remoteKey(r), time.Now()) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
		return
	}

	switch {
	case r.URL.Path == "/v1/status" && r.Method == http.MethodGet:
		s.handleStatus(w)
	case r.URL.Path == "/v1/summary" && r.Method == http.MethodGet:
		s.handleSummary(w)
	case r.URL.Path == "/v1/sync" && r.Method == http.MethodPost:
		s.handleSync(w, r)
	case r.URL.Path == "/v1/events" && r.Method == http.MethodDelete:
		s.handleDeleteAll(w, r)
	case strings.HasPrefix(r.URL.Path, "/v1/events/") && r.Method == http.MethodDelete:
		s.handleDeleteOne(w, r)
	case r.URL.Path == "/v1/logs" && r.Method == http.MethodGet:
		s.handleLogs(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{
		"state":    string(s.engine.State()),
		"account":  s.cfg.Account,
		"calendar": s.cfg.Calendar,
	})
}

func (s *Server) handleSummary(w http.ResponseWriter) {
	summary := s.engine.LastSummary()
	if summary == nil {
		writeError(w, http.StatusNotFound, "no_summary", "no sync pass has completed yet")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleSync starts a pass in the background and returns immediately. A
// pass already in flight yields 409 rather than queueing.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Full bool `json:"full"`
	}
	if !s.decodeOptionalBody(w, r, &req) {
		return
	}
	if s.engine.State() != calsync.StateIdle && s.engine.State() != calsync.StateDone && s.engine.State() != calsync.StateAborted {
		writeError(w, http.StatusConflict, "sync_in_flight", "a sync pass is already running")
		return
	}
	if req.Full {
		if err := s.engine.ForceFullResync(); err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
	}
	go func() {
		if _, err := s.engine.Run(context.Background()); err != nil && !errors.Is(err, calsync.ErrPassInFlight) {
			s.logf("manual sync failed: %v", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleDeleteOne(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/events/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid event id")
		return
	}
	if err := s.engine.DeleteDestination(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteAllDestination(r.Context()); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	return true
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, calsync.ErrPassInFlight):
		writeError(w, http.StatusConflict, "sync_in_flight", "a sync pass is already running")
	case errors.Is(err, calsync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "event not found")
	case errors.Is(err, calsync.ErrNotAuthenticated):
		writeError(w, http.StatusBadGateway, "not_authenticated", "destination rejected the credentials")
	case errors.Is(err, calsync.ErrRemoteUnavailable):
		writeError(w, http.StatusBadGateway, "remote_unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func remoteKey(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (s *Server) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

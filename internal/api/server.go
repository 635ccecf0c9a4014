package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kallsyms/distscrape/internal/metrics"
	"github.com/kallsyms/distscrape/internal/track"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	requestTimeout   = 60 * time.Second
)

// Server wires HTTP handlers to the tracker. The surface is for
// operators and feeders only; workers coordinate through the tracker
// backend directly, never over HTTP.
type Server struct {
	router  chi.Router
	tracker track.Tracker
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(tracker track.Tracker, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{tracker: tracker, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(requestTimeout))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/items", s.submitItems)
		r.Get("/items", s.listItems)
		r.Get("/items/*", s.getItem)
		r.Get("/stats", s.getStats)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz probes the tracker backend so load balancers stop routing to a
// process whose store is gone.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.tracker.Stats(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "tracker backend unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRequest struct {
	Items []track.Candidate `json:"items"`
}

type submitResponse struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
}

func (s *Server) submitItems(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "at least one item required")
		return
	}
	for _, item := range req.Items {
		if item.Identity == "" {
			writeError(w, http.StatusBadRequest, "item identity must not be empty")
			return
		}
	}
	accepted, err := s.tracker.Submit(r.Context(), req.Items)
	if err != nil {
		s.writeTrackerError(w, err)
		return
	}
	duplicates := len(req.Items) - accepted
	metrics.ObserveSubmissions(accepted, duplicates)
	s.logger.Info("items submitted",
		zap.Int("accepted", accepted),
		zap.Int("duplicates", duplicates),
	)
	writeJSON(w, http.StatusAccepted, submitResponse{Accepted: accepted, Duplicates: duplicates})
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	// Identities are often URLs; the wildcard keeps their slashes and
	// percent-escaped forms are accepted too.
	identity := chi.URLParam(r, "*")
	if unescaped, err := url.PathUnescape(identity); err == nil {
		identity = unescaped
	}
	item, err := s.tracker.Get(r.Context(), identity)
	if err != nil {
		s.writeTrackerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemResponse(item))
}

func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	lister, ok := s.tracker.(track.Lister)
	if !ok {
		writeError(w, http.StatusNotImplemented, "item listing not supported by this backend")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	state, err := parseState(r.URL.Query().Get("state"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	items, err := lister.List(r.Context(), state, limit, offset)
	if err != nil {
		s.writeTrackerError(w, err)
		return
	}
	out := make([]itemResponse, 0, len(items))
	for _, it := range items {
		out = append(out, toItemResponse(it))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

type statsResponse struct {
	track.Stats
	Total int64 `json:"total"`
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.tracker.Stats(r.Context())
	if err != nil {
		s.writeTrackerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{Stats: stats, Total: stats.Total()})
}

func (s *Server) writeTrackerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, track.ErrNotFound):
		writeError(w, http.StatusNotFound, "item not found")
	case errors.Is(err, track.ErrBackendUnavailable):
		writeError(w, http.StatusServiceUnavailable, "tracker backend unavailable")
	default:
		s.logger.Error("tracker request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// itemResponse is the wire form of a tracked item. The lease token is a
// claim credential and never leaves the tracker and its holder; only the
// holder and expiry are shown.
type itemResponse struct {
	Identity       string     `json:"identity"`
	State          string     `json:"state"`
	Payload        string     `json:"payload,omitempty"`
	Attempts       int        `json:"attempts"`
	LeasedBy       string     `json:"leased_by,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func toItemResponse(item track.Item) itemResponse {
	resp := itemResponse{
		Identity:  item.Identity,
		State:     string(item.State),
		Payload:   item.Payload,
		Attempts:  item.Attempts,
		CreatedAt: item.CreatedAt,
		UpdatedAt: item.UpdatedAt,
	}
	if item.Lease != nil {
		resp.LeasedBy = item.Lease.WorkerID
		expires := item.Lease.ExpiresAt
		resp.LeaseExpiresAt = &expires
	}
	return resp
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseState(raw string) (*track.State, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	state := track.State(strings.ToLower(raw))
	switch state {
	case track.StatePending, track.StateLeased, track.StateDone, track.StateDiscarded:
		return &state, nil
	}
	return nil, errors.New("invalid state")
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", requestID(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

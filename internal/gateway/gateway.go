// Package gateway exposes the lifecycle service over HTTP and pushes task
// change notifications over a websocket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/proofline/internal/audit"
	"github.com/basket/proofline/internal/blob"
	"github.com/basket/proofline/internal/bus"
	"github.com/basket/proofline/internal/config"
	"github.com/basket/proofline/internal/lifecycle"
	plotel "github.com/basket/proofline/internal/otel"
	"github.com/basket/proofline/internal/shared"
	"github.com/basket/proofline/internal/telemetry"
)

// ArtifactReader opens stored artifacts by reference.
type ArtifactReader interface {
	Open(ref string) (io.ReadCloser, int64, error)
}

type Config struct {
	Service   *lifecycle.Service
	Artifacts ArtifactReader
	Bus       *bus.Bus
	Logger    *slog.Logger
	Tracer    trace.Tracer

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS connections.
	// Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config exposed on /healthz.
	ConfigFingerprint string

	// MaxArtifactBytes bounds multipart uploads. Zero means 25MB.
	MaxArtifactBytes int64

	RateLimit config.RateLimitConfig

	// Health reports store reachability. Nil means always healthy.
	Health func(ctx context.Context) error
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	schemas *requestSchemas
	limiter *RateLimiter
}

func New(cfg Config) (*Server, error) {
	if cfg.Service == nil {
		return nil, errors.New("gateway: lifecycle service required")
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	if cfg.MaxArtifactBytes <= 0 {
		cfg.MaxArtifactBytes = 25 << 20
	}
	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		tracer:  cfg.Tracer,
		schemas: schemas,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.limiter = NewRateLimiter(cfg.RateLimit, s.logger)
	if s.tracer == nil {
		s.tracer = nooptrace.NewTracerProvider().Tracer(plotel.TracerName)
	}
	return s, nil
}

// Limiter exposes the rate limiter so the caller can run idle-caller eviction.
func (s *Server) Limiter() *RateLimiter {
	return s.limiter
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ws", s.handleWS)

	s.route(mux, "GET /api/phases", s.handlePhases)
	s.route(mux, "POST /api/tasks", s.handleCreateTask)
	s.route(mux, "GET /api/tasks", s.handleListTasks)
	s.route(mux, "GET /api/tasks/{id}", s.handleGetTask)
	s.route(mux, "DELETE /api/tasks/{id}", s.handleDeleteTask)
	s.route(mux, "PUT /api/tasks/{id}/phases", s.handleEditPhases)
	s.route(mux, "POST /api/tasks/{id}/hold", s.handleHold)
	s.route(mux, "GET /api/tasks/{id}/progress", s.handleProgress)
	s.route(mux, "GET /api/tasks/{id}/events", s.handleEvents)
	s.route(mux, "POST /api/tasks/{id}/proofs", s.handleSubmitProof)
	s.route(mux, "DELETE /api/tasks/{id}/proofs/{phase}", s.handleDeleteProof)
	s.route(mux, "POST /api/tasks/{id}/phases/{phase}/approve", s.handleApprove)
	s.route(mux, "POST /api/tasks/{id}/phases/{phase}/reject", s.handleReject)
	s.route(mux, "POST /api/tasks/{id}/approve-all", s.handleApproveAll)
	s.route(mux, "POST /api/tasks/{id}/reject-all", s.handleRejectAll)
	s.route(mux, "GET /api/artifacts/{ref}", s.handleArtifact)

	limitBody := RequestSizeLimitMiddleware(s.cfg.MaxArtifactBytes + 1<<20)
	return NewCORSMiddleware(s.cfg.AllowOrigins)(s.limiter.Wrap(limitBody(mux)))
}

// route registers an authenticated API handler wrapped in a server span.
func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, s.withRequest(pattern, s.authenticate(h)))
}

func (s *Server) withRequest(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		ctx := shared.WithTraceID(r.Context(), traceID)
		ctx = shared.WithRequestID(ctx, shared.NewTraceID())
		ctx, span := plotel.StartServerSpan(ctx, s.tracer, pattern, r.Header, plotel.AttrRoute.String(pattern))

		w.Header().Set("X-Trace-ID", traceID)
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r.WithContext(ctx))
		plotel.EndServerSpan(span, sw.status)
		telemetry.ForRequest(ctx, s.logger).Debug("http request",
			"route", pattern,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	healthy := true
	if s.cfg.Health != nil {
		if err := s.cfg.Health(r.Context()); err != nil {
			healthy = false
		}
	}
	var dropped int64
	var subscribers int
	if s.cfg.Bus != nil {
		dropped = s.cfg.Bus.Dropped()
		subscribers = s.cfg.Bus.SubscriberCount()
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy":               healthy,
		"db_ok":                 healthy,
		"config_hash":           s.cfg.ConfigFingerprint,
		"dropped_notifications": dropped,
		"denied_requests":       audit.DenyCount(),
		"ws_subscribers":        subscribers,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// writeError maps the lifecycle error taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := statusFor(err)
	if status >= http.StatusInternalServerError {
		telemetry.ForRequest(r.Context(), s.logger).Error("http request failed", "kind", kind, "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind})
}

func statusFor(err error) (int, string) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, blob.ErrTooLarge), errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge, "too_large"
	case errors.Is(err, blob.ErrInvalidRef):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, blob.ErrNotFound):
		return http.StatusNotFound, "not_found"
	}
	kind := lifecycle.ErrorKind(err)
	switch kind {
	case "validation":
		return http.StatusBadRequest, kind
	case "not_found":
		return http.StatusNotFound, kind
	case "forbidden":
		return http.StatusForbidden, kind
	case "conflict":
		return http.StatusConflict, kind
	case "storage":
		return http.StatusBadGateway, kind
	default:
		return http.StatusInternalServerError, kind
	}
}

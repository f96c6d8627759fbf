package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/webshot/internal/cache"
	"github.com/JakeFAU/webshot/internal/capture"
	"github.com/JakeFAU/webshot/internal/metrics"
	"github.com/JakeFAU/webshot/internal/pool"
	"github.com/JakeFAU/webshot/internal/telemetry"
)

// DefaultRetryAfter is advertised when the browser pool has no free session.
const DefaultRetryAfter = 5 * time.Second

// Screenshotter is the capture surface the handlers depend on.
type Screenshotter interface {
	Capture(ctx context.Context, rawURL string) (capture.Result, error)
	Invalidate(rawURL string) (bool, error)
	Purge() int
}

// CacheStats reports cache counters.
type CacheStats interface {
	Stats() cache.Stats
}

// PoolStats reports browser pool health.
type PoolStats interface {
	Stats() pool.Stats
	Degraded() bool
}

// Config tunes the HTTP layer.
type Config struct {
	// RequestTimeout bounds each request; zero disables the limit.
	RequestTimeout time.Duration
	RetryAfter     time.Duration
	Logger         *zap.Logger
}

// Server wires HTTP handlers to the capture coordinator.
type Server struct {
	router  chi.Router
	shots   Screenshotter
	cache   CacheStats
	pool    PoolStats
	cfg     Config
	logger  *zap.Logger
	started time.Time
}

// NewServer constructs a Server with middleware and routes.
func NewServer(shots Screenshotter, cacheStats CacheStats, poolStats PoolStats, cfg Config) *Server {
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = DefaultRetryAfter
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		shots:   shots,
		cache:   cacheStats,
		pool:    poolStats,
		cfg:     cfg,
		logger:  logger,
		started: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(telemetry.Middleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	if cfg.RequestTimeout > 0 {
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/screenshot", s.screenshot)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/screenshot", s.screenshot)
		r.Delete("/cache", s.invalidate)
		r.Get("/stats", s.stats)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.pool != nil && s.pool.Degraded() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) screenshot(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		writeError(w, http.StatusBadRequest, capture.ReasonInvalidURL, "missing 'url' query parameter")
		return
	}

	res, err := s.shots.Capture(r.Context(), rawURL)
	if err != nil {
		s.writeCaptureError(w, r, err)
		return
	}

	etag := strconv.Quote(res.Hash)
	w.Header().Set("ETag", etag)
	w.Header().Set("X-Content-Hash", res.Hash)
	w.Header().Set("X-Captured-At", res.CapturedAt.UTC().Format(time.RFC3339Nano))
	w.Header().Set("X-Cache", cacheHeader(res))
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	contentType := res.ContentType
	if contentType == "" {
		contentType = capture.ContentTypePNG
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(res.Size()))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Image); err != nil {
		s.logger.Debug("write screenshot failed", zap.Error(err))
	}
}

func (s *Server) writeCaptureError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if errors.Is(err, capture.ErrPoolExhausted) || errors.Is(err, capture.ErrRateLimited) {
		w.Header().Set("Retry-After", strconv.Itoa(int(s.cfg.RetryAfter.Round(time.Second)/time.Second)))
	}
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		s.logger.Debug("client went away before capture finished",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("url", r.URL.Query().Get("url")),
		)
	} else if status >= http.StatusInternalServerError {
		s.logger.Warn("capture failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("url", r.URL.Query().Get("url")),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	writeError(w, status, capture.Reason(err), err.Error())
}

func (s *Server) invalidate(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		n := s.shots.Purge()
		writeJSON(w, http.StatusOK, map[string]int{"purged": n})
		return
	}
	removed, err := s.shots.Invalidate(rawURL)
	if err != nil {
		writeError(w, http.StatusBadRequest, capture.Reason(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"invalidated": removed})
}

type statsResponse struct {
	UptimeSeconds int64        `json:"uptime_seconds"`
	Cache         *cache.Stats `json:"cache,omitempty"`
	Pool          *pool.Stats  `json:"pool,omitempty"`
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{UptimeSeconds: int64(time.Since(s.started).Seconds())}
	if s.cache != nil {
		st := s.cache.Stats()
		resp.Cache = &st
	}
	if s.pool != nil {
		st := s.pool.Stats()
		resp.Pool = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusFor maps a capture error onto an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, capture.ErrInvalidURL):
		return http.StatusBadRequest
	case errors.Is(err, capture.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, capture.ErrPoolClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, pool.ErrDegraded):
		return http.StatusBadGateway
	case errors.Is(err, capture.ErrPoolExhausted),
		errors.Is(err, capture.ErrCaptureTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, capture.ErrPageLoad), errors.Is(err, capture.ErrEngineCrash):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func cacheHeader(res capture.Result) string {
	if res.Cached {
		return "hit"
	}
	return "miss"
}

type requestIDKey struct{}

// RequestID returns the ID assigned to the request carried by ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("trace_id", telemetry.TraceID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int("bytes", ww.bytes),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("panic recovered",
					zap.String("request_id", RequestID(r.Context())),
					zap.Any("error", rec),
				)
				writeError(w, http.StatusInternalServerError, capture.ReasonInternal, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"error":"request timed out","reason":"timeout"}`)
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, reason, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Reason: reason})
}

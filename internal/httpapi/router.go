// Package httpapi exposes story generation and generated assets over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/loqalabs/soilsong/internal/config"
	"github.com/loqalabs/soilsong/internal/eventstore"
	"github.com/loqalabs/soilsong/internal/storage"
	"github.com/loqalabs/soilsong/internal/story"
)

type RouterConfig struct {
	ServiceName     string
	Mode            string // live or mock, reported by /api/health
	Production      bool
	MaxBodyBytes    int64
	ImageDescriptor string
	RateLimit       config.RateLimitConfig
}

// StoryHandler is implemented by *story.Service.
type StoryHandler interface {
	Handle(ctx context.Context, obs story.Observation) (story.Result, error)
}

// EventLister is implemented by *eventstore.Store.
type EventLister interface {
	ListRequestEvents(ctx context.Context, requestID string, limit int) ([]eventstore.Event, error)
}

type Router struct {
	cfg     RouterConfig
	logger  *slog.Logger
	stories StoryHandler
	stores  storage.Stores
	events  EventLister
	metrics http.Handler
	ready   func() bool
	limiter *ipLimiter
	mux     *http.ServeMux
	started time.Time
	now     func() time.Time
}

// NewRouter builds the handler tree. events, metrics and ready may be nil.
func NewRouter(cfg RouterConfig, logger *slog.Logger, stories StoryHandler, stores storage.Stores, events EventLister, metrics http.Handler, ready func() bool) http.Handler {
	return newRouter(cfg, logger, stories, stores, events, metrics, ready).handler()
}

func newRouter(cfg RouterConfig, logger *slog.Logger, stories StoryHandler, stores storage.Stores, events EventLister, metrics http.Handler, ready func() bool) *Router {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 5 << 20
	}
	r := &Router{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "httpapi")),
		stories: stories,
		stores:  stores,
		events:  events,
		metrics: metrics,
		ready:   ready,
		mux:     http.NewServeMux(),
		started: time.Now(),
		now:     time.Now,
	}
	if cfg.RateLimit.Enabled {
		r.limiter = newIPLimiter(cfg.RateLimit.Requests, config.Duration(cfg.RateLimit.WindowMS))
	}
	r.routes()
	return r
}

func (r *Router) handler() http.Handler {
	return withSentryRecovery(withCORS(r.mux))
}

func (r *Router) routes() {
	r.mux.HandleFunc("POST /api/story", r.withRateLimit(r.handleStory))
	r.mux.HandleFunc("GET /api/health", r.withRateLimit(r.handleAPIHealth))
	if r.events != nil {
		r.mux.HandleFunc("GET /api/stories/{id}/events", r.withRateLimit(r.handleStoryEvents))
	}

	r.mux.HandleFunc("GET /health", r.handleHealth)
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.HandleFunc("GET /readyz", r.handleReady)

	r.mux.HandleFunc("GET /audio/{name...}", r.serveFrom(r.stores.Audio))
	r.mux.HandleFunc("GET /uploads/{name...}", r.serveFrom(r.stores.Uploads))

	if r.metrics != nil {
		r.mux.Handle("GET /metrics", r.metrics)
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Router) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready == nil || r.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"timestamp":      r.now().UTC().Format(time.RFC3339),
		"uptime_seconds": int64(r.now().Sub(r.started).Seconds()),
	})
}

func (r *Router) handleAPIHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   r.cfg.ServiceName,
		"mode":      r.cfg.Mode,
		"timestamp": r.now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}

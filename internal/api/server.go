package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/serpqueue/internal/metrics"
	"github.com/JakeFAU/serpqueue/internal/progress"
	"github.com/JakeFAU/serpqueue/internal/search"
)

// SearchService is the client-facing search API.
type SearchService interface {
	Submit(ctx context.Context, fingerprint string, queries []string) ([]search.Search, error)
	List(ctx context.Context, fingerprint string, page, pageSize int) (search.Page, error)
	Get(ctx context.Context, id, fingerprint string) (search.Search, error)
	Remove(ctx context.Context, id, fingerprint string) error
	RemoveAll(ctx context.Context, fingerprint string) (int, error)
}

// EventSource hands out per-requester progress subscriptions.
type EventSource interface {
	Subscribe(requester string) (<-chan progress.Event, func())
}

// Check reports whether a downstream dependency is usable.
type Check func(ctx context.Context) error

// Config controls server behavior.
type Config struct {
	// RequestTimeout bounds non-streaming requests.
	RequestTimeout time.Duration
	// APIKey, when set, is required in X-API-Key on /v1 routes.
	APIKey string
	// KeepAlive is the comment interval on event streams.
	KeepAlive    time.Duration
	MaxBodyBytes int64
}

const (
	defaultRequestTimeout = 30 * time.Second
	defaultKeepAlive      = 15 * time.Second
	defaultMaxBodyBytes   = 1 << 20
	readyTimeout          = 2 * time.Second
)

// Server wires HTTP handlers to the search service.
type Server struct {
	router chi.Router
	svc    SearchService
	events EventSource
	checks map[string]Check
	cfg    Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. events may be nil
// to disable streaming.
func NewServer(svc SearchService, events EventSource, checks map[string]Check, cfg Config, logger *zap.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		svc:    svc,
		events: events,
		checks: checks,
		cfg:    cfg,
		logger: logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Get("/events", s.streamEvents)
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(cfg.RequestTimeout))
			r.Route("/searches", func(r chi.Router) {
				r.Post("/", s.submitSearches)
				r.Get("/", s.listSearches)
				r.Delete("/", s.removeAllSearches)
				r.Get("/{id}", s.getSearch)
				r.Delete("/{id}", s.removeSearch)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	failed := map[string]string{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

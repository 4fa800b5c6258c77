// Package api is callrouter's HTTP surface: the webhook routes the
// signaling platform calls, health checks, and the operator endpoints.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/flowpbx/callrouter/internal/api/middleware"
	"github.com/flowpbx/callrouter/internal/breaker"
	"github.com/flowpbx/callrouter/internal/clock"
	"github.com/flowpbx/callrouter/internal/routecache"
	"github.com/flowpbx/callrouter/internal/webhook"
)

// CacheInvalidator evicts routing cache entries.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, inv routecache.Invalidation) error
}

// BreakerStatuses reports circuit breaker states.
type BreakerStatuses interface {
	Statuses(ctx context.Context) []breaker.Status
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Orchestrator *webhook.Orchestrator
	Tenants      middleware.OrganizationResolver
	Cache        CacheInvalidator
	Breakers     BreakerStatuses
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Clock   clock.Clock
}

// Options tune authentication and transport.
type Options struct {
	Service        string
	WebhookAuth    middleware.WebhookAuthConfig
	InternalSecret []byte
	InternalLimit  middleware.ClientLimitConfig
	TLS            bool
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router  *chi.Mux
	orch    *webhook.Orchestrator
	deps    Deps
	opts    Options
	clock   clock.Clock
	limiter *middleware.ClientLimiter
	logger  *slog.Logger

	observe func(hook, outcome string)
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(deps Deps, opts Options, logger *slog.Logger) *Server {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if opts.Service == "" {
		opts.Service = "callrouter"
	}
	if opts.InternalLimit.Burst == 0 {
		opts.InternalLimit = middleware.DefaultClientLimitConfig()
	}
	logger = logger.With("subsystem", "http")

	s := &Server{
		router:  chi.NewRouter(),
		orch:    deps.Orchestrator,
		deps:    deps,
		opts:    opts,
		clock:   deps.Clock,
		limiter: middleware.NewClientLimiter(opts.InternalLimit, deps.Clock, logger),
		logger:  logger,
	}

	s.routes()
	return s
}

// OnMalformed registers a hook called for webhooks rejected before they
// reach the orchestrator, by shape validation or by middleware.
func (s *Server) OnMalformed(fn func(hook, outcome string)) { s.observe = fn }

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.SecurityHeaders(s.opts.TLS))

	r.Group(func(r chi.Router) {
		r.Use(middleware.Recoverer(s.logger))
		r.Get("/health", s.handleHealth)
		if s.deps.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
		}
	})

	// Webhooks always answer 200 with a document the platform can act on.
	r.Group(func(r chi.Router) {
		r.Use(middleware.RecoverToHangup(s.logger))
		r.Use(middleware.RecordRejections(s.rejected))
		r.Use(middleware.BufferBody(s.logger))
		r.Use(middleware.Tenant(s.deps.Tenants, s.logger))
		r.Use(middleware.WebhookAuth(s.opts.WebhookAuth, s.logger))

		r.Post(PathCallInitiated, s.handleCallInitiated)
		r.Post(webhook.PathIvrInput, s.handleIvrInput)
		r.Post(webhook.PathRingGroupCallback, s.handleRingGroupCallback)
		r.Post(webhook.PathCallStatus, s.handleCallStatus)
		r.Post(PathSessionUpdate, s.handleCallStatus)
		r.Post(PathCDR, s.handleCDR)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(middleware.Recoverer(s.logger))
		r.Use(middleware.LimitClients(s.limiter))
		r.Use(middleware.RequireInternal(s.opts.InternalSecret, s.logger))

		r.Get("/breakers", s.handleBreakers)
		r.Post("/cache/invalidate", s.handleInvalidate)
	})

	s.logger.Info("api routes mounted", "webhook_auth", s.opts.WebhookAuth.Mode)
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowpbx/callrouter/internal/api"
	"github.com/flowpbx/callrouter/internal/api/middleware"
	"github.com/flowpbx/callrouter/internal/breaker"
	"github.com/flowpbx/callrouter/internal/cache"
	"github.com/flowpbx/callrouter/internal/callstate"
	"github.com/flowpbx/callrouter/internal/clock"
	"github.com/flowpbx/callrouter/internal/config"
	"github.com/flowpbx/callrouter/internal/database"
	"github.com/flowpbx/callrouter/internal/ivr"
	"github.com/flowpbx/callrouter/internal/metrics"
	"github.com/flowpbx/callrouter/internal/ringgroup"
	"github.com/flowpbx/callrouter/internal/routecache"
	"github.com/flowpbx/callrouter/internal/routing"
	"github.com/flowpbx/callrouter/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting callrouter",
		"http_port", cfg.HTTPPort,
		"db_dialect", cfg.DBDialect,
		"redis", cfg.RedisAddr != "",
		"webhook_auth", cfg.WebhookAuth,
		"fallback_profile", cfg.FallbackProfile,
	)
	if cfg.WebhookAuth == middleware.AuthNone {
		slog.Warn("webhook authentication disabled, any caller can request routing decisions")
	}

	if err := run(cfg, logger); err != nil {
		slog.Error("callrouter failed", "error", err)
		os.Exit(1)
	}
	slog.Info("callrouter stopped")
}

// run wires the routing stack, serves HTTP until a shutdown signal or server
// error, then drains in-flight work.
func run(cfg *config.Config, logger *slog.Logger) error {
	// Open database and run migrations.
	db, err := database.Open(database.Dialect(cfg.DBDialect), cfg.DatabaseTarget())
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	clk := clock.Real{}

	// Shared cache: Redis when configured, otherwise process-local.
	var store cache.Store
	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rs, err := cache.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		cancel()
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer rs.Close()
		store = rs
	} else {
		slog.Warn("no redis-addr configured, using in-process cache (call state is not shared between instances)")
		store = cache.NewMemoryStore(clk)
	}

	internalSecret, err := cfg.InternalSecretBytes()
	if err != nil {
		return err
	}

	breakers := breaker.NewRegistry(breaker.DefaultConfig(), store, clk, logger)
	m := metrics.New(breakers, clk)

	routes := routecache.New(store, routecache.Repositories{
		Organizations:   database.NewOrganizationRepository(db),
		Extensions:      database.NewExtensionRepository(db),
		DIDs:            database.NewDidNumberRepository(db),
		RingGroups:      database.NewRingGroupRepository(db),
		Schedules:       database.NewScheduleRepository(db),
		IvrMenus:        database.NewIvrMenuRepository(db),
		ConferenceRooms: database.NewConferenceRoomRepository(db),
	}, routecache.TTLs{
		Organization: cfg.CacheShortTTL,
		Extension:    cfg.CacheShortTTL,
		DID:          cfg.CacheShortTTL,
		Schedule:     cfg.CacheLongTTL,
		RingGroup:    cfg.CacheLongTTL,
		IvrMenu:      cfg.CacheLongTTL,
		Conference:   cfg.CacheLongTTL,
	}, breakers, logger)
	routes.OnLookup(m.ObserveLookup)

	outbound := routing.NewOutboundLimiter(routing.LimiterConfig{
		Rate:            rate.Limit(cfg.OutboundRate),
		Burst:           cfg.OutboundBurst,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	})
	defer outbound.Stop()
	outbound.OnCheck(m.ObserveOutbound)

	guard := routing.NewGuard(logger)
	guard.OnBreach(m.ObserveBreach)

	calls := callstate.NewStore(store,
		cache.NewLocker(store, clk, cfg.LockTTL, cfg.LockWait),
		breakers.Get(breaker.ServiceCache),
		clk, cfg.CallStateTTL, logger)

	orch := webhook.New(webhook.Config{
		BaseURL:  cfg.BaseURL,
		Deadline: cfg.DecisionDeadline,
		MaxHops:  cfg.MaxHops,
	}, webhook.Deps{
		Lookup:     routes,
		Classifier: routing.NewClassifier(routes, outbound, logger),
		Guard:      guard,
		RingGroups: ringgroup.NewEngine(routes, cfg.FallbackProfileValue(), guard, logger),
		IVR:        ivr.NewMachine(logger),
		Calls:      calls,
		CDRs:       database.NewCDRRepository(db),
		Statuses:   database.NewCallStatusRepository(db),
		Database:   breakers.Get(breaker.ServiceDatabase),
		Clock:      clk,
	}, logger)
	orch.OnDecision(m.ObserveDecision)

	// HTTP server using the api package.
	handler := api.NewServer(api.Deps{
		Orchestrator: orch,
		Tenants:      routes,
		Cache:        routes,
		Breakers:     breakers,
		Metrics:      m.Handler(),
		Clock:        clk,
	}, api.Options{
		WebhookAuth:    cfg.WebhookAuthConfig(),
		InternalSecret: internalSecret,
		TLS:            cfg.TLSEnabled(),
	}, logger)
	handler.OnMalformed(m.ObserveDecision)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr, "tls", cfg.TLSEnabled())
		var err error
		if cfg.TLSEnabled() {
			err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case serveErr = <-errCh:
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down http server")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	// Let in-flight call status writes reach the store before closing it.
	orch.Wait()

	if serveErr != nil {
		return fmt.Errorf("serving http: %w", serveErr)
	}
	return nil
}

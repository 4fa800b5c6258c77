package breaker

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/flowpbx/callrouter/internal/cache"
	"github.com/flowpbx/callrouter/internal/clock"
)

// Well-known dependency names.
const (
	ServiceCache    = "cache"
	ServiceDatabase = "database"
)

// Registry hands out one breaker per dependency name.
type Registry struct {
	cfg    Config
	store  cache.Store
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share cfg and store.
func NewRegistry(cfg Config, store cache.Store, clk clock.Clock, logger *slog.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		store:    store,
		clock:    clk,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for service, creating it on first use.
func (r *Registry) Get(service string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[service]; ok {
		return b
	}
	b := New(service, r.cfg, r.store, r.clock, r.logger)
	r.breakers[service] = b
	return b
}

// Statuses returns the status of every breaker, sorted by service name.
func (r *Registry) Statuses(ctx context.Context) []Status {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].service < list[j].service })

	out := make([]Status, 0, len(list))
	for _, b := range list {
		out = append(out, b.Status(ctx))
	}
	return out
}

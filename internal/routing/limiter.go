package routing

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimiterConfig configures per-extension outbound dial limiting.
type LimiterConfig struct {
	Rate            rate.Limit
	Burst           int
	CleanupInterval time.Duration
	MaxAge          time.Duration
}

// DefaultLimiterConfig allows 1 outbound call per second with a burst of 5.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		Rate:            rate.Limit(1),
		Burst:           5,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

type limitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// OutboundLimiter tracks a token bucket per originating extension.
type OutboundLimiter struct {
	mu      sync.Mutex
	entries map[int64]*limitEntry
	cfg     LimiterConfig
	stopCh  chan struct{}
	once    sync.Once
	onCheck func(allowed bool)
}

// NewOutboundLimiter creates a limiter and starts background cleanup.
func NewOutboundLimiter(cfg LimiterConfig) *OutboundLimiter {
	l := &OutboundLimiter{
		entries: make(map[int64]*limitEntry),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
	if cfg.CleanupInterval > 0 {
		go l.cleanupLoop()
	}
	return l
}

// OnCheck registers a hook called with the result of every Allow.
func (l *OutboundLimiter) OnCheck(fn func(allowed bool)) { l.onCheck = fn }

// Allow consumes a token for extensionID.
func (l *OutboundLimiter) Allow(extensionID int64) bool {
	l.mu.Lock()
	e, ok := l.entries[extensionID]
	if !ok {
		e = &limitEntry{limiter: rate.NewLimiter(l.cfg.Rate, l.cfg.Burst)}
		l.entries[extensionID] = e
	}
	e.lastSeen = time.Now()
	l.mu.Unlock()

	allowed := e.limiter.Allow()
	if l.onCheck != nil {
		l.onCheck(allowed)
	}
	return allowed
}

// Stop terminates background cleanup.
func (l *OutboundLimiter) Stop() {
	l.once.Do(func() { close(l.stopCh) })
}

func (l *OutboundLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCh:
			return
		}
	}
}

func (l *OutboundLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.cfg.MaxAge)
	for id, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, id)
		}
	}
}

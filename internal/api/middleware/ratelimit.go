package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowpbx/callrouter/internal/clock"
)

// ClientLimitConfig bounds how often one client address may call the
// operator endpoints.
type ClientLimitConfig struct {
	PerSecond rate.Limit
	Burst     int
	// IdleTTL drops a client's bucket once it has been quiet this long.
	IdleTTL time.Duration
}

// DefaultClientLimitConfig allows 5 calls per second with bursts of 10.
func DefaultClientLimitConfig() ClientLimitConfig {
	return ClientLimitConfig{PerSecond: 5, Burst: 10, IdleTTL: 10 * time.Minute}
}

type clientBucket struct {
	tokens *rate.Limiter
	seen   time.Time
}

// ClientLimiter keeps one token bucket per client address. Idle buckets are
// swept on the request path once per IdleTTL.
type ClientLimiter struct {
	cfg    ClientLimitConfig
	clock  clock.Clock
	logger *slog.Logger

	mu        sync.Mutex
	buckets   map[string]*clientBucket
	lastSweep time.Time
}

// NewClientLimiter creates a ClientLimiter on clk.
func NewClientLimiter(cfg ClientLimitConfig, clk clock.Clock, logger *slog.Logger) *ClientLimiter {
	if clk == nil {
		clk = clock.Real{}
	}
	return &ClientLimiter{
		cfg:       cfg,
		clock:     clk,
		logger:    logger.With("subsystem", "client_limit"),
		buckets:   make(map[string]*clientBucket),
		lastSweep: clk.Now(),
	}
}

// Allow spends one token from addr's bucket.
func (l *ClientLimiter) Allow(addr string) bool {
	now := l.clock.Now()

	l.mu.Lock()
	if l.cfg.IdleTTL > 0 && now.Sub(l.lastSweep) >= l.cfg.IdleTTL {
		l.sweep(now)
	}
	b := l.buckets[addr]
	if b == nil {
		b = &clientBucket{tokens: rate.NewLimiter(l.cfg.PerSecond, l.cfg.Burst)}
		l.buckets[addr] = b
	}
	b.seen = now
	l.mu.Unlock()

	return b.tokens.AllowN(now, 1)
}

// sweep drops buckets idle for IdleTTL. l.mu must be held.
func (l *ClientLimiter) sweep(now time.Time) {
	l.lastSweep = now
	before := len(l.buckets)
	for addr, b := range l.buckets {
		if now.Sub(b.seen) >= l.cfg.IdleTTL {
			delete(l.buckets, addr)
		}
	}
	if dropped := before - len(l.buckets); dropped > 0 {
		l.logger.Debug("dropped idle client buckets", "dropped", dropped, "tracked", len(l.buckets))
	}
}

// LimitClients answers 429 to a client address that has spent its bucket.
func LimitClients(l *ClientLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := clientAddr(r)
			if l.Allow(addr) {
				next.ServeHTTP(w, r)
				return
			}
			l.logger.Warn("operator endpoint throttled", "client", addr, "path", r.URL.Path)
			w.Header().Set("Retry-After", "1")
			writeJWTError(w, http.StatusTooManyRequests, "rate limit exceeded")
		})
	}
}

// clientAddr is RemoteAddr without its port.
func clientAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// Package breaker implements a per-dependency circuit breaker whose state is
// kept in the shared cache so that every routing process sees the same
// open/closed decision for a dependency.
package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/callrouter/internal/cache"
	"github.com/flowpbx/callrouter/internal/clock"
)

// State is the breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned when the breaker rejects a call without invoking the
// wrapped operation and no fallback was supplied.
var ErrOpen = errors.New("circuit breaker open")

// stateIOTimeout bounds every read/write of persisted breaker state.
const stateIOTimeout = 100 * time.Millisecond

// localTrial is the trial token used while the shared store is unusable.
const localTrial = "local"

// Config tunes a breaker.
type Config struct {
	// Threshold is the number of failures inside Window that opens the circuit.
	Threshold int
	// Window is the rolling failure window. A failure older than Window
	// resets the counter before the next increment.
	Window time.Duration
	// RetryAfter is how long the circuit stays open before admitting a trial.
	RetryAfter time.Duration
	// Timeout bounds each wrapped operation.
	Timeout time.Duration
	// StateTTL is the expiry applied to persisted state.
	StateTTL time.Duration
}

// DefaultConfig returns threshold 5, a 5 minute window, 60s retry and a 2s
// operation timeout.
func DefaultConfig() Config {
	return Config{
		Threshold:  5,
		Window:     5 * time.Minute,
		RetryAfter: 60 * time.Second,
		Timeout:    2 * time.Second,
		StateTTL:   time.Hour,
	}
}

// snapshot is the persisted breaker state.
type snapshot struct {
	State         State     `json:"state"`
	Failures      int       `json:"failures"`
	LastFailureAt time.Time `json:"last_failure_at,omitempty"`
	OpenedAt      time.Time `json:"opened_at,omitempty"`
}

// Status is the observable breaker state.
type Status struct {
	Service   string     `json:"service"`
	State     State      `json:"state"`
	Failures  int        `json:"failures"`
	Threshold int        `json:"threshold"`
	OpenedAt  *time.Time `json:"opened_at"`
	IsHealthy bool       `json:"is_healthy"`
}

// Breaker guards calls to one named dependency.
type Breaker struct {
	service string
	cfg     Config
	store   cache.Store
	clock   clock.Clock
	logger  *slog.Logger

	// transition serializes state changes within this process.
	transition sync.Mutex

	mu            sync.Mutex
	local         snapshot
	trialRunning  bool
	degradedUntil time.Time
}

// New creates a breaker for service. store may be nil, in which case state
// is process-local.
func New(service string, cfg Config, store cache.Store, clk clock.Clock, logger *slog.Logger) *Breaker {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = DefaultConfig().StateTTL
	}
	return &Breaker{
		service: service,
		cfg:     cfg,
		store:   store,
		clock:   clk,
		logger:  logger.With("subsystem", "circuit_breaker", "service", service),
		local:   snapshot{State: StateClosed},
	}
}

// Service returns the dependency name.
func (b *Breaker) Service() string { return b.service }

func (b *Breaker) key() string      { return "breaker:" + b.service }
func (b *Breaker) trialKey() string { return "breaker:" + b.service + ":trial" }

// Execute runs op through the breaker. When the circuit is open, or op
// fails, fallback is returned if supplied; otherwise ErrOpen or op's error.
func Execute[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error), fallback func(context.Context) (T, error)) (T, error) {
	var zero T

	trial, err := b.allow(ctx)
	if err != nil {
		if fallback != nil {
			return fallback(ctx)
		}
		return zero, err
	}

	opCtx := ctx
	cancel := func() {}
	if b.cfg.Timeout > 0 {
		opCtx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
	}
	v, err := op(opCtx)
	cancel()

	if err != nil {
		// A caller that gave up is not a dependency failure.
		if ctx.Err() != nil {
			b.releaseTrial(ctx, trial)
			return zero, err
		}
		b.recordFailure(ctx, trial, err)
		if fallback != nil {
			return fallback(ctx)
		}
		return zero, err
	}

	b.recordSuccess(ctx, trial)
	return v, nil
}

// Call is Execute for operations without a result.
func (b *Breaker) Call(ctx context.Context, op func(context.Context) error, fallback func(context.Context) error) error {
	wrap := func(f func(context.Context) error) func(context.Context) (struct{}, error) {
		if f == nil {
			return nil
		}
		return func(ctx context.Context) (struct{}, error) { return struct{}{}, f(ctx) }
	}
	_, err := Execute(ctx, b, wrap(op), wrap(fallback))
	return err
}

// allow decides whether the next call may proceed. A non-empty trial token
// marks the call as the single half-open trial; it must be released.
func (b *Breaker) allow(ctx context.Context) (string, error) {
	s := b.load(ctx)
	if s.State == StateClosed {
		return "", nil
	}

	b.transition.Lock()
	defer b.transition.Unlock()

	s = b.load(ctx)
	now := b.clock.Now()

	switch s.State {
	case StateOpen:
		if now.Sub(s.OpenedAt) < b.cfg.RetryAfter {
			return "", ErrOpen
		}
		trial, ok := b.claimTrial(ctx)
		if !ok {
			return "", ErrOpen
		}
		s.State = StateHalfOpen
		b.save(ctx, s)
		b.logger.Info("circuit half-open, admitting trial")
		return trial, nil
	case StateHalfOpen:
		trial, ok := b.claimTrial(ctx)
		if !ok {
			return "", ErrOpen
		}
		return trial, nil
	default:
		return "", nil
	}
}

// trialTTL bounds a trial claim so a process that dies mid-trial does not
// keep the circuit half-open forever.
func (b *Breaker) trialTTL() time.Duration {
	if b.cfg.Timeout > 0 {
		return b.cfg.Timeout + stateIOTimeout
	}
	return b.cfg.RetryAfter
}

// claimTrial takes the half-open trial slot. The slot lives in the shared
// store so only one process runs a trial at a time.
func (b *Breaker) claimTrial(ctx context.Context) (string, bool) {
	if b.storeUsable() {
		token := uuid.NewString()
		ioCtx, cancel := context.WithTimeout(ctx, stateIOTimeout)
		ok, err := b.store.SetNX(ioCtx, b.trialKey(), []byte(token), b.trialTTL())
		cancel()
		if err == nil {
			if !ok {
				return "", false
			}
			return token, true
		}
		b.markDegraded(err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.trialRunning {
		return "", false
	}
	b.trialRunning = true
	return localTrial, true
}

// releaseTrial frees the trial slot held by trial, if any.
func (b *Breaker) releaseTrial(ctx context.Context, trial string) {
	switch trial {
	case "":
		return
	case localTrial:
		b.mu.Lock()
		b.trialRunning = false
		b.mu.Unlock()
		return
	}

	ioCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stateIOTimeout)
	defer cancel()
	if _, err := b.store.CompareAndDelete(ioCtx, b.trialKey(), []byte(trial)); err != nil {
		b.logger.Warn("releasing breaker trial, claim will expire", "error", err)
	}
}

func (b *Breaker) recordFailure(ctx context.Context, trial string, cause error) {
	b.transition.Lock()
	defer b.transition.Unlock()
	defer b.releaseTrial(ctx, trial)

	s := b.load(ctx)
	now := b.clock.Now()

	switch s.State {
	case StateHalfOpen, StateOpen:
		s.State = StateOpen
		s.Failures++
		s.LastFailureAt = now
		s.OpenedAt = now
		b.save(ctx, s)
		b.logger.Warn("trial failed, circuit reopened", "error", cause)
		return
	}

	if !s.LastFailureAt.IsZero() && now.Sub(s.LastFailureAt) > b.cfg.Window {
		s.Failures = 0
	}
	s.Failures++
	s.LastFailureAt = now

	if s.Failures >= b.cfg.Threshold {
		s.State = StateOpen
		s.OpenedAt = now
		b.logger.Error("circuit opened",
			"failures", s.Failures,
			"threshold", b.cfg.Threshold,
			"error", cause,
		)
	} else {
		b.logger.Debug("dependency call failed", "failures", s.Failures, "error", cause)
	}
	b.save(ctx, s)
}

func (b *Breaker) recordSuccess(ctx context.Context, trial string) {
	defer b.releaseTrial(ctx, trial)

	s := b.load(ctx)
	if s.State == StateClosed {
		return
	}

	b.transition.Lock()
	defer b.transition.Unlock()

	s = b.load(ctx)
	if s.State == StateClosed {
		return
	}
	b.save(ctx, snapshot{State: StateClosed})
	b.logger.Info("circuit closed", "previous_state", s.State)
}

// storeUsable reports whether persisted state should be consulted.
func (b *Breaker) storeUsable() bool {
	if b.store == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.clock.Now().Before(b.degradedUntil)
}

// markDegraded switches to the local mirror for one retry period.
func (b *Breaker) markDegraded(err error) {
	b.mu.Lock()
	b.degradedUntil = b.clock.Now().Add(b.cfg.RetryAfter)
	b.mu.Unlock()
	b.logger.Warn("breaker state store unavailable, using local state", "error", err)
}

func (b *Breaker) localSnapshot() snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.local
}

// load returns the current state, preferring the shared store.
func (b *Breaker) load(ctx context.Context) snapshot {
	if !b.storeUsable() {
		return b.localSnapshot()
	}

	ioCtx, cancel := context.WithTimeout(ctx, stateIOTimeout)
	defer cancel()

	data, err := b.store.Get(ioCtx, b.key())
	if errors.Is(err, cache.ErrMiss) {
		s := snapshot{State: StateClosed}
		b.mu.Lock()
		b.local = s
		b.mu.Unlock()
		return s
	}
	if err != nil {
		b.markDegraded(err)
		return b.localSnapshot()
	}

	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil || s.State == "" {
		return b.localSnapshot()
	}

	b.mu.Lock()
	b.local = s
	b.mu.Unlock()
	return s
}

// save writes state locally and, when possible, to the shared store.
func (b *Breaker) save(ctx context.Context, s snapshot) {
	b.mu.Lock()
	b.local = s
	b.mu.Unlock()

	if !b.storeUsable() {
		return
	}

	data, err := json.Marshal(s)
	if err != nil {
		return
	}

	ioCtx, cancel := context.WithTimeout(ctx, stateIOTimeout)
	defer cancel()
	if err := b.store.Set(ioCtx, b.key(), data, b.cfg.StateTTL); err != nil {
		b.markDegraded(err)
	}
}

// Status reports the breaker state for observability.
func (b *Breaker) Status(ctx context.Context) Status {
	s := b.load(ctx)
	st := Status{
		Service:   b.service,
		State:     s.State,
		Failures:  s.Failures,
		Threshold: b.cfg.Threshold,
		IsHealthy: s.State == StateClosed,
	}
	if !s.OpenedAt.IsZero() && s.State != StateClosed {
		t := s.OpenedAt
		st.OpenedAt = &t
	}
	return st
}

// Reset forces the breaker closed.
func (b *Breaker) Reset(ctx context.Context) {
	b.transition.Lock()
	defer b.transition.Unlock()
	b.mu.Lock()
	b.trialRunning = false
	b.mu.Unlock()
	if b.storeUsable() {
		ioCtx, cancel := context.WithTimeout(ctx, stateIOTimeout)
		b.store.Delete(ioCtx, b.trialKey()) //nolint:errcheck
		cancel()
	}
	b.save(ctx, snapshot{State: StateClosed})
	b.logger.Info("circuit reset")
}

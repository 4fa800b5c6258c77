package breaker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/flowpbx/callrouter/internal/cache"
	"github.com/flowpbx/callrouter/internal/clock"
)

var errBackend = errors.New("backend down")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestBreaker(store cache.Store, clk *clock.Fake) *Breaker {
	return New("cache", DefaultConfig(), store, clk, testLogger())
}

func failingOp(calls *int) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		*calls++
		return "", errBackend
	}
}

func okOp(calls *int) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		*calls++
		return "ok", nil
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC))
	b := newTestBreaker(cache.NewMemoryStore(clk), clk)
	ctx := context.Background()

	calls := 0
	for i := 0; i < 4; i++ {
		if _, err := Execute(ctx, b, failingOp(&calls), nil); !errors.Is(err, errBackend) {
			t.Fatalf("call %d error = %v, want backend error", i+1, err)
		}
		if st := b.Status(ctx); st.State != StateClosed {
			t.Fatalf("after %d failures state = %s, want closed", i+1, st.State)
		}
	}

	Execute(ctx, b, failingOp(&calls), nil)
	st := b.Status(ctx)
	if st.State != StateOpen {
		t.Fatalf("after 5 failures state = %s, want open", st.State)
	}
	if st.Failures != 5 || st.Threshold != 5 || st.IsHealthy || st.OpenedAt == nil {
		t.Fatalf("unexpected status: %+v", st)
	}
	if calls != 5 {
		t.Fatalf("op invoked %d times, want 5", calls)
	}
}

func TestBreakerFailsFastWhileOpen(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC))
	b := newTestBreaker(cache.NewMemoryStore(clk), clk)
	ctx := context.Background()

	calls := 0
	for i := 0; i < 5; i++ {
		Execute(ctx, b, failingOp(&calls), nil)
	}

	clk.Advance(59 * time.Second)
	trialCalls := 0
	if _, err := Execute(ctx, b, okOp(&trialCalls), nil); !errors.Is(err, ErrOpen) {
		t.Fatalf("error = %v, want ErrOpen", err)
	}
	if trialCalls != 0 {
		t.Fatal("wrapped op invoked while circuit open")
	}

	got, err := Execute(ctx, b, okOp(&trialCalls), func(context.Context) (string, error) {
		return "fallback", nil
	})
	if err != nil || got != "fallback" {
		t.Fatalf("Execute with fallback = %q, %v; want fallback", got, err)
	}
	if trialCalls != 0 {
		t.Fatal("wrapped op invoked while circuit open")
	}
}

func TestBreakerHalfOpenTrialCloses(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC))
	b := newTestBreaker(cache.NewMemoryStore(clk), clk)
	ctx := context.Background()

	calls := 0
	for i := 0; i < 5; i++ {
		Execute(ctx, b, failingOp(&calls), nil)
	}

	clk.Advance(60 * time.Second)
	trialCalls := 0
	got, err := Execute(ctx, b, okOp(&trialCalls), nil)
	if err != nil || got != "ok" {
		t.Fatalf("trial = %q, %v; want ok", got, err)
	}
	if trialCalls != 1 {
		t.Fatalf("trial invoked %d times, want 1", trialCalls)
	}

	st := b.Status(ctx)
	if st.State != StateClosed || st.Failures != 0 || !st.IsHealthy {
		t.Fatalf("after trial status = %+v, want closed with 0 failures", st)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC))
	b := newTestBreaker(cache.NewMemoryStore(clk), clk)
	ctx := context.Background()

	calls := 0
	for i := 0; i < 5; i++ {
		Execute(ctx, b, failingOp(&calls), nil)
	}

	clk.Advance(61 * time.Second)
	Execute(ctx, b, failingOp(&calls), nil)

	st := b.Status(ctx)
	if st.State != StateOpen {
		t.Fatalf("state = %s, want open", st.State)
	}
	if !st.OpenedAt.Equal(clk.Now()) {
		t.Fatalf("opened_at = %v, want reset to %v", st.OpenedAt, clk.Now())
	}

	clk.Advance(30 * time.Second)
	if _, err := Execute(ctx, b, failingOp(&calls), nil); !errors.Is(err, ErrOpen) {
		t.Fatalf("error = %v, want ErrOpen inside new retry window", err)
	}
}

func TestBreakerOnlyOneTrialInFlight(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC))
	b := newTestBreaker(cache.NewMemoryStore(clk), clk)
	ctx := context.Background()

	calls := 0
	for i := 0; i < 5; i++ {
		Execute(ctx, b, failingOp(&calls), nil)
	}
	clk.Advance(60 * time.Second)

	inner := 0
	_, err := Execute(ctx, b, func(ctx context.Context) (string, error) {
		// A second request arrives while the trial is running.
		if _, err := Execute(ctx, b, okOp(&inner), nil); !errors.Is(err, ErrOpen) {
			t.Errorf("concurrent call error = %v, want ErrOpen", err)
		}
		return "ok", nil
	}, nil)
	if err != nil {
		t.Fatalf("trial error: %v", err)
	}
	if inner != 0 {
		t.Fatal("second call was admitted during half-open trial")
	}
}

func TestBreakerOneTrialAcrossInstances(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC))
	store := cache.NewMemoryStore(clk)
	ctx := context.Background()

	a := newTestBreaker(store, clk)
	b := newTestBreaker(store, clk)

	calls := 0
	for i := 0; i < 5; i++ {
		Execute(ctx, a, failingOp(&calls), nil)
	}
	clk.Advance(61 * time.Second)

	other := 0
	_, err := Execute(ctx, a, func(ctx context.Context) (string, error) {
		// Another process sees half-open state while a's trial runs.
		if _, err := Execute(ctx, b, okOp(&other), nil); !errors.Is(err, ErrOpen) {
			t.Errorf("second instance error = %v, want ErrOpen", err)
		}
		return "", errBackend
	}, nil)
	if !errors.Is(err, errBackend) {
		t.Fatalf("trial error = %v, want backend error", err)
	}
	if other != 0 {
		t.Fatal("second instance ran its op during another instance's trial")
	}
	if st := b.Status(ctx); st.State != StateOpen {
		t.Fatalf("state after failed trial = %s, want open", st.State)
	}

	// The failed trial released its claim, so the next window admits b.
	clk.Advance(61 * time.Second)
	if got, err := Execute(ctx, b, okOp(&other), nil); err != nil || got != "ok" {
		t.Fatalf("second instance trial = %q, %v; want ok", got, err)
	}
	if st := a.Status(ctx); st.State != StateClosed {
		t.Fatalf("state seen by first instance = %s, want closed", st.State)
	}
}

func TestBreakerTrialClaimExpires(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC))
	store := cache.NewMemoryStore(clk)
	ctx := context.Background()

	a := newTestBreaker(store, clk)
	b := newTestBreaker(store, clk)

	calls := 0
	for i := 0; i < 5; i++ {
		Execute(ctx, a, failingOp(&calls), nil)
	}
	clk.Advance(61 * time.Second)

	// a claims the trial and never reports back.
	if _, err := a.allow(ctx); err != nil {
		t.Fatalf("first claim error = %v", err)
	}
	if _, err := Execute(ctx, b, okOp(&calls), nil); !errors.Is(err, ErrOpen) {
		t.Fatalf("error = %v, want ErrOpen while the claim is live", err)
	}

	clk.Advance(a.trialTTL() + time.Millisecond)
	if _, err := Execute(ctx, b, okOp(&calls), nil); err != nil {
		t.Fatalf("error = %v, want trial admitted after the claim expired", err)
	}
}

func TestBreakerWindowResetsCounter(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC))
	b := newTestBreaker(cache.NewMemoryStore(clk), clk)
	ctx := context.Background()

	calls := 0
	for i := 0; i < 4; i++ {
		Execute(ctx, b, failingOp(&calls), nil)
	}

	clk.Advance(6 * time.Minute)
	Execute(ctx, b, failingOp(&calls), nil)

	st := b.Status(ctx)
	if st.State != StateClosed || st.Failures != 1 {
		t.Fatalf("status = %+v, want closed with 1 failure after window elapsed", st)
	}
}

func TestBreakerStateSharedThroughStore(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC))
	store := cache.NewMemoryStore(clk)
	ctx := context.Background()

	a := newTestBreaker(store, clk)
	calls := 0
	for i := 0; i < 5; i++ {
		Execute(ctx, a, failingOp(&calls), nil)
	}

	// A second process sees the open circuit.
	other := newTestBreaker(store, clk)
	if _, err := Execute(ctx, other, okOp(&calls), nil); !errors.Is(err, ErrOpen) {
		t.Fatalf("error = %v, want ErrOpen from shared state", err)
	}
}

// brokenStore fails every operation.
type brokenStore struct{ cache.MemoryStore }

func (*brokenStore) Get(context.Context, string) ([]byte, error) { return nil, errBackend }
func (*brokenStore) Set(context.Context, string, []byte, time.Duration) error {
	return errBackend
}

func TestBreakerFallsBackToLocalStateWhenStoreFails(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC))
	b := newTestBreaker(&brokenStore{}, clk)
	ctx := context.Background()

	calls := 0
	for i := 0; i < 5; i++ {
		Execute(ctx, b, failingOp(&calls), nil)
	}
	if _, err := Execute(ctx, b, okOp(&calls), nil); !errors.Is(err, ErrOpen) {
		t.Fatalf("error = %v, want ErrOpen from local state", err)
	}
}

func TestBreakerCallerCancellationNotCounted(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC))
	b := newTestBreaker(cache.NewMemoryStore(clk), clk)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	Execute(ctx, b, func(ctx context.Context) (string, error) { return "", ctx.Err() }, nil)
	if st := b.Status(context.Background()); st.Failures != 0 {
		t.Fatalf("failures = %d, want 0 for cancelled caller", st.Failures)
	}
}

func TestRegistryReturnsSameBreaker(t *testing.T) {
	r := NewRegistry(DefaultConfig(), nil, nil, testLogger())
	if r.Get(ServiceCache) != r.Get(ServiceCache) {
		t.Fatal("registry returned different breakers for the same service")
	}
	r.Get(ServiceDatabase)

	statuses := r.Statuses(context.Background())
	if len(statuses) != 2 || statuses[0].Service != ServiceCache || statuses[1].Service != ServiceDatabase {
		t.Fatalf("unexpected statuses: %+v", statuses)
	}
}

package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowpbx/callrouter/internal/clock"
)

func TestMemoryStoreGetSetExpiry(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC))
	s := NewMemoryStore(clk)
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrMiss) {
		t.Fatalf("Get(missing) error = %v, want ErrMiss", err)
	}

	if err := s.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("Get(k) = %q, %v; want v", got, err)
	}

	clk.Advance(59 * time.Second)
	if _, err := s.Get(ctx, "k"); err != nil {
		t.Fatalf("Get before expiry: %v", err)
	}

	clk.Advance(time.Second)
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrMiss) {
		t.Fatalf("Get after expiry error = %v, want ErrMiss", err)
	}
}

func TestMemoryStoreSetNX(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "lock", []byte("a"), time.Second)
	if err != nil || !ok {
		t.Fatalf("first SetNX = %v, %v; want true", ok, err)
	}
	ok, err = s.SetNX(ctx, "lock", []byte("b"), time.Second)
	if err != nil || ok {
		t.Fatalf("second SetNX = %v, %v; want false", ok, err)
	}
}

func TestMemoryStoreCompareAndDelete(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	s.Set(ctx, "k", []byte("token-1"), 0)

	if ok, _ := s.CompareAndDelete(ctx, "k", []byte("token-2")); ok {
		t.Fatal("CompareAndDelete with wrong token removed the key")
	}
	if ok, _ := s.CompareAndDelete(ctx, "k", []byte("token-1")); !ok {
		t.Fatal("CompareAndDelete with matching token did not remove the key")
	}
	if s.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", s.Len())
	}
}

func TestLockerSerializes(t *testing.T) {
	s := NewMemoryStore(nil)
	l := NewLocker(s, nil, time.Second, 50*time.Millisecond)
	ctx := context.Background()

	first, err := l.Acquire(ctx, "lock:call:abc")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if _, err := l.Acquire(ctx, "lock:call:abc"); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("second Acquire error = %v, want ErrLockHeld", err)
	}

	if err := first.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}

	second, err := l.Acquire(ctx, "lock:call:abc")
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	second.Release(ctx)
}

func TestLockerWaitFollowsClock(t *testing.T) {
	start := time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	s := NewMemoryStore(clk)
	l := NewLocker(s, clk, time.Minute, 10*time.Second)
	ctx := context.Background()

	held, err := l.Acquire(ctx, "lock:call:abc")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer held.Release(ctx)

	if _, err := l.Acquire(ctx, "lock:call:abc"); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("second Acquire error = %v, want ErrLockHeld", err)
	}
	if waited := clk.Now().Sub(start); waited < 10*time.Second {
		t.Fatalf("contended Acquire waited %v on the clock, want at least 10s", waited)
	}
}

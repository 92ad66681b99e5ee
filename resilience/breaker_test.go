package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBreakerClosedState(t *testing.T) {
	b := New(DefaultConfig())

	err := b.Execute(context.Background(), func(context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	b := New(Config{MaxFailures: 3, Timeout: time.Second})
	testErr := errors.New("boom")

	for i := 0; i < 3; i++ {
		b.Execute(context.Background(), func(context.Context) error { return testErr })
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}

	err := b.Execute(context.Background(), func(context.Context) error { return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen while tripped, got %v", err)
	}
}

func TestBreakerHalfOpenRecovers(t *testing.T) {
	b := New(Config{MaxFailures: 1, Timeout: 10 * time.Millisecond, HalfOpenMax: 2})

	b.Execute(context.Background(), func(context.Context) error { return errors.New("fail") })
	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 2; i++ {
		b.Execute(context.Background(), func(context.Context) error { return nil })
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed after half-open successes, got %v", b.State())
	}
}

func TestRegistryReturnsSameBreakerPerName(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	a := r.Get("postgres")
	b := r.Get("postgres")
	if a != b {
		t.Fatal("expected Get to return the same breaker instance for the same name")
	}
	other := r.Get("redis")
	if other == a {
		t.Fatal("expected a distinct breaker for a different dependency name")
	}
}

package connectivity

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	cb := NewCircuitBreaker("relay",
		WithBreakerThreshold(3),
		WithBreakerResetTimeout(100*time.Millisecond),
		WithBreakerHalfOpenMax(1),
		WithBreakerClock(clock),
	)

	if cb.State() != BreakerClosed {
		t.Fatal("expected closed")
	}
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	if cb.State() != BreakerOpen {
		t.Fatal("expected open after 3 failures")
	}
	if cb.Allow() {
		t.Fatal("should not allow when open")
	}

	now = now.Add(200 * time.Millisecond)
	if cb.State() != BreakerHalfOpen {
		t.Fatal("expected half-open after reset timeout")
	}
	cb.RecordSuccess()
	if cb.State() != BreakerClosed {
		t.Fatal("expected closed after success in half-open")
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	cb := NewCircuitBreaker("store",
		WithBreakerThreshold(1),
		WithBreakerResetTimeout(50*time.Millisecond),
		WithBreakerClock(clock),
	)
	cb.RecordFailure()
	now = now.Add(100 * time.Millisecond)
	if cb.State() != BreakerHalfOpen {
		t.Fatal("expected half-open")
	}
	cb.RecordFailure()
	if cb.State() != BreakerOpen {
		t.Fatal("expected re-open after failure in half-open")
	}
}

func TestCircuitBreaker_OnChangeAndTrips(t *testing.T) {
	now := time.Now()
	var seen []string
	cb := NewCircuitBreaker("relay",
		WithBreakerThreshold(2),
		WithBreakerResetTimeout(time.Second),
		WithBreakerClock(func() time.Time { return now }),
		WithBreakerOnChange(func(name string, from, to BreakerState) {
			seen = append(seen, from.String()+">"+to.String())
		}),
	)

	cb.RecordFailure()
	cb.RecordFailure()
	now = now.Add(2 * time.Second)
	cb.Allow()
	cb.RecordFailure()
	now = now.Add(2 * time.Second)
	cb.Allow()
	cb.RecordSuccess()

	want := []string{"closed>open", "open>half_open", "half_open>open", "open>half_open", "half_open>closed"}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", seen, want)
		}
	}
	if got := cb.Trips(); got != 2 {
		t.Fatalf("trips = %d, want 2", got)
	}
}

func TestCircuitBreaker_Do(t *testing.T) {
	cb := NewCircuitBreaker("relay", WithBreakerThreshold(1))
	ctx := context.Background()

	fail := errors.New("dial refused")
	if err := cb.Do(ctx, func(context.Context) error { return fail }); !errors.Is(err, fail) {
		t.Fatalf("expected dial error, got %v", err)
	}

	called := false
	err := cb.Do(ctx, func(context.Context) error { called = true; return nil })
	var open *ErrCircuitOpen
	if !errors.As(err, &open) || open.Endpoint != "relay" {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Fatal("fn called through an open breaker")
	}
}

func TestCircuitBreaker_DoIgnoresCancellation(t *testing.T) {
	cb := NewCircuitBreaker("relay", WithBreakerThreshold(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cb.Do(ctx, func(ctx context.Context) error { return ctx.Err() })
	if cb.State() != BreakerClosed {
		t.Fatal("cancellation tripped the breaker")
	}
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond}
	want := []time.Duration{10, 20, 40, 50, 50}
	for i, w := range want {
		if got := b.Delay(i); got != w*time.Millisecond {
			t.Fatalf("Delay(%d) = %v, want %v", i, got, w*time.Millisecond)
		}
	}
}

func TestRetry(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, Backoff{Base: time.Millisecond}, nil, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_StopsOnOpenCircuit(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 5, Backoff{Base: time.Millisecond}, nil, func(context.Context) error {
		calls++
		return &ErrCircuitOpen{Endpoint: "x"}
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected one call and an error, got %d calls, err=%v", calls, err)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, 5, Backoff{Base: 50 * time.Millisecond}, nil, func(context.Context) error {
		calls++
		cancel()
		return errors.New("fail")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

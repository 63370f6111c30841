package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/poolwarden/poolwarden/internal/models"
)

func TestBreakerLifecycle(t *testing.T) {
	ctx := context.Background()
	r := NewBreakerRegistry(5, time.Minute, nil, nil)

	if !r.MayProceed("orders-db") {
		t.Fatalf("unknown component must be allowed")
	}

	r.Trip(ctx, "orders-db", time.Minute)
	if r.MayProceed("orders-db") {
		t.Fatalf("open breaker must deny")
	}

	// Timeout not yet elapsed: sweep is a no-op.
	r.Sweep(ctx, time.Now())
	if r.MayProceed("orders-db") {
		t.Fatalf("breaker flipped half-open before its timeout")
	}

	r.Sweep(ctx, time.Now().Add(2*time.Minute))
	if !r.MayProceed("orders-db") {
		t.Fatalf("half-open breaker must grant one probe")
	}
	// Probe outstanding: next request denied.
	if r.MayProceed("orders-db") {
		t.Fatalf("second request during probe must be denied")
	}

	r.RecordProbe(ctx, "orders-db", true)
	if !r.MayProceed("orders-db") {
		t.Fatalf("successful probe must close the breaker")
	}

	states := r.States()
	if len(states) != 1 || states[0].State != models.BreakerClosed || states[0].FailureCount != 0 {
		t.Fatalf("unexpected state after close: %+v", states)
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	ctx := context.Background()
	r := NewBreakerRegistry(5, time.Minute, nil, nil)

	r.Trip(ctx, "orders-db", time.Minute)
	r.Sweep(ctx, time.Now().Add(2*time.Minute))

	if !r.MayProceed("orders-db") {
		t.Fatalf("expected probe grant")
	}
	r.RecordProbe(ctx, "orders-db", false)

	states := r.States()
	if states[0].State != models.BreakerOpen {
		t.Fatalf("failed probe must reopen, got %s", states[0].State)
	}
	if states[0].FailureCount != 2 {
		t.Fatalf("failure count must keep climbing, got %d", states[0].FailureCount)
	}
	if r.MayProceed("orders-db") {
		t.Fatalf("reopened breaker must deny")
	}
}

func TestBreakerFailureCountAccumulatesAcrossTrips(t *testing.T) {
	ctx := context.Background()
	r := NewBreakerRegistry(5, time.Minute, nil, nil)

	for i := 0; i < 5; i++ {
		r.Trip(ctx, "orders-db", time.Minute)
	}
	if got := r.States()[0].FailureCount; got != 5 {
		t.Fatalf("failure count = %d, want 5", got)
	}

	// At the threshold a half-open breaker reopens on the next admission
	// attempt without granting a fresh probe.
	r.Sweep(ctx, time.Now().Add(2*time.Minute))
	if r.MayProceed("orders-db") {
		t.Fatalf("expected immediate reopen at threshold, no probe")
	}
	if got := r.States()[0]; got.State != models.BreakerOpen || got.FailureCount != 6 {
		t.Fatalf("expected open with count 6, got %+v", got)
	}
}

func TestBreakerReset(t *testing.T) {
	ctx := context.Background()
	r := NewBreakerRegistry(5, time.Minute, nil, nil)

	r.Trip(ctx, "orders-db", time.Hour)
	r.Reset(ctx, "orders-db")

	if !r.MayProceed("orders-db") {
		t.Fatalf("reset breaker must allow traffic")
	}
	if got := r.States()[0].FailureCount; got != 0 {
		t.Fatalf("reset must zero the failure count, got %d", got)
	}
}

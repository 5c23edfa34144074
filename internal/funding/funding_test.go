package funding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/clearhold/clearhold/internal/retry"
)

func TestStaticSourceIdempotency(t *testing.T) {
	src := NewStaticSource()
	ctx := context.Background()

	if err := src.Charge(ctx, "ref-1", 10000, "USD"); err != nil {
		t.Fatalf("Charge: %v", err)
	}
	// Same reference again does not re-record.
	if err := src.Charge(ctx, "ref-1", 99999, "USD"); err != nil {
		t.Fatalf("repeat Charge: %v", err)
	}
	amount, ok := src.Charged("ref-1")
	if !ok || amount != 10000 {
		t.Errorf("charged = %d/%v, want 10000 recorded once", amount, ok)
	}
}

type flakySource struct {
	failures int
	calls    int
}

func (f *flakySource) Charge(_ context.Context, _ string, _ int64, _ string) error {
	f.calls++
	if f.calls <= f.failures {
		return fmt.Errorf("provider timeout")
	}
	return nil
}

func TestResilientRetriesTransientFailures(t *testing.T) {
	inner := &flakySource{failures: 2}
	r := NewResilient(inner, slog.Default())
	r.delay = time.Millisecond

	if err := r.Charge(context.Background(), "ref-1", 5000, "USD"); err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3", inner.calls)
	}
}

type decliningSource struct {
	calls int
}

func (d *decliningSource) Charge(_ context.Context, _ string, _ int64, _ string) error {
	d.calls++
	return retry.Permanent(fmt.Errorf("card declined"))
}

func TestResilientDoesNotRetryDeclines(t *testing.T) {
	inner := &decliningSource{}
	r := NewResilient(inner, slog.Default())
	r.delay = time.Millisecond

	if err := r.Charge(context.Background(), "ref-1", 5000, "USD"); err == nil {
		t.Fatal("expected decline error")
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1 for a permanent decline", inner.calls)
	}
}

func TestResilientBreakerOpens(t *testing.T) {
	src := NewStaticSource()
	src.Decline(true)
	r := NewResilient(src, slog.Default())
	r.delay = time.Millisecond
	r.attempts = 1

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := r.Charge(ctx, fmt.Sprintf("ref-%d", i), 1000, "USD"); err == nil {
			t.Fatal("expected failure")
		}
	}

	// Circuit is open: charges are rejected without reaching the source.
	err := r.Charge(ctx, "ref-after", 1000, "USD")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable once the circuit opens", err)
	}
	if _, ok := src.Charged("ref-after"); ok {
		t.Error("open circuit still reached the source")
	}
}

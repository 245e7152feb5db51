package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func sleepFor(d time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		select {
		case <-time.After(d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func TestWithTimeout_Completes(t *testing.T) {
	if err := WithTimeout(context.Background(), time.Second, sleepFor(time.Millisecond)); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestWithTimeout_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	err := WithTimeout(context.Background(), time.Second, func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestWithTimeout_Exceeded(t *testing.T) {
	err := WithTimeout(context.Background(), 10*time.Millisecond, sleepFor(time.Second))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestWithTimeout_WaitsForOperationIgnoringContext(t *testing.T) {
	var returned atomic.Bool
	start := time.Now()
	err := WithTimeout(context.Background(), 10*time.Millisecond, func(context.Context) error {
		time.Sleep(60 * time.Millisecond)
		returned.Store(true)
		return nil
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !returned.Load() {
		t.Fatal("WithTimeout returned before the operation finished")
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Fatalf("returned after %v, before the operation finished", elapsed)
	}
}

func TestWithTimeout_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithTimeout(ctx, time.Second, sleepFor(time.Second))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWithTimeout_ZeroMeansUnbounded(t *testing.T) {
	var sawDeadline bool
	err := WithTimeout(context.Background(), 0, func(ctx context.Context) error {
		_, sawDeadline = ctx.Deadline()
		return nil
	})
	if err != nil || sawDeadline {
		t.Fatalf("expected unbounded run, err=%v deadline=%v", err, sawDeadline)
	}
}

func TestProperty_TimeoutEnforcement(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	genMillis := func(lo, hi int) gopter.Gen {
		return gen.IntRange(lo, hi).Map(func(ms int) time.Duration {
			return time.Duration(ms) * time.Millisecond
		})
	}

	properties.Property("operations far past the timeout return ErrTimeout", prop.ForAll(
		func(timeout, work time.Duration) bool {
			err := WithTimeout(context.Background(), timeout, sleepFor(work))
			const tolerance = 10 * time.Millisecond
			switch {
			case work > timeout+tolerance:
				return errors.Is(err, ErrTimeout)
			case work+tolerance < timeout:
				return err == nil
			default:
				return true
			}
		},
		genMillis(10, 60),
		genMillis(1, 90),
	))

	properties.TestingRun(t)
}

package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient")

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	stats, err := Do(context.Background(), Policy{MaxAttempts: 5}, func(context.Context, int) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 || stats.Attempts != 3 {
		t.Errorf("calls = %d, attempts = %d, want 3", calls, stats.Attempts)
	}
}

func TestDo_StopsAtMaxAttempts(t *testing.T) {
	calls := 0
	stats, err := Do(context.Background(), Policy{MaxAttempts: 4, Backoff: Fixed(0)}, func(context.Context, int) error {
		calls++
		return errTransient
	})
	if !errors.Is(err, errTransient) {
		t.Fatalf("err = %v, want last error", err)
	}
	if calls != 4 || stats.Attempts != 4 {
		t.Errorf("calls = %d, attempts = %d, want exactly 4", calls, stats.Attempts)
	}
}

func TestDo_PermanentIsNotRetried(t *testing.T) {
	permanent := errors.New("forbidden")
	calls := 0
	_, err := Do(context.Background(), Policy{
		MaxAttempts: 5,
		Classify:    func(error) Decision { return Stop },
	}, func(context.Context, int) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("err = %v, want %v", err, permanent)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_RateLimitUsesCooldown(t *testing.T) {
	var waits []time.Duration
	calls := 0
	stats, err := Do(context.Background(), Policy{
		MaxAttempts:       3,
		Backoff:           Linear(time.Millisecond),
		RateLimitCooldown: 5 * time.Millisecond,
		Classify: func(err error) Decision {
			if err.Error() == "rate" {
				return RateLimited
			}
			return Retry
		},
		OnRetry: func(_ int, _ error, wait time.Duration) { waits = append(waits, wait) },
	}, func(_ context.Context, attempt int) error {
		calls++
		if attempt == 1 {
			return errors.New("rate")
		}
		if attempt == 2 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.RateLimited != 1 {
		t.Errorf("RateLimited = %d, want 1", stats.RateLimited)
	}
	if len(waits) != 2 || waits[0] != 5*time.Millisecond || waits[1] != 2*time.Millisecond {
		t.Errorf("waits = %v, want [5ms 2ms]", waits)
	}
}

func TestDo_CanceledContextStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Do(ctx, Policy{MaxAttempts: 5, Backoff: Fixed(time.Hour)}, func(context.Context, int) error {
		calls++
		cancel()
		return errTransient
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestLinear(t *testing.T) {
	f := Linear(5 * time.Second)
	if f(1) != 5*time.Second || f(3) != 15*time.Second {
		t.Errorf("Linear = %v, %v", f(1), f(3))
	}
}

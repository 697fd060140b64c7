package retry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"glimpse-api/internal/shared"
)

type fakeLimiter struct {
	mu         sync.Mutex
	acquires   int
	successes  int
	throttles  []time.Duration
	acquireErr error
}

func (f *fakeLimiter) Acquire(ctx context.Context, endpoint string, cost float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	return f.acquireErr
}

func (f *fakeLimiter) ReportThrottle(endpoint string, retryAfter time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.throttles = append(f.throttles, retryAfter)
}

func (f *fakeLimiter) ReportSuccess(endpoint string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes++
}

func newTestRetrier(policy Policy, lim Limiter) (*Retrier, *[]AttemptRecord, *[]time.Duration) {
	var recs []AttemptRecord
	var slept []time.Duration
	r := New(zap.NewNop().Sugar(), policy, lim, func(endpoint string, rec AttemptRecord) {
		recs = append(recs, rec)
	})
	r.jitter = func() float64 { return 0.5 }
	r.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return r, &recs, &slept
}

func TestDoSucceedsFirstTry(t *testing.T) {
	lim := &fakeLimiter{}
	r, recs, _ := newTestRetrier(Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}, lim)

	err := r.Do(context.Background(), "ep", 1, func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if lim.acquires != 1 || lim.successes != 1 {
		t.Errorf("acquires=%d successes=%d, want 1/1", lim.acquires, lim.successes)
	}
	if len(*recs) != 0 {
		t.Errorf("expected no attempt records, got %d", len(*recs))
	}
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	lim := &fakeLimiter{}
	r, recs, slept := newTestRetrier(Policy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second}, lim)

	calls := 0
	err := r.Do(context.Background(), "ep", 1, func(ctx context.Context) error {
		calls++
		if calls <= 2 {
			return errors.New("connection reset")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if lim.acquires != 3 {
		t.Errorf("every attempt must be admitted, acquires=%d", lim.acquires)
	}
	if len(*recs) != 2 {
		t.Fatalf("expected 2 attempt records, got %d", len(*recs))
	}
	if (*recs)[0].Delay != 100*time.Millisecond || (*recs)[1].Delay != 200*time.Millisecond {
		t.Errorf("delays should double: %v, %v", (*recs)[0].Delay, (*recs)[1].Delay)
	}
	if (*recs)[1].Delay <= (*recs)[0].Delay {
		t.Errorf("delays not increasing: %v then %v", (*recs)[0].Delay, (*recs)[1].Delay)
	}
	if len(*slept) != 2 || (*slept)[0] != (*recs)[0].Delay {
		t.Errorf("sleeps should match recorded delays: %v", *slept)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	lim := &fakeLimiter{}
	r, recs, _ := newTestRetrier(Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}, lim)

	cause := errors.New("upstream flapping")
	err := r.Do(context.Background(), "ep", 1, func(ctx context.Context) error { return cause })
	if err == nil || !strings.Contains(err.Error(), "retries exhausted") {
		t.Fatalf("expected exhaustion error, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("exhaustion error should wrap the last failure")
	}
	if len(*recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(*recs))
	}
	if (*recs)[2].Delay != 0 {
		t.Errorf("final attempt has no retry, delay should be 0, got %v", (*recs)[2].Delay)
	}
}

func TestDoStopsOnPermanentClient(t *testing.T) {
	lim := &fakeLimiter{}
	r, recs, _ := newTestRetrier(Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Second}, lim)

	calls := 0
	err := r.Do(context.Background(), "ep", 1, func(ctx context.Context) error {
		calls++
		return shared.ClassifyHTTP(400, 0, errors.New("bad prompt"))
	})
	if calls != 1 {
		t.Errorf("permanent failures must not retry, calls=%d", calls)
	}
	if shared.KindOf(err) != shared.KindPermanentClient {
		t.Errorf("expected permanent client kind, got %v", err)
	}
	if len(*recs) != 1 || (*recs)[0].Kind != shared.KindPermanentClient {
		t.Errorf("unexpected records %+v", *recs)
	}
}

func TestDoHonorsRetryAfterFloor(t *testing.T) {
	lim := &fakeLimiter{}
	r, recs, _ := newTestRetrier(Policy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: 30 * time.Second}, lim)

	calls := 0
	err := r.Do(context.Background(), "ep", 1, func(ctx context.Context) error {
		calls++
		if calls <= 2 {
			return shared.ClassifyHTTP(429, 2*time.Second, errors.New("rate limited"))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	for i, rec := range *recs {
		if rec.Delay < 2*time.Second {
			t.Errorf("record %d delay %v undercuts retry-after", i, rec.Delay)
		}
	}
	if len(lim.throttles) != 2 || lim.throttles[0] != 2*time.Second {
		t.Errorf("throttle signals not forwarded: %v", lim.throttles)
	}
}

func TestDoSurfacesAdmissionRejection(t *testing.T) {
	lim := &fakeLimiter{acquireErr: shared.NewClassified(shared.KindCapacityRejected, errors.New("bucket empty"))}
	r, recs, _ := newTestRetrier(Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second}, lim)

	calls := 0
	err := r.Do(context.Background(), "ep", 1, func(ctx context.Context) error {
		calls++
		return nil
	})
	if shared.KindOf(err) != shared.KindCapacityRejected {
		t.Fatalf("expected capacity rejection, got %v", err)
	}
	if calls != 0 {
		t.Error("fn must not run when admission fails")
	}
	if len(*recs) != 0 {
		t.Error("admission failures are not upstream attempts")
	}
}

func TestPermanentMarkerStopsTransientRetry(t *testing.T) {
	lim := &fakeLimiter{}
	r, recs, _ := newTestRetrier(Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Second}, lim)

	cause := errors.New("stream cut mid flight")
	calls := 0
	err := r.Do(context.Background(), "ep", 1, func(ctx context.Context) error {
		calls++
		return Permanent(cause)
	})
	if calls != 1 {
		t.Errorf("marked errors must not retry, calls=%d", calls)
	}
	if !errors.Is(err, cause) {
		t.Errorf("cause lost from chain: %v", err)
	}
	if len(*recs) != 1 || (*recs)[0].Kind != shared.KindTransient {
		t.Errorf("record should keep the underlying kind, got %+v", *recs)
	}
}

func TestDoCancelledDuringBackoff(t *testing.T) {
	lim := &fakeLimiter{}
	r, _, _ := newTestRetrier(Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second}, lim)
	r.sleep = func(ctx context.Context, d time.Duration) error {
		return shared.NewClassified(shared.KindCancelled, context.Canceled)
	}

	err := r.Do(context.Background(), "ep", 1, func(ctx context.Context) error {
		return errors.New("flaky")
	})
	if shared.KindOf(err) != shared.KindCancelled {
		t.Errorf("expected cancelled, got %v", err)
	}
}

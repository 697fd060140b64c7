// Package retry wraps upstream calls with classified, backoff driven retries.
// Every attempt, including the first, is admitted through the rate limiter.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"glimpse-api/internal/metrics"
	"glimpse-api/internal/shared"
)

type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Limiter is the slice of the rate limiter the retrier needs. Throttle and
// success reports feed its adaptive rate control.
type Limiter interface {
	Acquire(ctx context.Context, endpoint string, cost float64) error
	ReportThrottle(endpoint string, retryAfter time.Duration)
	ReportSuccess(endpoint string)
}

// AttemptRecord describes one failed upstream attempt. Delay is the backoff
// chosen before the next attempt, zero when no retry follows.
type AttemptRecord struct {
	Attempt int
	Kind    shared.ErrorKind
	Delay   time.Duration
	At      time.Time
}

type Observer func(endpoint string, rec AttemptRecord)

type Retrier struct {
	policy   Policy
	limiter  Limiter
	log      *zap.SugaredLogger
	observer Observer
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	jitter   func() float64
}

func New(log *zap.SugaredLogger, policy Policy, lim Limiter, obs Observer) *Retrier {
	return &Retrier{
		policy:   policy,
		limiter:  lim,
		log:      log,
		observer: obs,
		now:      time.Now,
		sleep:    sleepCtx,
		jitter:   rand.Float64,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return shared.NewClassified(shared.KindCancelled, ctx.Err())
	case <-timer.C:
		return nil
	}
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string {
	return p.err.Error()
}

func (p *permanentError) Unwrap() error {
	return p.err
}

// Permanent marks err so Do will not retry it regardless of kind. Callers use
// it once output has reached the consumer, a replayed attempt would duplicate
// what was already delivered.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs fn until it succeeds, fails permanently, or attempts run out. Only
// transient failures are retried. Admission failures from the limiter surface
// immediately, they are not upstream attempts.
func (r *Retrier) Do(ctx context.Context, endpoint string, cost float64, fn func(ctx context.Context) error) error {
	var last error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if err := r.limiter.Acquire(ctx, endpoint, cost); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			r.limiter.ReportSuccess(endpoint)
			return nil
		}
		last = err

		c := classify(err)
		if c.Status == 429 {
			r.limiter.ReportThrottle(endpoint, c.RetryAfter)
		}

		var perm *permanentError
		committed := errors.As(err, &perm)
		retryable := c.Kind.Retryable() && !committed
		final := attempt == r.policy.MaxAttempts-1

		var delay time.Duration
		if retryable && !final {
			delay = r.backoff(attempt, c.RetryAfter)
		}

		rec := AttemptRecord{Attempt: attempt + 1, Kind: c.Kind, Delay: delay, At: r.now()}
		if r.observer != nil {
			r.observer(endpoint, rec)
		}
		metrics.RetryAttempts.WithLabelValues(endpoint, c.Kind.String()).Inc()
		r.log.Warnw("upstream attempt failed",
			"endpoint", endpoint,
			"attempt", rec.Attempt,
			"kind", c.Kind.String(),
			"delay", delay,
			"error", err,
		)

		if !retryable {
			return err
		}
		if final {
			break
		}
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return fmt.Errorf("retries exhausted after %d attempts: %w", r.policy.MaxAttempts, last)
}

func classify(err error) *shared.Classified {
	var c *shared.Classified
	if errors.As(err, &c) {
		return c
	}
	return shared.NewClassified(shared.KindOf(err), err)
}

// backoff doubles the base delay per attempt, caps it, jitters the result by
// a factor in [0.5, 1.5), and never undercuts the provider's retry-after.
func (r *Retrier) backoff(attempt int, retryAfter time.Duration) time.Duration {
	d := r.policy.BaseDelay << uint(attempt)
	if d <= 0 || d > r.policy.MaxDelay {
		d = r.policy.MaxDelay
	}
	d = time.Duration(float64(d) * (0.5 + r.jitter()))
	if retryAfter > d {
		d = retryAfter
	}
	return d
}

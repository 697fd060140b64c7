// Package limiter implements the adaptive token bucket algorithm that gates
// admission to upstream endpoints.
package limiter

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"glimpse-api/internal/config"
	"glimpse-api/internal/metrics"
	"glimpse-api/internal/shared"
)

// Refill rates shrink multiplicatively under pressure. The floor keeps a
// hammered bucket from collapsing to a rate it could never recover from.
const minRefillRate = 0.05

type Limiter struct {
	buckets  map[string]*bucket
	mu       sync.Mutex
	log      *zap.SugaredLogger
	tuning   config.LimiterConfig
	fallback config.BucketConfig
	now      func() time.Time
}

type bucket struct {
	mu         sync.Mutex
	name       string
	capacity   float64
	refillRate float64
	ceiling    float64
	maxWait    time.Duration
	tokens     float64
	lastRefill time.Time
	successes  int
}

func New(log *zap.SugaredLogger, tuning config.LimiterConfig, fallback config.BucketConfig) *Limiter {
	return &Limiter{
		buckets:  map[string]*bucket{},
		log:      log,
		tuning:   tuning,
		fallback: normalize(fallback),
		now:      time.Now,
	}
}

func normalize(cfg config.BucketConfig) config.BucketConfig {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 8192
	}
	if cfg.RefillRate <= 0 {
		cfg.RefillRate = 128
	}
	if cfg.RateCeiling <= 0 {
		cfg.RateCeiling = cfg.RefillRate
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 30 * time.Second
	}
	return cfg
}

// Configure registers the bucket for an endpoint. Buckets start full.
func (l *Limiter) Configure(endpoint string, cfg config.BucketConfig) {
	cfg = normalize(cfg)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[endpoint] = &bucket{
		name:       endpoint,
		capacity:   cfg.Capacity,
		refillRate: cfg.RefillRate,
		ceiling:    cfg.RateCeiling,
		maxWait:    cfg.MaxWait,
		tokens:     cfg.Capacity,
		lastRefill: l.now(),
	}
	metrics.BucketTokens.WithLabelValues(endpoint).Set(cfg.Capacity)
	metrics.BucketRefillRate.WithLabelValues(endpoint).Set(cfg.RefillRate)
}

func (l *Limiter) bucketFor(endpoint string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[endpoint]
	if !ok {
		b = &bucket{
			name:       endpoint,
			capacity:   l.fallback.Capacity,
			refillRate: l.fallback.RefillRate,
			ceiling:    l.fallback.RateCeiling,
			maxWait:    l.fallback.MaxWait,
			tokens:     l.fallback.Capacity,
			lastRefill: l.now(),
		}
		l.buckets[endpoint] = b
	}
	return b
}

// Acquire blocks until the endpoint bucket can cover cost, the computed wait
// would pass the bucket's max wait, or ctx ends. Tokens are only debited on a
// grant, a caller that gives up never consumes capacity.
func (l *Limiter) Acquire(ctx context.Context, endpoint string, cost float64) error {
	b := l.bucketFor(endpoint)
	deadline := l.now().Add(b.waitBound())

	for {
		granted, wait, err := b.take(l.now(), cost)
		if err != nil {
			metrics.CapacityRejections.WithLabelValues(endpoint).Inc()
			return err
		}
		if granted {
			return nil
		}
		if l.now().Add(wait).After(deadline) {
			metrics.CapacityRejections.WithLabelValues(endpoint).Inc()
			return shared.NewClassified(shared.KindCapacityRejected,
				fmt.Errorf("endpoint %s: wait %s exceeds max wait", endpoint, wait))
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return shared.NewClassified(shared.KindCancelled, ctx.Err())
		case <-timer.C:
		}
	}
}

// TryAcquire is the no wait form. Insufficient tokens reject immediately.
func (l *Limiter) TryAcquire(endpoint string, cost float64) error {
	b := l.bucketFor(endpoint)
	granted, wait, err := b.take(l.now(), cost)
	if err != nil {
		metrics.CapacityRejections.WithLabelValues(endpoint).Inc()
		return err
	}
	if !granted {
		metrics.CapacityRejections.WithLabelValues(endpoint).Inc()
		return shared.NewClassified(shared.KindCapacityRejected,
			fmt.Errorf("endpoint %s: insufficient tokens for cost %.0f, next grant in %s", endpoint, cost, wait))
	}
	return nil
}

// take refills from the wall clock and either debits cost or reports how long
// until the bucket could cover it. Costs above capacity can never be granted.
func (b *bucket) take(now time.Time, cost float64) (bool, time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cost > b.capacity {
		return false, 0, shared.NewClassified(shared.KindCapacityRejected,
			fmt.Errorf("endpoint %s: cost %.0f exceeds bucket capacity %.0f", b.name, cost, b.capacity))
	}

	b.refill(now)
	if b.tokens >= cost {
		b.tokens -= cost
		metrics.BucketTokens.WithLabelValues(b.name).Set(b.tokens)
		return true, 0, nil
	}

	need := cost - b.tokens
	wait := time.Duration(math.Ceil(need/b.refillRate)) * time.Second
	return false, wait, nil
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed.Seconds()*b.refillRate)
	b.lastRefill = now
}

func (b *bucket) waitBound() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxWait
}

// ReportThrottle shrinks the endpoint's refill rate and drains its tokens.
// Called when the upstream signals a rate limit, the retry wrapper owes the
// provider's retry-after independently of this adjustment.
func (l *Limiter) ReportThrottle(endpoint string, retryAfter time.Duration) {
	b := l.bucketFor(endpoint)
	b.mu.Lock()
	b.refillRate = math.Max(b.refillRate*l.tuning.ShrinkFactor, minRefillRate)
	b.tokens = 0
	b.lastRefill = l.now()
	b.successes = 0
	rate := b.refillRate
	b.mu.Unlock()

	metrics.ThrottleSignals.WithLabelValues(endpoint).Inc()
	metrics.BucketTokens.WithLabelValues(endpoint).Set(0)
	metrics.BucketRefillRate.WithLabelValues(endpoint).Set(rate)
	l.log.Warnw("endpoint throttled, shrinking refill rate",
		"endpoint", endpoint,
		"refill_rate", rate,
		"retry_after", retryAfter,
	)
}

// ReportSuccess counts toward the growth window. After a full window without
// throttles the refill rate steps back up, capped at the configured ceiling.
func (l *Limiter) ReportSuccess(endpoint string) {
	b := l.bucketFor(endpoint)
	b.mu.Lock()
	b.successes++
	grown := false
	if b.successes >= l.tuning.SuccessWindow {
		if b.refillRate < b.ceiling {
			b.refillRate = math.Min(b.refillRate+l.tuning.GrowthStep, b.ceiling)
			grown = true
		}
		b.successes = 0
	}
	rate := b.refillRate
	b.mu.Unlock()

	if grown {
		metrics.BucketRefillRate.WithLabelValues(endpoint).Set(rate)
		l.log.Infow("endpoint recovered, growing refill rate",
			"endpoint", endpoint,
			"refill_rate", rate,
		)
	}
}

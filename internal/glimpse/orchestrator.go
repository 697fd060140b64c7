// Package glimpse carries one request through routing, cache, admission,
// retry and upstream streaming, forwarding partial output to the caller
// while the full response is still in flight.
package glimpse

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/aidarkhanov/nanoid"
	"go.uber.org/zap"

	"glimpse-api/internal/cache"
	"glimpse-api/internal/journal"
	"glimpse-api/internal/metrics"
	"glimpse-api/internal/retry"
	"glimpse-api/internal/router"
	"glimpse-api/internal/shared"
	"glimpse-api/internal/upstream"
)

type Orchestrator struct {
	router   *router.Router
	cache    *cache.ResponseCache
	retrier  *retry.Retrier
	upstream upstream.Completer
	journal  *journal.Journal
	log      *zap.SugaredLogger
}

func New(log *zap.SugaredLogger, rt *router.Router, ca *cache.ResponseCache, re *retry.Retrier, up upstream.Completer, jo *journal.Journal) *Orchestrator {
	return &Orchestrator{
		router:   rt,
		cache:    ca,
		retrier:  re,
		upstream: up,
		journal:  jo,
		log:      log,
	}
}

// Submit validates and launches one request. The returned stream delivers
// chunks until a terminal Done or Err chunk, then closes. Cancelling ctx
// aborts the request at whatever stage it is in; output already delivered
// stays delivered.
func (o *Orchestrator) Submit(ctx context.Context, req *shared.CompletionRequest) (*Stream, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, shared.ErrNoMessages
	}
	if req.ID == "" {
		reqID, _ := nanoid.Generate("0123456789abcdefghijklmnopqrstuvwxyz", 28)
		req.ID = "req_" + reqID
	}

	decision := o.router.Route(req)
	fingerprint := cache.Fingerprint(decision.Model, req)

	if entry, ok := o.cache.Lookup(ctx, fingerprint); ok {
		s := newStream(req.ID, decision, true)
		go o.replay(ctx, s, req, decision, entry.Completion)
		return s, nil
	}

	s := newStream(req.ID, decision, false)
	go o.fly(ctx, s, req, decision, fingerprint)
	return s, nil
}

// replay serves a response that is already complete in the cache.
func (o *Orchestrator) replay(ctx context.Context, s *Stream, req *shared.CompletionRequest, decision router.Decision, comp *shared.Completion) {
	defer s.close()
	start := time.Now()

	if !o.deliver(ctx, s, req, comp) || !o.emit(ctx, s, Chunk{Done: true, Completion: comp}) {
		o.finish(req, decision, comp, "hit", "aborted", 0, time.Since(start))
		return
	}
	o.finish(req, decision, comp, "hit", "complete", 0, time.Since(start))
}

// fly runs the cache-miss path. Concurrent submissions that share a
// fingerprint collapse into one upstream call, the first caller leads and
// the rest are released with its result.
func (o *Orchestrator) fly(ctx context.Context, s *Stream, req *shared.CompletionRequest, decision router.Decision, fingerprint string) {
	defer s.close()
	start := time.Now()
	led := &atomic.Bool{}
	streamed := &atomic.Bool{}
	ttftNanos := &atomic.Int64{}

	comp, err := o.cache.Do(ctx, fingerprint, func() (*shared.Completion, error) {
		led.Store(true)
		return o.callUpstream(ctx, s, req, decision, fingerprint, streamed, ttftNanos, start)
	})

	ttft := time.Duration(ttftNanos.Load())
	cacheStatus := "miss"
	if !led.Load() {
		cacheStatus = "coalesced"
	}

	if err != nil {
		outcome := "failed"
		if shared.KindOf(err) == shared.KindCancelled {
			outcome = "aborted"
		}
		o.log.Warnw("Request finished with error",
			"request_id", req.ID,
			"model", decision.Model,
			"endpoint", decision.Endpoint,
			"kind", shared.KindOf(err).String(),
			"error", err,
		)
		o.emit(ctx, s, Chunk{Err: err})
		o.finish(req, decision, nil, cacheStatus, outcome, ttft, time.Since(start))
		return
	}

	if cacheStatus == "coalesced" {
		metrics.CoalescedRequests.WithLabelValues(decision.Model).Inc()
	}

	// Leaders on the streaming path already emitted their deltas live,
	// everyone else gets the assembled response now.
	if !streamed.Load() {
		if !o.deliver(ctx, s, req, comp) {
			o.finish(req, decision, comp, cacheStatus, "aborted", ttft, time.Since(start))
			return
		}
	}
	if !o.emit(ctx, s, Chunk{Done: true, Completion: comp}) {
		o.finish(req, decision, comp, cacheStatus, "aborted", ttft, time.Since(start))
		return
	}
	o.finish(req, decision, comp, cacheStatus, "complete", ttft, time.Since(start))
}

// callUpstream runs inside the coalescing flight, under the leading
// caller's context.
func (o *Orchestrator) callUpstream(ctx context.Context, s *Stream, req *shared.CompletionRequest, decision router.Decision, fingerprint string, streamed *atomic.Bool, ttftNanos *atomic.Int64, start time.Time) (*shared.Completion, error) {
	var comp *shared.Completion
	err := o.retrier.Do(ctx, decision.Endpoint, decision.EstimatedCost, func(actx context.Context) error {
		ureq := &upstream.Request{
			ReqID:       req.ID,
			Model:       decision.Model,
			Messages:    req.Messages,
			MaxTokens:   decision.MaxTokens,
			Temperature: req.Temperature,
			TopP:        req.TopP,
			Stream:      req.Stream,
		}
		var onDelta func(string) error
		if req.Stream {
			onDelta = func(delta string) error {
				if streamed.CompareAndSwap(false, true) {
					ttft := time.Since(start)
					ttftNanos.Store(int64(ttft))
					metrics.TimeToFirstToken.WithLabelValues(decision.Model, decision.Endpoint).Observe(ttft.Seconds())
				}
				if !o.emit(ctx, s, Chunk{Delta: delta}) {
					return ctx.Err()
				}
				return nil
			}
		}
		res, err := o.upstream.Complete(actx, decision.Endpoint, ureq, onDelta)
		if err != nil {
			if streamed.Load() {
				// Output already reached the caller, the stream cannot
				// restart without duplicating it.
				return retry.Permanent(err)
			}
			return err
		}
		comp = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.cache.Store(fingerprint, comp)
	return comp, nil
}

func (o *Orchestrator) deliver(ctx context.Context, s *Stream, req *shared.CompletionRequest, comp *shared.Completion) bool {
	if req.Stream {
		for _, piece := range replaySlices(comp.Content) {
			if !o.emit(ctx, s, Chunk{Delta: piece}) {
				return false
			}
		}
		return true
	}
	return o.emit(ctx, s, Chunk{Delta: comp.Content})
}

// emit forwards one chunk to the stream. A false return means the consumer
// is unreachable, either its ctx ended or a cancelled leader already closed
// the stream while this flight was still producing.
func (o *Orchestrator) emit(ctx context.Context, s *Stream, c Chunk) bool {
	return s.send(ctx, c)
}

func (o *Orchestrator) finish(req *shared.CompletionRequest, decision router.Decision, comp *shared.Completion, cacheStatus, outcome string, ttft, total time.Duration) {
	metrics.RequestDuration.WithLabelValues(decision.Model, decision.Endpoint).Observe(total.Seconds())
	metrics.RequestCount.WithLabelValues(decision.Model, decision.Endpoint, outcome).Inc()

	rec := journal.Record{
		RequestID:        req.ID,
		Model:            decision.Model,
		Endpoint:         decision.Endpoint,
		Tier:             decision.Tier,
		Outcome:          outcome,
		CacheStatus:      cacheStatus,
		TimeToFirstToken: ttft,
		TotalTime:        total,
	}
	if comp != nil && outcome == "complete" {
		rec.PromptTokens = comp.Usage.PromptTokens
		rec.CompletionTokens = comp.Usage.CompletionTokens
		metrics.PromptTokens.WithLabelValues(decision.Model, decision.Endpoint).Add(float64(comp.Usage.PromptTokens))
		metrics.CompletionTokens.WithLabelValues(decision.Model, decision.Endpoint).Add(float64(comp.Usage.CompletionTokens))
		if total > 0 && comp.Usage.CompletionTokens > 0 {
			metrics.TokensPerSecond.WithLabelValues(decision.Model, decision.Endpoint).Observe(float64(comp.Usage.CompletionTokens) / total.Seconds())
		}
	}
	o.journal.Add(rec)
}

// Package cache implements the catch and release response cache. The first
// caller for a fingerprint catches the upstream call, concurrent duplicates
// wait on it, and completed responses are released into a bounded LRU.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"glimpse-api/internal/config"
	"glimpse-api/internal/metrics"
	"glimpse-api/internal/shared"
)

// Rough per entry cost beyond the payload strings, covers usage counters,
// timestamps and list bookkeeping.
const entryOverhead = 96

type ResponseCache struct {
	local   *quotaLRU
	remote  *remoteTier
	flights singleflight.Group
	maxAge  time.Duration
	maxItem int64
	log     *zap.SugaredLogger
	now     func() time.Time
}

func New(log *zap.SugaredLogger, cfg config.CacheConfig, rdb *redis.Client) *ResponseCache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1024
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 64 << 20
	}
	c := &ResponseCache{
		local:   newQuotaLRU(cfg.MaxEntries, cfg.MaxBytes),
		maxAge:  cfg.MaxAge,
		maxItem: cfg.MaxEntryBytes,
		log:     log,
		now:     time.Now,
	}
	if rdb != nil {
		ttl := shared.RemoteCacheTTL
		if cfg.MaxAge > 0 && cfg.MaxAge < ttl {
			ttl = cfg.MaxAge
		}
		c.remote = &remoteTier{rdb: rdb, ttl: ttl, log: log}
	}
	return c
}

// Fingerprint derives the cache identity of a request. The routed model and
// everything that shapes the completion feed the digest. The stream flag and
// caller identity deliberately do not, a streamed and a buffered request for
// the same prompt are the same work.
func Fingerprint(model string, req *shared.CompletionRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "model:%s", model)
	for _, m := range req.Messages {
		fmt.Fprintf(&b, "|msg:%s\x1f%s\x1f%s", m.Role, m.Name, m.Content)
	}
	fmt.Fprintf(&b, "|max:%d|temp:%g|top_p:%g", req.MaxTokens, req.Temperature, req.TopP)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Lookup checks the local tier, then the remote one. Expired entries are
// evicted on observation. Remote failures log, count, and fall through to a
// miss.
func (c *ResponseCache) Lookup(ctx context.Context, fingerprint string) (*Entry, bool) {
	if e, ok := c.local.get(fingerprint); ok {
		if !c.expired(e) {
			metrics.CacheHits.WithLabelValues("local").Inc()
			return e, true
		}
		c.local.remove(fingerprint)
		metrics.CacheEvictions.WithLabelValues("expired").Inc()
		metrics.CacheBytes.Set(float64(c.local.bytes()))
	}

	if c.remote != nil {
		env, ok, err := c.remote.get(ctx, fingerprint)
		switch {
		case err != nil:
			metrics.CacheDegraded.WithLabelValues("get").Inc()
			c.log.Warnw("Remote cache read failed, treating as miss", "fingerprint", fingerprint, "error", err)
		case ok && !c.expiredAt(env.CreatedAt):
			e := c.insert(fingerprint, env.Completion, env.CreatedAt)
			metrics.CacheHits.WithLabelValues("remote").Inc()
			return e, true
		}
	}

	metrics.CacheMisses.Inc()
	return nil, false
}

// Store releases a completed response into the cache. Responses above the
// per entry cap skip caching entirely rather than churn the LRU.
func (c *ResponseCache) Store(fingerprint string, comp *shared.Completion) {
	size := entrySize(comp)
	if c.maxItem > 0 && size > c.maxItem {
		c.log.Debugw("Response above per entry cap, skipping cache", "fingerprint", fingerprint, "size", size)
		return
	}

	created := c.now()
	c.insert(fingerprint, comp, created)
	if c.remote != nil {
		c.remote.set(fingerprint, remoteEnvelope{Completion: comp, CreatedAt: created})
	}
}

func (c *ResponseCache) insert(fingerprint string, comp *shared.Completion, created time.Time) *Entry {
	e := &Entry{Completion: comp, CreatedAt: created, Size: entrySize(comp)}
	if evicted := c.local.put(fingerprint, e); evicted > 0 {
		metrics.CacheEvictions.WithLabelValues("lru").Add(float64(evicted))
	}
	metrics.CacheBytes.Set(float64(c.local.bytes()))
	return e
}

// Do coalesces concurrent work for one fingerprint. Exactly one caller runs
// fn, everyone else inherits its result, success or failure. A waiter whose
// ctx ends unwinds alone, the flight keeps going for the rest.
func (c *ResponseCache) Do(ctx context.Context, fingerprint string, fn func() (*shared.Completion, error)) (*shared.Completion, error) {
	ch := c.flights.DoChan(fingerprint, func() (any, error) {
		return fn()
	})
	select {
	case <-ctx.Done():
		return nil, shared.NewClassified(shared.KindCancelled, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*shared.Completion), nil
	}
}

func (c *ResponseCache) expired(e *Entry) bool {
	return c.expiredAt(e.CreatedAt)
}

func (c *ResponseCache) expiredAt(created time.Time) bool {
	return c.maxAge > 0 && c.now().Sub(created) > c.maxAge
}

func entrySize(comp *shared.Completion) int64 {
	return int64(len(comp.Content)+len(comp.Model)+len(comp.FinishReason)) + entryOverhead
}

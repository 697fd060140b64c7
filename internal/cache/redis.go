package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"glimpse-api/internal/metrics"
	"glimpse-api/internal/shared"
)

const remoteWriteTimeout = 5 * time.Second

// remoteTier mirrors stored completions into redis so restarts and sibling
// instances share them. The local LRU stays authoritative, remote failures
// degrade to a miss and never fail the request.
type remoteTier struct {
	rdb *redis.Client
	ttl time.Duration
	log *zap.SugaredLogger
}

type remoteEnvelope struct {
	Completion *shared.Completion `json:"completion"`
	CreatedAt  time.Time          `json:"created_at"`
}

func remoteKey(fingerprint string) string {
	return fmt.Sprintf("v1:glimpse:resp:%s", fingerprint)
}

func (r *remoteTier) get(ctx context.Context, fingerprint string) (*remoteEnvelope, bool, error) {
	raw, err := r.rdb.Get(ctx, remoteKey(fingerprint)).Result()
	switch err {
	case nil:
	case redis.Nil:
		return nil, false, nil
	default:
		return nil, false, err
	}

	var env remoteEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, false, err
	}
	if env.Completion == nil {
		return nil, false, fmt.Errorf("remote entry %s has no completion", fingerprint)
	}
	return &env, true, nil
}

// set writes behind the request. The caller's context may be gone by the
// time the write lands, so the goroutine gets its own deadline.
func (r *remoteTier) set(fingerprint string, env remoteEnvelope) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), remoteWriteTimeout)
		defer cancel()

		raw, err := json.Marshal(env)
		if err != nil {
			r.log.Errorw("Error marshalling cache entry for redis", "error", err)
			return
		}
		if err := r.rdb.Set(ctx, remoteKey(fingerprint), raw, r.ttl).Err(); err != nil {
			metrics.CacheDegraded.WithLabelValues("set").Inc()
			r.log.Warnw("Remote cache write failed", "fingerprint", fingerprint, "error", err)
		}
	}()
}

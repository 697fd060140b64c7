// Package journal batches per-request outcome rows into MySQL.
package journal

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"glimpse-api/internal/metrics"
	"glimpse-api/internal/shared"
)

// Record is one finished request. Outcome is complete, failed or aborted,
// CacheStatus is hit, miss or coalesced.
type Record struct {
	RequestID        string
	Model            string
	Endpoint         string
	Tier             string
	Outcome          string
	CacheStatus      string
	PromptTokens     uint64
	CompletionTokens uint64
	TimeToFirstToken time.Duration
	TotalTime        time.Duration
	CreatedAt        time.Time
}

// Journal buffers records in memory and flushes them in batches. A nil db
// disables journaling entirely, Add becomes a no-op.
type Journal struct {
	mu            sync.Mutex
	pending       map[string]*Record
	flushing      bool
	timer         *time.Timer
	flushInterval time.Duration
	log           *zap.SugaredLogger
	db            *sql.DB
}

func New(log *zap.SugaredLogger, db *sql.DB, flushInterval time.Duration) *Journal {
	if flushInterval <= 0 {
		flushInterval = shared.JournalFlushInterval
	}
	return &Journal{
		pending:       map[string]*Record{},
		flushInterval: flushInterval,
		log:           log,
		db:            db,
	}
}

func (j *Journal) Add(rec Record) {
	if j.db == nil {
		return
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.pending[rec.RequestID] = &rec

	if j.timer == nil {
		j.log.Info("Registering journal flush")
		j.timer = time.AfterFunc(j.flushInterval, func() {
			retry := j.Flush()
			for retry != 0 {
				j.log.Warn("Flush requested retry, waiting...")
				time.Sleep(retry)
				retry = j.Flush()
			}
		})
	}
}

// Flush writes the pending batch. A non-zero return means another flush holds
// the batch and the caller should retry after that long.
func (j *Journal) Flush() time.Duration {
	if j.db == nil {
		return 0
	}

	j.mu.Lock()
	if j.flushing {
		j.mu.Unlock()
		return shared.JournalRetryDelay
	}
	j.flushing = true
	batch := j.pending
	j.pending = map[string]*Record{}
	if j.timer != nil {
		j.timer.Stop()
		j.timer = nil
	}
	j.mu.Unlock()

	defer func() {
		j.mu.Lock()
		j.flushing = false
		j.mu.Unlock()
	}()

	if len(batch) == 0 {
		return 0
	}

	success := false
	var err error
	for range shared.MaxFlushRetries {
		err = saveRecords(j.db, batch)
		if err != nil {
			j.log.Errorw("Failed to insert journal records", "error", err)
			time.Sleep(5 * time.Second)
			continue
		}
		success = true
		break
	}
	if !success {
		j.log.Errorw("Dropping journal batch after repeated failures", "error", err, "records", len(batch))
		metrics.ErrorCount.WithLabelValues("unknown", "journal", "flush_records").Inc()
		return 0
	}
	j.log.Infow("Flushed journal", "records", len(batch))
	return 0
}

func (j *Journal) Shutdown() {
	if j.db == nil {
		return
	}
	j.log.Info("Shutting down journal")
	j.mu.Lock()
	if j.timer != nil {
		j.timer.Stop()
		j.timer = nil
	}
	j.mu.Unlock()

	retry := j.Flush()
	for retry != 0 {
		time.Sleep(retry)
		retry = j.Flush()
	}
}

// DailyStats is the per-day per-model aggregate row.
type DailyStats struct {
	Date             string
	Model            string
	Tier             string
	RequestCount     uint64
	CacheHits        uint64
	Coalesced        uint64
	AbortedCount     uint64
	FailedCount      uint64
	PromptTokens     uint64
	CompletionTokens uint64
	TimeToFirstToken int64
	TotalTime        int64
}

// aggregate folds a batch into daily rows keyed by model and tier. Timing
// sums only cover completed requests so averages stay honest.
func aggregate(batch map[string]*Record, date string) map[string]*DailyStats {
	aggregated := make(map[string]*DailyStats)
	for _, rec := range batch {
		key := rec.Model + "|" + rec.Tier
		existing, ok := aggregated[key]
		if !ok {
			existing = &DailyStats{
				Date:  date,
				Model: rec.Model,
				Tier:  rec.Tier,
			}
			aggregated[key] = existing
		}
		existing.RequestCount++
		existing.PromptTokens += rec.PromptTokens
		existing.CompletionTokens += rec.CompletionTokens
		switch rec.CacheStatus {
		case "hit":
			existing.CacheHits++
		case "coalesced":
			existing.Coalesced++
		}
		switch rec.Outcome {
		case "aborted":
			existing.AbortedCount++
			continue
		case "failed":
			existing.FailedCount++
			continue
		}
		existing.TimeToFirstToken += rec.TimeToFirstToken.Milliseconds()
		existing.TotalTime += rec.TotalTime.Milliseconds()
	}
	return aggregated
}

// saveRecords writes the request history and bumps the daily aggregates.
func saveRecords(db *sql.DB, batch map[string]*Record) error {
	requestSQLStr := `INSERT INTO request (
            request_id, model, endpoint, tier, outcome, cache_status,
            prompt_tokens, completion_tokens,
            time_to_first_token, total_time, created_at
        ) VALUES`

	statsSQLStr := `INSERT INTO daily_stats (
		date, model, tier, request_count, cache_hits, coalesced,
		aborted_requests, failed_requests, prompt_tokens, completion_tokens,
		time_to_first_token, total_time
	) VALUES`

	if len(batch) == 0 {
		return nil
	}

	today := time.Now().Format("2006-01-02")
	aggregated := aggregate(batch, today)

	requestVals := []any{}
	statsVals := []any{}

	for id, rec := range batch {
		requestSQLStr += "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?),"
		requestVals = append(requestVals,
			id, rec.Model, rec.Endpoint, rec.Tier, rec.Outcome, rec.CacheStatus,
			rec.PromptTokens, rec.CompletionTokens,
			rec.TimeToFirstToken.Milliseconds(), rec.TotalTime.Milliseconds(),
			rec.CreatedAt,
		)
	}

	for _, val := range aggregated {
		statsSQLStr += "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?),"
		statsVals = append(statsVals,
			val.Date, val.Model, val.Tier, val.RequestCount, val.CacheHits, val.Coalesced,
			val.AbortedCount, val.FailedCount, val.PromptTokens, val.CompletionTokens,
			val.TimeToFirstToken, val.TotalTime,
		)
	}

	requestSQLStr = strings.TrimSuffix(requestSQLStr, ",")
	statsSQLStr = strings.TrimSuffix(statsSQLStr, ",")
	statsSQLStr += ` ON DUPLICATE KEY UPDATE
		request_count = request_count + VALUES(request_count),
		cache_hits = cache_hits + VALUES(cache_hits),
		coalesced = coalesced + VALUES(coalesced),
		aborted_requests = aborted_requests + VALUES(aborted_requests),
		failed_requests = failed_requests + VALUES(failed_requests),
		prompt_tokens = prompt_tokens + VALUES(prompt_tokens),
		completion_tokens = completion_tokens + VALUES(completion_tokens),
		time_to_first_token = time_to_first_token + VALUES(time_to_first_token),
		total_time = total_time + VALUES(total_time)`

	if _, err := db.Exec(requestSQLStr, requestVals...); err != nil {
		return fmt.Errorf("failed to save requests: %w", err)
	}
	if _, err := db.Exec(statsSQLStr, statsVals...); err != nil {
		return fmt.Errorf("failed to save daily stats: %w", err)
	}

	return nil
}

// Package metrics defines prometheus metrics to expose
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "glimpse_api_request_duration_seconds",
			Help:    "Total time taken for requests in seconds",
			Buckets: []float64{1, 2.5, 5, 10, 15, 20, 25, 30, 40, 50, 75, 100, 150, 200, 350, 400, 500, 600},
		},
		[]string{"model", "endpoint"},
	)

	TimeToFirstToken = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "glimpse_api_time_to_first_token_seconds",
			Help:    "Time to first token in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 15, 20, 25, 30, 40, 50, 75, 100, 150, 200, 350, 400, 500, 600},
		},
		[]string{"model", "endpoint"},
	)

	PromptTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glimpse_api_prompt_tokens_total",
			Help: "Total number of prompt tokens used",
		},
		[]string{"model", "endpoint"},
	)

	CompletionTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glimpse_api_completion_tokens_total",
			Help: "Total number of completion tokens used",
		},
		[]string{"model", "endpoint"},
	)

	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glimpse_api_request_count_total",
			Help: "Total number of requests processed",
		},
		[]string{"model", "endpoint", "status"},
	)

	TokensPerSecond = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "glimpse_api_tokens_per_second",
			Help:    "Tokens per second",
			Buckets: []float64{1, 5, 10, 15, 20, 25, 30, 35, 40, 45, 50, 60, 70, 80},
		},
		[]string{"model", "endpoint"},
	)

	InflightRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "glimpse_api_inflight_requests",
			Help: "Current Inflight Requests",
		},
		[]string{"path"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glimpse_api_cache_hits_total",
			Help: "Responses served from cache",
		},
		[]string{"tier"},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "glimpse_api_cache_misses_total",
			Help: "Cache lookups that went upstream",
		},
	)

	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glimpse_api_cache_evictions_total",
			Help: "Entries evicted from the local cache",
		},
		[]string{"reason"},
	)

	CacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "glimpse_api_cache_bytes",
			Help: "Bytes held by the local cache",
		},
	)

	CacheDegraded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glimpse_api_cache_degraded_total",
			Help: "Remote cache failures treated as misses",
		},
		[]string{"op"},
	)

	CoalescedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glimpse_api_coalesced_requests_total",
			Help: "Requests served by another caller's in flight upstream call",
		},
		[]string{"model"},
	)

	BucketTokens = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "glimpse_api_bucket_tokens",
			Help: "Tokens currently available per endpoint bucket",
		},
		[]string{"endpoint"},
	)

	BucketRefillRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "glimpse_api_bucket_refill_rate",
			Help: "Current refill rate per endpoint bucket",
		},
		[]string{"endpoint"},
	)

	CapacityRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glimpse_api_capacity_rejections_total",
			Help: "Admissions rejected without waiting",
		},
		[]string{"endpoint"},
	)

	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glimpse_api_retry_attempts_total",
			Help: "Upstream attempts that failed and were classified",
		},
		[]string{"endpoint", "kind"},
	)

	ThrottleSignals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glimpse_api_throttle_signals_total",
			Help: "Rate limit signals received from upstream",
		},
		[]string{"endpoint"},
	)

	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glimpse_api_error_count",
			Help: "Error count",
		},
		[]string{"model", "endpoint", "from"},
	)
	ResponseCodes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glimpse_api_status_code",
			Help: "Status Codes",
		},
		[]string{"path", "status_code"},
		//we don't need model here because we know what models are being failed from error count
	)
)

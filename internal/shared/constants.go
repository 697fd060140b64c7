package shared

import "time"

// HTTP Client Configuration
const (
	DefaultHTTPTimeout     = 180 * time.Second
	DefaultStreamTimeout   = 10 * time.Minute
	DefaultShutdownTimeout = 10 * time.Minute
)

// Cache Configuration
const (
	RemoteCacheTTL     = 30 * time.Minute
	DefaultCacheMaxAge = 15 * time.Minute
)

// API Configuration
const DefaultMaxTokens = 512

// Journal Configuration
const (
	JournalFlushInterval = 1 * time.Minute
	JournalRetryDelay    = 30 * time.Second
	MaxFlushRetries      = 3
)

package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 10
	DBMaxIdleConns    = 2
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 30 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Health check ping timeout
const PingTimeout = 5 * time.Second

// Websocket settings
const (
	WSWriteTimeout   = 10 * time.Second
	WSReadLimitBytes = 64 << 10
)

// Upper bound for a single webhook outcome reconciliation, retries included.
const OutcomeProcessingTimeout = 2 * time.Minute

// Webhook payloads carry full transcripts.
const WebhookMaxBodyBytes = 5 << 20

package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// WebSocket tunnel settings
const (
	WSWriteTimeout    = 10 * time.Second
	WSMaxMessageBytes = 8 * 1024 * 1024
	WSDialTimeout     = 15 * time.Second
)

// Agent reconnection backoff
const ReconnectBaseBackoff = 1 * time.Second

// Hard cap on rows an agent will return for a single query, regardless of
// what the request asks for.
const MaxRowsCeiling = 50000

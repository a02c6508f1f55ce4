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

// Background job settings
const (
	CleanupJobInterval = time.Minute
	CleanupJobTimeout  = 30 * time.Second
	CleanupPhotoBatch  = 100
)

// Pairing challenge lifetime, in seconds
const (
	ChallengeTTLMin     = 15
	ChallengeTTLMax     = 90
	ChallengeTTLDefault = 45
)

// Scan session lifetime, in seconds
const (
	SessionTTLMin     = 60
	SessionTTLMax     = 1800
	SessionTTLDefault = 900
)

// Ingestion limits
const (
	MaxBarcodeLength = 128
	MaxPhotoBytes    = 5 * 1024 * 1024
	// base64 inflates by 4/3; leave room for the JSON envelope.
	PhotoBodyLimit = 8 * 1024 * 1024
)

// Anonymous endpoint rate limits, per client IP per minute
const (
	ConsumeRateLimitPerMin = 20
	ScanRateLimitPerMin    = 240
	PhotoRateLimitPerMin   = 30
	StatusRateLimitPerMin  = 120
)

// Authenticated desktop clients poll several endpoints every 1-2 seconds.
const DesktopRateLimitPerMin = 600

// Package config provides 12-factor configuration management for broadcastd.
//
// Configuration is loaded from environment variables with sensible defaults,
// optionally layered with a YAML tunables file for deployment-specific
// scheduler constants.
//
// Configuration Sections:
//   - Server: HTTP server settings (port, host)
//   - Dispatch: broadcast queue delays, run-length limits, backpressure
//   - Restriction: restriction engine and notification throttling
//   - Logging: log level and output format
//   - RateLimit: per-IP rate limiting configuration
//
// Example Usage:
//
//	cfg, err := config.LoadWithOverrides("tunables.yaml")
//	fmt.Printf("Server running on %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//
// Environment Variables:
//   - PORT, HOST
//   - DISPATCH_DELAY_NORMAL, DISPATCH_DELAY_CACHED, DISPATCH_DELAY_URGENT
//   - DISPATCH_MAX_CONSECUTIVE_URGENT, DISPATCH_MAX_CONSECUTIVE_NORMAL
//   - DISPATCH_MAX_PENDING, DISPATCH_BLOCKED_CEILING
//   - RESTRICTION_RESTRICTED_BUCKET_ENABLED, RESTRICTION_NOTIFICATION_MIN_INTERVAL
//   - LOG_LEVEL, LOG_DEV
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST, RATE_LIMIT_ENABLED
package config

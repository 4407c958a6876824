// Package middleware provides HTTP middleware for the diagnostic API.
//
// Included middleware:
//   - CORS: cross-origin resource sharing via gin-contrib/cors
//   - RateLimit: per-IP token-bucket rate limiting
//   - GlobalRateLimit: shared token bucket across all clients
package middleware

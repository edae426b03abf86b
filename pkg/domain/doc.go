// Package domain defines the core types shared across the flume engine:
// pipeline stages, the per-request execution context, telemetry events, and
// the common error vocabulary. It depends on nothing outside the standard
// library so that every other package can import it freely.
package domain

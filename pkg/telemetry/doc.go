// Package telemetry bootstraps the process-wide OpenTelemetry provider and
// translates engine execution events into traces and metrics. Nothing in
// here is request-critical: a missing collector degrades to no-ops.
package telemetry

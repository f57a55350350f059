// Package telemetry is the single place quartzdb wires up OpenTelemetry.
//
// Every other package reaches for tracing and metrics through Tracer and
// Meter rather than calling otel.Tracer/otel.Meter directly. Both are thin
// wrappers around the global providers, so instruments registered at
// package init time (before Init runs) are safe: the global providers start
// out as no-ops and start forwarding to the real SDK the moment Init
// installs it. Call sites never need to know whether telemetry is enabled.
package telemetry

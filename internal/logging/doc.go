// Package logging assembles structured slog loggers used across linkpool.
//
// It owns the console and JSON handlers, centralizes level and output
// plumbing, and exposes context helpers so scheduler code can tag log lines
// with link and batch identifiers. The console handler lifts those fields into
// a short subject after the component name. A no-op logger is provided for
// tests and wiring code that cannot fail.
package logging

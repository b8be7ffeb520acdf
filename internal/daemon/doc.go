// Package daemon coordinates the long-running linkpool process.
//
// It schedules the conversion, repair, dedup, reclaim, and requeue jobs with
// cron, guards the data directory with a flock so only one daemon runs, and
// serves Prometheus metrics plus a small JSON status API. Engines live in
// their own packages; the daemon only owns startup, shutdown, and scheduling.
package daemon

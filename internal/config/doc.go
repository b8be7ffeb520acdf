// Package config loads, normalizes, and validates linkpool configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// LINKPOOL_NODE_PATH and LINKPOOL_BUNDLE_DIR for the conversion bridge. The
// Config type centralizes every knob the daemon and CLI need: lease TTL, the
// test port range, dedup batch sizing, and job schedules.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths and clear validation errors.
package config

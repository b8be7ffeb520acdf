// Package store persists links and inbounds in SQLite.
//
// Cross-worker coordination happens only through guarded writes: dedup
// markers apply to rows that are still unchecked, lease transitions apply to
// rows still in the expected state and owned by the caller, and the inbound
// table's UNIQUE constraints reject port or tag collisions. Every guarded
// write reports whether it took effect so callers can count a lost race
// instead of treating it as an error.
//
// Timestamps are stored as fixed-width UTC text so they order correctly as
// strings; lease expiry is stored as unix milliseconds.
package store

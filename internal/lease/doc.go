// Package lease schedules liveness tests under time-boxed leases.
//
// A lease is held while a link is claimed or testing and its expiry lies in
// the future. Expiry is the only recovery mechanism: a worker that dies
// mid-test leaves a lease that any worker may claim once it lapses. Every
// transition is a guarded write in the store, so two workers racing for the
// same link produce exactly one winner.
package lease

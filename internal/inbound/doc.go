// Package inbound allocates the per-test listener bindings handed to the
// prober. Port and tag exclusivity is enforced by the store's UNIQUE
// constraints; the pool only chooses candidates and retries on collision.
package inbound

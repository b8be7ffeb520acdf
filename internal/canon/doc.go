// Package canon computes deterministic content digests for structured proxy
// configurations.
//
// Two configurations share a digest exactly when they are equal after object
// keys are sorted and the root-level "tag" label is removed. Nested "tag"
// keys are content and are kept. Numbers are rendered in their most exact
// form so integer and decimal literals do not collide by accident.
package canon

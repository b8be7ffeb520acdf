// Package dedup marks each converted link as a primary or a duplicate of the
// lowest-id link sharing its canonical digest.
//
// A pass reads every unchecked link, groups them by digest, and resolves each
// group against links checked by earlier passes. Writes go through
// store.ApplyDedup, whose guards make a second concurrent pass harmless and a
// repeated pass over an unchanged store a no-op.
package dedup

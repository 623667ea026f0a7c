// Package verify holds the pure functions of the change-feed check.
//
// Reconstruct replays an ordered sequence of mutation batches onto a base
// snapshot, using the same apply semantics as the store: last writer wins
// for Set, and ClearRange removes a half-open, right-exclusive interval.
//
// Compare checks a reconstructed state against an observed one and
// records every divergence. A mismatch is a finding, not an error.
//
// Neither function performs IO.
package verify

// Package workload generates the concurrent application writes a change
// feed is verified against.
//
// Writers commit random batches of Sets and ClearRanges over a bounded key
// space. Each writer is paced by its own token bucket and owns a seeded
// random source, so the key and value choices of a run are reproducible
// from the seed even though commit interleaving is not.
package workload

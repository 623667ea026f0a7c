// Package memory provides an in-process versioned store with change feeds.
//
// Application data lives in a B-tree that is cloned, copy-on-write, for
// every snapshot read, so a snapshot never observes later commits. Each
// registered feed keeps its own log of clipped mutation batches.
//
// Thread Safety:
//
// All operations are safe for concurrent use. Commits, registrations and
// pops are serialized by a single lock; open streams read private copies
// and hold no lock.
package memory

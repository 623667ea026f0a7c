// Package storage defines the store surface consumed by the change-feed
// harness and provides a Badger-backed implementation of it.
//
// The surface is deliberately small:
//
//   - ReadSnapshot: a consistent streaming read of a key range at one
//     store-chosen read version
//   - RegisterChangeFeed, ChangeFeedStream, PopChangeFeedMutations: the
//     feed lifecycle
//   - OnError: the store's transient-error classifier
//
// Streams are lazy, finite and not restartable. Exhaustion is signalled
// by ErrEndOfStream, which is the success path rather than a failure.
//
// Implementations:
//
//   - BadgerStore: persistent, Badger v3 in managed mode
//   - memory.Store: in-process, copy-on-write B-trees
//   - chaos.Store: wraps either one and injects transient failures
package storage

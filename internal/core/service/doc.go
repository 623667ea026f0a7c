// Package service provides the change-feed verification engine.
//
// This package contains:
//
//   - SnapshotReader: a consistent read of a key range, restarted from
//     scratch on transient failures
//   - MutationReader: a feed read between two versions, resumed from a
//     cursor on transient failures
//   - Verifier: the register / cycle / terminate loop that checks that a
//     snapshot plus the feed reproduces a later snapshot
//
// The engine never writes application data. Store failures the store
// classifies as transient are retried; every other failure ends the run.
// Mismatches are findings, logged and counted, not errors.
package service

// Package main provides the entry point for feedcheck.
//
// feedcheck drives concurrent writers against a key-value store and runs
// change feed verifiers alongside them. Each verifier registers a feed,
// takes two snapshots, replays the feed between them onto the first and
// compares the result with the second.
//
// Usage:
//
//	feedcheck run --duration 30 --clients 4
//	feedcheck run --engine badger --dir /var/lib/feedcheck --chaos
//	feedcheck -c feedcheck.yaml config show -o yaml
//
// A run that observes a mismatch exits with status 1.
package main

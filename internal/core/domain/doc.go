// Package domain defines the core domain models for feedcheck.
//
// Domain models are pure values without any IO dependencies. This
// package contains:
//
//   - KeyValue, KeyedState: the content of a key range at one version
//   - KeyRange: half-open key intervals
//   - Mutation, MutationBatch: the change-feed log vocabulary
//   - FeedID: change-feed subscription identifiers
//   - Errors: domain-specific error definitions
//
// Keys and values are raw byte strings. Printable and ParseKey convert
// them to and from the escaped text form used in logs and configuration.
package domain

// Package db provides a standardized interface for document database implementations
// used as the authoritative state of the transactional backend.
//
// The package focuses on:
//   - A unified interface (DocDB) for atomic multi-document commits
//   - Optimistic concurrency through per-document revisions
//   - Feature discovery through capability flags
//   - Standardized persistence operations (used for raft snapshots)
//
// Key Components:
//
//   - DocDB Interface: The core interface all engines satisfy. Commit applies a list of
//     Set, Update and Delete operations atomically and returns per-document events
//     describing the effect. List and Get read the committed state.
//
//   - Revisions: Every write carries a write index (a raft log index or a local counter)
//     which becomes the revision of each written document. Operations name the base
//     revision they were computed from; a mismatch aborts the whole commit with a
//     *ConflictError. This is what turns concurrent transactional writes to the same
//     document into "exactly one wins".
//
//   - Events: Commit results are expressed as Events (upsert, delete, reset) which the
//     store layer forwards to watchers. The same type describes a full reset after
//     snapshot recovery.
//
// Note on time:
//   - Engines never read the wall clock. Create and update times are derived from the
//     Commit timestamp chosen by the proposer, which keeps replicated engines deterministic.
//
// Related Packages:
//
// The engines/memdb package provides an in-memory engine (used inside the raft state
// machine and for tests). The engines/sqlitedb package stores documents in SQLite and
// acts as the centralized transactional document database of a single node.
// The testing package provides the shared conformance suite RunDocDBTests.
package db

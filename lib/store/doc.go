// Package store provides a high-level interface for transactional document storage
// with unified error handling. It serves as an abstraction layer over the lower-level
// db.DocDB implementations, adding write index management, change notification and
// standardized error reporting.
//
// The package focuses on:
//   - A unified interface (IStore) for committing and reading documents across different backends
//   - Pluggable storage backend architecture through DBFactory pattern
//   - Change notification through Watch, so that replicas learn about commits of other replicas
//
// Key Components:
//
//   - IStore Interface: The core abstraction defining operations for interacting with
//     a document store. All implementations share this common interface, allowing
//     applications to switch between different storage backends without code changes.
//
//   - Error System: A structured error reporting mechanism using typed error codes
//     (RetCode) and descriptive messages. Conflicting commits are reported with
//     RetCConflict and unwrap to *db.ConflictError.
//
//   - Hub: Fan-out of commit events to all watchers of a replica.
//
// Implementations:
//
//	The package includes two implementations of the IStore interface:
//
//	- Local Store (lstore): A non-distributed implementation that directly
//	  utilizes a db.DocDB instance. Commits are serialized by a mutex and receive a
//	  monotonically increasing write index as revision.
//	  Available in the "github.com/ValentinKolb/dSync/lib/store/lstore" package.
//
//	- Distributed Store (dstore): An implementation built on the Dragonboat
//	  RAFT consensus library. Every commit is one raft log entry, its index is the
//	  revision of all documents written by it.
//	  Available in the "github.com/ValentinKolb/dSync/lib/store/dstore" package.
package store

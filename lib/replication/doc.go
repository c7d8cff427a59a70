// Package replication defines the contract between the synchronized collection
// store and its backends.
//
// An Adapter bootstraps collections, streams remote changes and persists local
// transactions. Two families exist and are selected at construction time:
//
//   - Eventual (package gossip): the whole collection is the unit of replication.
//     Every persist republishes the complete local content of the touched
//     collections, concurrent writers to different documents of the same
//     collection can lose updates (last blob wins).
//
//   - Strict (package transactional): the document is the unit of replication.
//     A batch is one backend transaction, a concurrent write to any of its
//     documents rejects it completely with ErrConflict.
//
// The package also provides the adapter Lifecycle
// (Disconnected -> Bootstrapping -> Synced -> Reconnecting -> Synced), the typed
// Error with its codes and the Reconnect loop built on exponential backoff.
package replication

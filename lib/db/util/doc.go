// Package util provides small building blocks shared by the storage,
// replication and subscription layers.
//
// The package contains:
//   - mailbox: a lock-free multi-producer single-consumer queue used as
//     subscriber mailbox and as ingest queue for remote changes
//   - functions: xxHash based string hashing and raft replica ids
//
// The queue decouples producers (commits, gossip callbacks, raft appliers) from the
// single goroutine that consumes their work, so a slow consumer never blocks a writer.
package util

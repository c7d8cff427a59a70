// Package dstore replicates the document database of a dsync cluster with raft
// (github.com/lni/dragonboat/v4). It implements store.IStore, so the
// transactional replication adapter can run on a cluster of nodes exactly as it
// runs on a single local database.
//
// Components:
//
//   - storeImpl (store.go) turns commits into raft proposals and list/get calls
//     into reads of the local replica.
//   - DocStateMachine (statemachine.go) is the dragonboat state machine. Every
//     replica owns one db.DocDB, applies the committed log entries to it and
//     emits the resulting events to the store.Hub of the node.
//   - internal.Command and internal.Query are the log entry and read formats.
//
// Commits:
//
//	A transaction of the coordinator arrives as db.Commit: an ordered list of
//	set, update and delete operations, each with the revision the proposing node
//	had cached for the document. The commit is encoded as one log entry and
//	proposed with SyncPropose. When the entry is applied, the state machine
//	compares the base revisions with the stored ones. A single mismatch rejects
//	the whole entry with RetCConflict and nothing is written on any replica.
//	Otherwise all operations are applied and the new revision of every written
//	document is the index of the log entry.
//
//	The timestamp of a commit is chosen by the proposer and stored in the entry,
//	so create and update times are identical on all replicas.
//
// Change stream:
//
//	Every replica, not only the proposer, emits the events of an applied entry to
//	its hub. The transactional adapter of each node therefore sees the writes of
//	all other nodes as remote changes. After a snapshot was restored the state
//	machine emits a reset event and the adapter re-reads its collections.
//
// Reads:
//
//	List and Get use SyncRead and see every entry committed before the call.
//	GetDBInfo uses StaleRead.
//
// Errors:
//
//	ErrSystemBusy and ErrShardNotReady are retried a few times with a short
//	pause. Timeouts, a missing quorum and a closed node host are reported as
//	RetCUnavailable, which the adapter maps to a retryable transport error and
//	answers with its reconnect loop.
//
// Example:
//
//	nh, err := dragonboat.NewNodeHost(config.ToNodeHostConfig())
//	if err != nil { ... }
//
//	hub := store.NewHub()
//	factory := dstore.CreateStateMachineFactory(func() db.DocDB { return memdb.NewMemDB() }, hub)
//	if err := nh.StartConcurrentReplica(members, false, factory, config.ToDragonboatConfig()); err != nil { ... }
//
//	s := dstore.NewDistributedStore(nh, config.ShardID, hub, 5*time.Second)
//	adapter := transactional.New(s, transactional.Options{Name: "raft"})
//
// A cluster should have an odd number of nodes. Writes need a majority, reads
// need the local replica to have caught up with the leader.
package dstore

// Package memdb provides an in-memory implementation of the db.DocDB interface.
//
// Collections are kept in an xsync map, each collection holds its documents in
// insertion order. Commits take a single database wide write lock so that a
// multi-collection commit is atomic for every reader; reads take the read lock.
//
// memdb is the engine used inside the raft state machine (dstore) where
// durability comes from the raft log and snapshots (Save/Load), and it is the
// default engine for single process setups and tests.
//
// Usage Example:
//
//	database := memdb.NewMemDB()
//	res, err := database.Commit(db.Commit{Ops: []db.Op{{Type: model.OpSet, Collection: "tests", ID: "T001", Data: doc}}}, 1)
package memdb

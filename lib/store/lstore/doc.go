// Package lstore implements a local, single-node document store based on the
// store.IStore interface. It provides a thin wrapper around any db.DocDB
// implementation with automatic write index management. Whether data survives a
// restart depends on the engine: memdb keeps everything in memory, sqlitedb,
// boltdb and postgresdb persist it.
//
// Key Features:
//   - Direct integration with db.DocDB implementations
//   - Automatic write index progression, used as document revision
//   - Commit notification through store.Hub
//   - Feature detection to handle unsupported operations gracefully
//
// Implementation Details:
//
//   - Write Index Management: The store maintains an atomic counter that increments
//     with each commit. It starts at the highest index the database has seen, so
//     revisions keep increasing after a restart.
//
//   - Ordering: Commits are serialized by a mutex that is held until all watchers were
//     notified. Watchers therefore see commits in revision order.
//
//   - Composition Architecture: The store.DBFactory injects the underlying db.DocDB.
//
// Usage Example:
//
//	factory := func() db.DocDB { return memdb.NewMemDB() }
//	s := lstore.NewLocalStore(factory)
//
//	cancel := s.Watch(func(events []db.Event) { ... })
//	defer cancel()
//
//	res, err := s.Commit(ctx, db.Commit{Ops: []db.Op{{Type: model.OpSet, Collection: "users", ID: "U1", Data: doc}}})
//
// For scenarios requiring consensus across multiple nodes, use the dstore package
// instead, which provides a RAFT-based implementation of the same interface.
package lstore

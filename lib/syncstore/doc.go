/*
Package syncstore is the entry point of dSync: a synchronized collection store.

A Store mirrors a fixed set of collections in a local cache and keeps the cache
in sync with a backend through one replication adapter (gossip or
transactional). Consumers read synchronously (Get, Doc, Snapshot), subscribe to
snapshots (Subscribe) and write through transactions (Apply, RunTransaction,
Execute).

Remote changes reported by the adapter are queued and applied by a single
ingest goroutine, which publishes a snapshot for every visible change. Local
transactions go through the coordinator of lib/txn.

Example:

	s := syncstore.New(transactional.New(backend, transactional.Options{}), syncstore.Options{})
	if err := s.Start(ctx); err != nil {
		return err
	}
	defer s.Close()

	unsubscribe := s.Subscribe("tests", func(snap snapshot.Snapshot) {
		for _, d := range snap.Docs {
			fmt.Println(d.ID(), d.Data())
		}
	})
	defer unsubscribe()

	_, err := s.RunTransaction(ctx, func(tx *txn.Tx) error {
		tx.Set("tests", model.Document{"id": "T001", "name": "CBC", "mrp": 350})
		return nil
	})
*/
package syncstore

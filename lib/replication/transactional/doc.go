/*
Package transactional implements the strictly consistent replication adapter on
top of a store.IStore (a local SQLite or in-memory store, or a raft replicated
store).

Every batch is submitted as one db.Commit. Each operation carries the revision of
the document the local cache held when the operation was applied, and the
backend rejects the whole commit with a conflict if any document changed in the
meantime. A conflict is reported as a retryable *replication.Error with code
ErrConflict, the coordinator rolls back its optimistic changes.

Commits of all writers reach the adapter through IStore.Watch and are forwarded
as per document upserts and deletes. A reset event (e.g. after raft snapshot
recovery) or a successful reconnect re-reads every streamed collection.

A backend that is unreachable at startup is not fatal. Bootstrap returns an
empty collection, the adapter stays Reconnecting and replaces the collection
as soon as the backend answers again.
*/
package transactional

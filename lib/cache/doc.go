// Package cache implements the collection cache: the in-process mirror of every
// collection's current documents.
//
// Each collection has its own lock. All writes (local mutations, batches, rollbacks
// and remote changes delivered by a replication adapter) take the write lock, reads
// take the read lock and return deep copies, so a reader always sees the state
// between two writes and can keep the result as long as it wants.
//
// Every collection carries a version that increases only on visible changes.
// Setting a document to its current content or updating an absent id does not
// change the version, which lets the subscription layer skip redundant deliveries.
//
// Local batches record a pre-image for every touched document. Rollback restores a
// pre-image only if the document was not written again since the batch, so remote
// changes that arrived in between are never reverted.
package cache

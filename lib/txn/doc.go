/*
Package txn implements the transaction coordinator.

Execute runs these steps for a list of mutations:

 1. normalize and validate every mutation, an invalid one fails the transaction
    before anything changes
 2. apply all mutations to the cache in one batch (optimistic apply), recording
    base revisions and pre-images
 3. persist the batch through the adapter, bounded by the configured timeout
    (cancelling the caller's context does not abort a running persist)
 4. on success attach the backend metadata and publish the changed collections
 5. on failure roll back under a strict backend, keep the local state under an
    eventual one, publish, and return the typed *replication.Error

Update and Delete of documents that are absent from the cache are no-ops and are
not sent to the backend.

Transactions can be built with Run and a *Tx (Set, Update, Delete, Ref) or given
as a single Descriptor ({operationType, collectionName, documentId, data}).
Transaction ids are ULIDs.
*/
package txn

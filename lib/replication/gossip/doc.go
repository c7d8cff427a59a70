/*
Package gossip implements the eventually consistent replication adapter.

The unit of replication is a whole collection. Every persist serializes the
complete local content of each touched collection into a Blob

	{collection, version, origin, data}

where data is a JSON array of documents and version a lamport clock. A node
accepts a blob if it is newer than the one it holds, ties go to the larger
origin name, and replaces its local collection with it. There is no per
document merge: two nodes writing different documents of the same collection
without seeing each other's write lose one of the writes. This is the price for
needing no central infrastructure.

Incoming blobs are decoded defensively. An undecodable envelope is dropped, a
data payload that is not an array empties the collection and elements that are
not documents with a string id are skipped. All of these are logged and counted
in dsync_gossip_decode_errors_total.

Blobs travel over a Network:

  - NewMemberlistNetwork: hashicorp/memberlist, broadcasts piggyback on the gossip
    protocol (large blobs are sent over TCP), full state is exchanged on join
    and by periodic push/pull. Seeds can be discovered via mDNS (Discoverer).
  - NewRedisNetwork: a Redis channel relays blobs, a hash keeps the latest blob
    of every collection for joining nodes.
  - NewLocalHub: in-process network for tests and single process setups.

A failed broadcast leaves the local state in place and marks the collection as
pending. The reconnect loop rejoins the cluster with exponential backoff and
republishes pending collections, unless a newer remote blob overwrote them first.
*/
package gossip

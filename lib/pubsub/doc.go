/*
Package pubsub implements the subscription registry of the store.

A subscriber registers a callback for one collection. The current snapshot is
delivered synchronously before Subscribe returns, after that every Publish of the
collection enqueues a fresh snapshot into the subscriber's mailbox (util.Mailbox,
a lock-free queue from lib/db/util) which a dedicated goroutine drains in order.

Guarantees:

  - Snapshots reach a subscriber in publish order, versions never go backwards.
  - A subscriber never receives two snapshots with the same content in a row.
    The comparison is against what that subscriber received last, including
    the initial snapshot.
  - A panicking callback is recovered, logged and counted (dsync_delivery_panics_total).
  - A slow callback only delays its own mailbox. A backlog is logged once.
  - Unsubscribe is idempotent and can be called from inside the callback.
*/
package pubsub

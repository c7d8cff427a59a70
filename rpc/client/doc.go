// Package client implements a Go client for the HTTP API of a dsync server.
//
// Reads (Collection, Document, Status) are retried with exponential backoff
// (github.com/cenkalti/backoff) on transport errors and 5xx responses. Writes
// (Apply, Execute) are sent once: a failed write comes back as the typed
// replication error the server reported, so callers can use
// replication.IsConflict or replication.IsRetryable to decide what to do.
//
// Watch opens the WebSocket stream of a collection and calls a function for
// every snapshot, starting with the current one.
//
// Usage Example:
//
//	c, _ := client.NewClient(common.ClientConfig{
//		Endpoint:      "http://localhost:8080",
//		TimeoutSecond: 5,
//		RetryCount:    3,
//	})
//
//	_, err := c.Apply(ctx, model.Update("users", "U1", map[string]any{"walletBalance": 50}))
//	if replication.IsConflict(err) {
//		// somebody else changed U1, reload and try again
//	}
//
//	go c.Watch(ctx, "tests", func(s common.CollectionResponse) {
//		fmt.Println(len(s.Documents), "tests")
//	})
//
// The serializer of the client (json, gob or proto) only affects the request and
// response bodies, the watch stream is always JSON.
package client

// Package rpc exposes a synchronized collection store over HTTP and WebSocket.
//
// The package is organized into several subpackages:
//
//   - common: the API types shared by server and client (paths, request and
//     response bodies, error mapping), the server and client configuration
//     and the logger setup.
//
//   - server: opens the configured replication backend, starts the store and
//     serves the API (gorilla/mux routes, websocket watch streams, Prometheus
//     metrics).
//
//   - client: a Go client for the API. Reads are retried with backoff, writes
//     return the typed replication errors reported by the server.
package rpc

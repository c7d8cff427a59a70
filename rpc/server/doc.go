// Package server runs a dsync node: it opens the replication backend selected
// in common.ServerConfig, starts a syncstore.Store on top of it and serves the
// HTTP API of the store.
//
// Backends:
//
//   - gossip: gossip.Adapter over a memberlist cluster (optionally discovered via
//     mDNS) or over redis pub/sub. Eventual consistency, last writer wins per
//     collection.
//   - raft: transactional.Adapter over a dstore.DistributedStore (dragonboat).
//   - sqlite, bolt, postgres, memory: transactional.Adapter over an
//     lstore.LocalStore backed by the respective document database.
//
// API:
//
//	GET  /v1/collections/{name}            current snapshot of a collection
//	GET  /v1/collections/{name}/docs/{id}  single document
//	GET  /v1/collections/{name}/watch      websocket, one JSON snapshot per change
//	POST /v1/transactions                  {"mutations": [...]}
//	POST /v1/operations                    operation descriptor
//	GET  /v1/status                        backend, state and collection sizes
//	GET  /metrics                          Prometheus metrics
//
// Request bodies are decoded with the serializer matching their Content-Type,
// responses use the serializer requested in the Accept header (json, gob or
// proto), falling back to the configured default. Replication errors are mapped
// to status codes by common.NewErrorResponse.
//
// Usage Example:
//
//	config := common.ServerConfig{
//		Backend:       common.BackendSQLite,
//		Collections:   model.DefaultCollections,
//		DBPath:        "data/dsync.sqlite",
//		Endpoint:      "0.0.0.0:8080",
//		TimeoutSecond: 5,
//		LogLevel:      "info",
//	}
//	if err := server.NewRPCServer(config).Serve(context.Background()); err != nil {
//		log.Fatal(err)
//	}
//
// Serve returns after SIGINT or SIGTERM. Open watch streams are closed with a
// going-away close frame before the HTTP server shuts down.
package server

// Package common holds what the dsync API server, its client and the CLI share:
// the server and client configuration, the wire types of the HTTP API and the
// logger setup.
//
// Key Components:
//
//   - ServerConfig: every parameter of a server, grouped by backend. Validate
//     checks the parameters the selected backend needs, String renders them for
//     the startup log and ToDragonboatConfig / ToNodeHostConfig convert the raft part.
//
//   - ClientConfig: endpoint, timeout, retries and serializer of a client.
//
//   - API types: CollectionResponse, TransactionRequest, TransactionResponse,
//     StatusResponse and ErrorResponse. NewErrorResponse maps the replication
//     error codes to HTTP status codes (conflict 409, invalid 400, timeout 504,
//     transport and closed 503) and AsError maps them back on the client side.
//
//   - Logger: a dragonboat logger.ILogger that writes "LEVEL | name | message".
//     InitLoggers installs it for the dragonboat internals and all dsync loggers.
package common

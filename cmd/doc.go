// Package cmd implements the command-line interface of dsync. It provides a
// hierarchical command structure for running a server and for working with
// its collections as a client.
//
// The package is organized into several subpackages:
//
//   - serve: starts a dsync server, every flag can also be set as DSYNC_<FLAG>
//     environment variable or in a .env / .env.local file
//   - coll: reads, writes and watches collections of a running server and
//     benchmarks it (get, set, update, del, apply, exec, watch, status, bench)
//   - util: shared helpers for flags, configuration and output (internal use)
//
// See dsync -help for a list of all commands.
package cmd

// Package boltdb implements db.DocDB on top of bbolt (go.etcd.io/bbolt), an
// embedded single file key/value store.
//
// Layout:
//
//	meta/write_idx                 big endian uint64
//	collections/<name>/docs/<pos>  JSON encoded document with revision and timestamps
//	collections/<name>/ids/<id>    big endian position of the document
//
// Positions come from the sequence of the docs bucket, so iterating the docs
// bucket yields the insertion order of the collection. Overwriting a document
// keeps its position.
//
// Every Commit runs inside one read-write bbolt transaction. bbolt allows only a
// single writer at a time, which serializes the revision checks of concurrent
// commits and makes them atomic.
package boltdb

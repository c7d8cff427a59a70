// Package model defines the shared vocabulary of dSync: collections, documents,
// backend metadata, mutations and composite document keys.
//
// The package contains no synchronization logic. Every other package (cache,
// replication adapters, transaction coordinator, storage engines) speaks in
// these types so that no backend specific type leaks across package borders.
//
// Documents are schemaless: a Document is a JSON shaped map that must carry a
// string "id" field. Normalize converts arbitrary caller values into that
// shape (numbers become float64, nested objects map[string]any, arrays []any),
// which makes documents comparable with Equal and safely copyable with Clone.
package model

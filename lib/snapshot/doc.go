// Package snapshot renders the cache into the shape delivered to subscribers:
// an ordered list of documents, each exposing ID() and Data(). A snapshot is a
// deep copy taken at build time, later writes to the cache never show up in it.
package snapshot

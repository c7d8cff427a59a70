// Package testing provides standardised tests and benchmarks for
// database implementations that satisfy the db.DocDB interface.
//
// The package contains:
//   - testing: A conformance suite for the DocDB contract (upsert, merge, idempotent
//     delete, atomic conflicting commits, ordering, save/load)
//   - benchmark: Performance tests for commits and reads
//
// Example usage:
//
//	factory := func() db.DocDB {
//		return memdb.NewMemDB()
//	}
//
//	dbtesting.RunDocDBTests(t, "MemDB", factory)
//	dbtesting.RunDocDBBenchmarks(b, "MemDB", factory)
package testing

// Package postgresdb implements db.DocDB on top of PostgreSQL using pgx
// (github.com/jackc/pgx/v5) and its connection pool.
//
// Documents live in one table (default dsync_documents) with a JSONB data column,
// the write index in a companion <table>_meta table. The insertion order of a
// collection is kept by a BIGSERIAL position column.
//
// Every Commit takes a transaction scoped advisory lock on the table name before
// it checks base revisions, so commits of concurrent goroutines (and of other
// processes sharing the table) are serialized.
//
// The engine sits below a single dSync store. Revisions are assigned by the
// caller, so several nodes writing to the same table must not each run their
// own local store on it.
package postgresdb

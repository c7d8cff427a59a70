// Package sqlitedb implements db.DocDB on top of SQLite (github.com/mattn/go-sqlite3).
//
// It is the centralized transactional document database of a single dSync node:
// every Commit runs inside one SQL transaction, so revision checks and writes of
// all operations either become durable together or not at all.
//
// Tables:
//
//	documents(collection, id, data, revision, create_time, update_time, position)  PRIMARY KEY (collection, id)
//	meta(key, value)                                                               PRIMARY KEY (key)
//
// The database handle is limited to a single open connection. This serializes
// commits (SQLite allows one writer anyway) and makes ":memory:" databases usable.
package sqlitedb

package internal

import "github.com/ValentinKolb/dSync/lib/model"

// QueryType defines the possible queries for the state machine.
type QueryType uint8

const (
	QueryTList      QueryType = iota // Retrieve all documents of a collection.
	QueryTGet                        // Retrieve a single document.
	QueryTGetDBInfo                  // Retrieve metadata about the database underlying the machine.
)

func (q QueryType) String() string {
	switch q {
	case QueryTList:
		return "List"
	case QueryTGet:
		return "Get"
	case QueryTGetDBInfo:
		return "GetDBInfo"
	default:
		return "Unknown"
	}
}

// Query defines the structure for lookup requests (read-only) sent via SyncRead or StaleRead
type Query struct {
	Type       QueryType // The type of Query to perform.
	Collection string    // The collection for the Query (empty for GetDBInfo).
	ID         string    // The document id (only for Get).
}

// QueryResult is the result of a QueryTGet operation.
// All other query results are predefined types ([]model.Record, db.DatabaseInfo).
type QueryResult struct {
	Ok     bool
	Record model.Record
}

package db

import (
	"fmt"
	"io"

	"github.com/ValentinKolb/dSync/lib/model"
)

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplMemory   Implementation = "memory"
	ImplSQLite   Implementation = "sqlite"
	ImplBolt     Implementation = "bolt"
	ImplPostgres Implementation = "postgres"
)

// Feature represents database features as bit flags
type Feature uint64

const (
	FeatureCommit Feature = 1 << iota // Support for Commit operations
	FeatureList                       // Support for List operations
	FeatureGet                        // Support for Get operations
	FeatureSave                       // Support for Save operations
	FeatureLoad                       // Support for Load operations
)

func (f Feature) String() string {
	switch f {
	case FeatureCommit:
		return "Commit"
	case FeatureList:
		return "List"
	case FeatureGet:
		return "Get"
	case FeatureSave:
		return "Save"
	case FeatureLoad:
		return "Load"
	default:
		return "Unknown"
	}
}

type DatabaseInfo struct {
	Collections       map[string]int `json:"collections"`
	WriteIdx          uint64         `json:"write_idx"`
	DbType            Implementation `json:"db_type"`
	SupportedFeatures []Feature      `json:"supported_features"`
	Metadata          interface{}    `json:"metadata"`
}

// --------------------------------------------------------------------------
// Commit Types
// --------------------------------------------------------------------------

// Op is a single document operation inside a Commit.
// BaseRevision is the revision of the document the writer based its change on
// (0 = the writer believes the document does not exist).
type Op struct {
	Type         model.OpType   `json:"type"`
	Collection   string         `json:"collection"`
	ID           string         `json:"id"`
	Data         model.Document `json:"data,omitempty"`
	BaseRevision uint64         `json:"base_revision"`
}

// Commit is an ordered list of operations that is applied atomically.
// Timestamp (unix nanos) is chosen by the proposer so that all replicas assign
// the same create and update times.
type Commit struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Ops       []Op   `json:"ops"`
}

type EventType int

const (
	EventTUpsert EventType = iota // A document was created or changed
	EventTDelete                  // A document was removed
	EventTReset                   // The whole database was replaced (e.g. snapshot recovery)
)

func (e EventType) String() string {
	switch e {
	case EventTUpsert:
		return "Upsert"
	case EventTDelete:
		return "Delete"
	case EventTReset:
		return "Reset"
	default:
		return "Unknown"
	}
}

// Event describes the effect of a commit on a single document.
type Event struct {
	Type       EventType    `json:"type"`
	Collection string       `json:"collection"`
	ID         string       `json:"id"`
	Record     model.Record `json:"record"`
}

// CommitResult lists the effects of a successful commit in operation order.
type CommitResult struct {
	Index  uint64  `json:"index"`
	Events []Event `json:"events"`
}

// ConflictError is returned by Commit if the base revision of an operation does
// not match the current revision of the document. Nothing of the commit is applied.
type ConflictError struct {
	Collection string
	ID         string
	Expected   uint64
	Actual     uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s:%s: expected revision %d, found %d", e.Collection, e.ID, e.Expected, e.Actual)
}

// --------------------------------------------------------------------------
// Database Interface
// --------------------------------------------------------------------------

// DocDB defines an interface for document database implementations.
// Documents are grouped into collections and addressed by (collection, id).
// Implementations can vary in their feature support, which can be queried with SupportsFeature.
type DocDB interface {

	// --------------------------------------------------------------------------
	// Write Operations
	// --------------------------------------------------------------------------

	// Commit applies all operations of c atomically. Either every operation is applied or none.
	// The writeIndex parameter is used as the new revision of every written document and
	// must increase monotonically. Before anything is written, the base revision of every
	// operation is compared to the current revision of its document; on mismatch a
	// *ConflictError is returned.
	// Semantics per operation: Set upserts, Update merges fields (no-op for absent documents),
	// Delete removes (no-op for absent documents).
	Commit(c Commit, writeIndex uint64) (result CommitResult, err error)

	// --------------------------------------------------------------------------
	// Query Operations
	// --------------------------------------------------------------------------

	// List returns all documents of a collection in insertion order.
	// An unknown collection yields an empty list.
	List(collection string) (records []model.Record, err error)

	// Get returns a single document. The boolean indicates whether it was found.
	Get(collection, id string) (record model.Record, loaded bool, err error)

	// --------------------------------------------------------------------------
	// Persistence Operations
	// --------------------------------------------------------------------------

	// Save persists the current state of the database to the provided io.Writer.
	Save(w io.Writer) (err error)

	// Load replaces the database state with data provided by an io.Reader.
	Load(r io.Reader) (err error)

	// --------------------------------------------------------------------------
	// Feature Support
	// --------------------------------------------------------------------------

	// SupportsFeature checks if the database implementation supports the specified feature.
	// Multiple features can be checked at once using bitwise OR (|) operator.
	SupportsFeature(feature Feature) (ok bool)

	// GetInfo returns information about the database.
	GetInfo() (info DatabaseInfo)

	// WriteIdx returns the highest write index the database has seen.
	WriteIdx() (index uint64)

	// Close closes the database.
	Close() (err error)
}

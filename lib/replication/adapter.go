package replication

import (
	"context"
	"time"

	"github.com/ValentinKolb/dSync/lib/model"
)

// --------------------------------------------------------------------------
// Consistency Model
// --------------------------------------------------------------------------

// Consistency describes the guarantees of an adapter and decides how a failed
// persist is handled by the transaction coordinator.
type Consistency int

const (
	// Eventual adapters replicate whole collections. A failed persist keeps the
	// local change, it is republished once the transport recovers.
	Eventual Consistency = iota
	// Strict adapters replicate single documents atomically. A failed persist
	// means nothing was committed, the local change must be reverted.
	Strict
)

func (c Consistency) String() string {
	switch c {
	case Eventual:
		return "eventual"
	case Strict:
		return "strict"
	default:
		return "unknown"
	}
}

// --------------------------------------------------------------------------
// Remote Changes
// --------------------------------------------------------------------------

// ChangeKind is the kind of a remote change.
type ChangeKind int

const (
	ChangeReplace ChangeKind = iota // Records is the complete new content of the collection
	ChangeUpsert                    // Records were created or changed
	ChangeDelete                    // The document ID was removed
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeReplace:
		return "replace"
	case ChangeUpsert:
		return "upsert"
	case ChangeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Change is a change of a collection that was made somewhere else (or confirmed
// by the backend) and must be mirrored into the local cache.
type Change struct {
	Kind       ChangeKind
	Collection string
	Records    []model.Record // for ChangeReplace and ChangeUpsert
	ID         string         // for ChangeDelete
	// Guard, if set, must wrap the application of the change to the cache.
	// It runs apply only while the change is still current, so a change that
	// was superseded while it was queued is dropped.
	Guard func(apply func())
}

// ChangeFunc receives remote changes. It is called on the adapter's own goroutine
// and must hand the change off without blocking.
type ChangeFunc func(Change)

// --------------------------------------------------------------------------
// Persist
// --------------------------------------------------------------------------

// Op is a mutation together with the revision of the document the local cache
// held when the mutation was applied (0 if the document did not exist).
type Op struct {
	model.Mutation
	BaseRevision uint64
}

// Batch is the unit of persistence: all operations of one transaction.
type Batch struct {
	ID          string    // transaction id
	Timestamp   time.Time // time the transaction was started
	Ops         []Op      // operations in submission order
	Collections []string  // collections touched by Ops, sorted
	// Read returns the current content of a collection in the local cache.
	// Whole-collection adapters read the cache at publish time, so a blob always
	// contains every local change made so far.
	Read func(collection string) []model.Document
}

// Receipt is returned by a successful persist.
type Receipt struct {
	// Revisions holds the metadata the backend assigned to every written document.
	// Adapters without per-document metadata leave it empty.
	Revisions map[model.Key]model.Meta
}

// --------------------------------------------------------------------------
// Adapter Interface
// --------------------------------------------------------------------------

// Adapter is a backend specific driver that keeps the local cache in sync with a
// remote store. Exactly one adapter is responsible for all collections of a store.
type Adapter interface {
	// Name returns a short name used in logs and metrics.
	Name() string
	// Consistency returns the consistency model of the backend.
	Consistency() Consistency
	// State returns the current lifecycle state.
	State() State
	// Bootstrap fetches the current content of a collection.
	// An unknown or empty collection yields an empty list, never an error.
	Bootstrap(ctx context.Context, collection string) ([]model.Record, error)
	// StreamChanges registers fn for remote changes of a collection until stop is called.
	// stop is idempotent.
	StreamChanges(collection string, fn ChangeFunc) (stop func())
	// Persist replicates a batch. It returns at the latest when ctx is done.
	// Errors are of type *Error.
	Persist(ctx context.Context, b Batch) (Receipt, error)
	// Close stops all background work. The adapter ends in state Disconnected.
	Close() error
}

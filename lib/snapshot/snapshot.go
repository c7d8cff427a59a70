package snapshot

import (
	"encoding/json"

	"github.com/ValentinKolb/dSync/lib/cache"
	"github.com/ValentinKolb/dSync/lib/model"
)

// DocRef is one document of a snapshot.
type DocRef struct {
	id   string
	data model.Document
}

// ID returns the id of the document.
func (d DocRef) ID() string {
	return d.id
}

// Data returns the fields of the document as they were when the snapshot was built.
// Every call returns a fresh copy, callers may modify it.
func (d DocRef) Data() model.Document {
	return d.data.Clone()
}

// Snapshot is a point in time rendering of a collection.
// It is immutable and can be shared between subscribers.
type Snapshot struct {
	Collection string
	Version    uint64
	Docs       []DocRef
}

// Len returns the number of documents.
func (s Snapshot) Len() int {
	return len(s.Docs)
}

// Empty reports whether the snapshot contains no documents.
func (s Snapshot) Empty() bool {
	return len(s.Docs) == 0
}

// Documents returns copies of all documents in snapshot order.
func (s Snapshot) Documents() []model.Document {
	docs := make([]model.Document, len(s.Docs))
	for i, d := range s.Docs {
		docs[i] = d.Data()
	}
	return docs
}

// SameContent reports whether both snapshots hold the same documents in the same order.
func (s Snapshot) SameContent(other Snapshot) bool {
	if s.Collection != other.Collection || len(s.Docs) != len(other.Docs) {
		return false
	}
	for i := range s.Docs {
		if s.Docs[i].id != other.Docs[i].id || !model.Equal(s.Docs[i].data, other.Docs[i].data) {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the snapshot as {"collection", "version", "docs": [...]}.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	docs := make([]model.Document, len(s.Docs))
	for i, d := range s.Docs {
		docs[i] = d.data
	}
	return json.Marshal(struct {
		Collection string           `json:"collection"`
		Version    uint64           `json:"version"`
		Docs       []model.Document `json:"docs"`
	}{s.Collection, s.Version, docs})
}

// --------------------------------------------------------------------------
// Builder
// --------------------------------------------------------------------------

// Builder renders snapshots from the cache. Building never touches the network.
type Builder struct {
	cache *cache.Cache
}

// NewBuilder creates a builder for the given cache.
func NewBuilder(c *cache.Cache) *Builder {
	return &Builder{cache: c}
}

// Build returns the current snapshot of a collection.
func (b *Builder) Build(collection string) Snapshot {
	return FromView(b.cache.View(collection))
}

// FromView converts a cache view into a snapshot. The view must not be used afterwards.
func FromView(v cache.View) Snapshot {
	s := Snapshot{
		Collection: v.Collection,
		Version:    v.Version,
		Docs:       make([]DocRef, len(v.Records)),
	}
	for i, r := range v.Records {
		s.Docs[i] = DocRef{id: r.Doc.ID(), data: r.Doc}
	}
	return s
}

// New builds a snapshot from documents. It is used by clients that receive
// snapshots over the wire. The documents are copied.
func New(collection string, version uint64, docs []model.Document) Snapshot {
	s := Snapshot{Collection: collection, Version: version, Docs: make([]DocRef, len(docs))}
	for i, d := range docs {
		s.Docs[i] = DocRef{id: d.ID(), data: d.Clone()}
	}
	return s
}

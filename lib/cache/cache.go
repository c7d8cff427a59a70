package cache

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("cache")

// entry is a single cached document
type entry struct {
	doc  model.Document
	meta model.Meta
	seq  uint64 // local write sequence of the last write to this entry
}

// collection holds the documents of one collection in insertion order.
// All fields are guarded by mu.
type collection struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]*entry
	version uint64
}

func newCollection() *collection {
	return &collection{entries: make(map[string]*entry)}
}

// Cache is the in-process mirror of all collections.
// Writes to one collection are serialized by a per-collection lock, reads see a
// consistent state of the collection at the granularity of one write.
type Cache struct {
	collections *xsync.MapOf[string, *collection]
	seq         atomic.Uint64
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{collections: xsync.NewMapOf[string, *collection]()}
}

// View is a point in time copy of a collection.
type View struct {
	Collection string
	Version    uint64
	Records    []model.Record
}

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

// Read returns a copy of all documents of a collection in insertion order.
// An unknown collection yields an empty (non nil) list.
func (c *Cache) Read(name string) []model.Document {
	return model.Docs(c.View(name).Records)
}

// View returns a consistent copy of a collection together with its version.
func (c *Cache) View(name string) View {
	v := View{Collection: name, Records: []model.Record{}}
	coll, ok := c.collections.Load(name)
	if !ok {
		return v
	}
	coll.mu.RLock()
	defer coll.mu.RUnlock()

	v.Version = coll.version
	v.Records = make([]model.Record, 0, len(coll.order))
	for _, id := range coll.order {
		e := coll.entries[id]
		v.Records = append(v.Records, model.Record{Doc: e.doc.Clone(), Meta: e.meta})
	}
	return v
}

// Get returns a copy of a single document.
func (c *Cache) Get(name, id string) (model.Record, bool) {
	coll, ok := c.collections.Load(name)
	if !ok {
		return model.Record{}, false
	}
	coll.mu.RLock()
	defer coll.mu.RUnlock()
	e, ok := coll.entries[id]
	if !ok {
		return model.Record{}, false
	}
	return model.Record{Doc: e.doc.Clone(), Meta: e.meta}, true
}

// Version returns the version of a collection. It increases with every visible change.
func (c *Cache) Version(name string) uint64 {
	coll, ok := c.collections.Load(name)
	if !ok {
		return 0
	}
	coll.mu.RLock()
	defer coll.mu.RUnlock()
	return coll.version
}

// Len returns the number of documents in a collection.
func (c *Cache) Len(name string) int {
	coll, ok := c.collections.Load(name)
	if !ok {
		return 0
	}
	coll.mu.RLock()
	defer coll.mu.RUnlock()
	return len(coll.order)
}

// Collections returns the names of all collections that were ever written, sorted.
func (c *Cache) Collections() []string {
	var names []string
	c.collections.Range(func(name string, _ *collection) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// --------------------------------------------------------------------------
// Local writes
// --------------------------------------------------------------------------

// Apply applies a single mutation and reports whether the collection changed visibly.
// Set upserts, Update merges into an existing document and is a no-op for absent ids,
// Delete is idempotent. The mutation is expected to be normalized.
func (c *Cache) Apply(name string, m model.Mutation) bool {
	coll := c.collection(name)
	coll.mu.Lock()
	defer coll.mu.Unlock()
	changed, _ := c.applyLocked(coll, m)
	return changed
}

// applyLocked applies m to coll and returns whether the collection changed visibly
// and the sequence number of the write (0 if nothing was written).
func (c *Cache) applyLocked(coll *collection, m model.Mutation) (changed bool, seq uint64) {
	current, exists := coll.entries[m.ID]

	switch m.Type {
	case model.OpSet:
		if exists && model.Equal(current.doc, m.Data) {
			return false, 0
		}
		seq = c.seq.Add(1)
		if exists {
			current.doc = m.Data.Clone()
			current.seq = seq
		} else {
			coll.order = append(coll.order, m.ID)
			coll.entries[m.ID] = &entry{doc: m.Data.Clone(), seq: seq}
		}
	case model.OpUpdate:
		if !exists {
			log.Debugf("update of absent document %s:%s ignored", m.Collection, m.ID)
			return false, 0
		}
		merged := current.doc.Merge(m.Data)
		if model.Equal(current.doc, merged) {
			return false, 0
		}
		seq = c.seq.Add(1)
		current.doc = merged.Clone()
		current.seq = seq
	case model.OpDelete:
		if !exists {
			return false, 0
		}
		seq = c.seq.Add(1)
		coll.remove(m.ID)
	default:
		return false, 0
	}

	coll.version++
	return true, seq
}

// remove deletes id from the collection. Must be called with the write lock held.
func (coll *collection) remove(id string) {
	delete(coll.entries, id)
	for i, v := range coll.order {
		if v == id {
			coll.order = append(coll.order[:i], coll.order[i+1:]...)
			return
		}
	}
}

// collection returns the collection with the given name, creating it if needed.
func (c *Cache) collection(name string) *collection {
	coll, _ := c.collections.LoadOrCompute(name, newCollection)
	return coll
}

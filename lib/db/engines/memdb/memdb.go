package memdb

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/puzpuzpuz/xsync/v3"
)

// collection holds the documents of one collection in insertion order
type collection struct {
	order []string
	docs  map[string]model.Record
}

func newCollection() *collection {
	return &collection{docs: make(map[string]model.Record)}
}

// memImpl implements db.DocDB in memory
type memImpl struct {
	mu          sync.RWMutex // commit lock, see package docs
	collections *xsync.MapOf[string, *collection]
	names       []string // collection names in creation order
	writeIdx    atomic.Uint64
}

// NewMemDB creates a new empty in-memory document database.
func NewMemDB() db.DocDB {
	return &memImpl{
		collections: xsync.NewMapOf[string, *collection](),
	}
}

// --------------------------------------------------------------------------
// Write Operations
// --------------------------------------------------------------------------

func (m *memImpl) Commit(c db.Commit, writeIndex uint64) (db.CommitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// validate all preconditions before touching anything
	err := db.CheckBase(c, func(name, id string) (uint64, error) {
		coll, ok := m.collections.Load(name)
		if !ok {
			return 0, nil
		}
		return coll.docs[id].Meta.Revision, nil
	})
	if err != nil {
		return db.CommitResult{}, err
	}

	m.setWriteIdx(writeIndex)
	result := db.CommitResult{Index: writeIndex}

	for _, op := range c.Ops {
		coll := m.collection(op.Collection)
		current, exists := coll.docs[op.ID]

		next, nextExists, changed := db.ApplyOp(op, current, exists, writeIndex, c.Timestamp)
		if !changed {
			continue
		}

		if nextExists {
			if !exists {
				coll.order = append(coll.order, op.ID)
			}
			coll.docs[op.ID] = next
			result.Events = append(result.Events, db.Event{Type: db.EventTUpsert, Collection: op.Collection, ID: op.ID, Record: model.Record{Doc: next.Doc.Clone(), Meta: next.Meta}})
		} else {
			delete(coll.docs, op.ID)
			coll.order = removeID(coll.order, op.ID)
			result.Events = append(result.Events, db.Event{Type: db.EventTDelete, Collection: op.Collection, ID: op.ID})
		}
	}

	return result, nil
}

// collection returns the collection with the given name, creating it if needed.
// Must be called with the write lock held.
func (m *memImpl) collection(name string) *collection {
	coll, loaded := m.collections.LoadOrCompute(name, newCollection)
	if !loaded {
		m.names = append(m.names, name)
	}
	return coll
}

func (m *memImpl) setWriteIdx(index uint64) {
	for {
		curr := m.writeIdx.Load()
		if index <= curr || m.writeIdx.CompareAndSwap(curr, index) {
			return
		}
	}
}

func removeID(order []string, id string) []string {
	for i, v := range order {
		if v == id {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}

// --------------------------------------------------------------------------
// Query Operations
// --------------------------------------------------------------------------

func (m *memImpl) List(name string) ([]model.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	coll, ok := m.collections.Load(name)
	if !ok {
		return []model.Record{}, nil
	}
	records := make([]model.Record, 0, len(coll.order))
	for _, id := range coll.order {
		r := coll.docs[id]
		records = append(records, model.Record{Doc: r.Doc.Clone(), Meta: r.Meta})
	}
	return records, nil
}

func (m *memImpl) Get(name, id string) (model.Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	coll, ok := m.collections.Load(name)
	if !ok {
		return model.Record{}, false, nil
	}
	r, ok := coll.docs[id]
	if !ok {
		return model.Record{}, false, nil
	}
	return model.Record{Doc: r.Doc.Clone(), Meta: r.Meta}, true, nil
}

// --------------------------------------------------------------------------
// Persistence Operations
// --------------------------------------------------------------------------

func (m *memImpl) Save(w io.Writer) error {
	m.mu.RLock()
	dump := db.Dump{
		WriteIdx:    m.writeIdx.Load(),
		Order:       append([]string(nil), m.names...),
		Collections: make(map[string][]model.Record, len(m.names)),
	}
	for _, name := range m.names {
		coll, _ := m.collections.Load(name)
		records := make([]model.Record, 0, len(coll.order))
		for _, id := range coll.order {
			records = append(records, coll.docs[id])
		}
		dump.Collections[name] = records
	}
	m.mu.RUnlock()

	return db.WriteDump(w, dump)
}

func (m *memImpl) Load(r io.Reader) error {
	dump, err := db.ReadDump(r)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.collections.Clear()
	m.names = nil
	for _, name := range dump.Order {
		coll := m.collection(name)
		for _, rec := range dump.Collections[name] {
			id := rec.Doc.ID()
			if _, exists := coll.docs[id]; !exists {
				coll.order = append(coll.order, id)
			}
			coll.docs[id] = rec
		}
	}
	m.writeIdx.Store(dump.WriteIdx)
	return nil
}

// --------------------------------------------------------------------------
// Info and Features
// --------------------------------------------------------------------------

func (m *memImpl) SupportsFeature(feature db.Feature) bool {
	supported := db.FeatureCommit | db.FeatureList | db.FeatureGet | db.FeatureSave | db.FeatureLoad
	return feature&supported == feature
}

func (m *memImpl) GetInfo() db.DatabaseInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int, len(m.names))
	for _, name := range m.names {
		coll, _ := m.collections.Load(name)
		counts[name] = len(coll.order)
	}
	return db.DatabaseInfo{
		Collections:       counts,
		WriteIdx:          m.writeIdx.Load(),
		DbType:            db.ImplMemory,
		SupportedFeatures: []db.Feature{db.FeatureCommit, db.FeatureList, db.FeatureGet, db.FeatureSave, db.FeatureLoad},
	}
}

func (m *memImpl) WriteIdx() uint64 {
	return m.writeIdx.Load()
}

func (m *memImpl) Close() error {
	return nil
}

package lstore

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/ValentinKolb/dSync/lib/store"
)

type storeImpl struct {
	mu    sync.Mutex // serializes commits and their notification
	db    db.DocDB
	index atomic.Uint64
	hub   *store.Hub
}

// NewLocalStore creates a new local store instance.
// This store implementation is not distributed and only works on a single node.
// The write index continues from the highest index the database has seen,
// so revisions stay monotonic across restarts of persistent engines.
func NewLocalStore(factory store.DBFactory) store.IStore {
	database := factory()
	s := &storeImpl{
		db:  database,
		hub: store.NewHub(),
	}
	s.index.Store(database.WriteIdx())
	return s
}

// incAndGetIndex increments the index and returns the new value.
// It is used to ensure that each commit has a unique index.
//
// Thread-safety: This method is thread-safe since it uses atomic operations.
func (s *storeImpl) incAndGetIndex() uint64 {
	return s.index.Add(1)
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Commit(ctx context.Context, c db.Commit) (db.CommitResult, error) {
	if !s.db.SupportsFeature(db.FeatureCommit) {
		return db.CommitResult{}, store.NewError(store.RetCUnsupportedOperation, "Commit operation is not supported")
	}
	if err := ctx.Err(); err != nil {
		return db.CommitResult{}, store.WrapError(store.RetCUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Commit(c, s.incAndGetIndex())
	if err != nil {
		return db.CommitResult{}, store.WrapError(store.RetCInternalError, err)
	}
	s.hub.Emit(res.Events)
	return res, nil
}

func (s *storeImpl) List(_ context.Context, collection string) ([]model.Record, error) {
	if !s.db.SupportsFeature(db.FeatureList) {
		return nil, store.NewError(store.RetCUnsupportedOperation, "List operation is not supported")
	}
	records, err := s.db.List(collection)
	if err != nil {
		return nil, store.WrapError(store.RetCInternalError, err)
	}
	return records, nil
}

func (s *storeImpl) Get(_ context.Context, collection, id string) (model.Record, bool, error) {
	if !s.db.SupportsFeature(db.FeatureGet) {
		return model.Record{}, false, store.NewError(store.RetCUnsupportedOperation, "Get operation is not supported")
	}
	rec, ok, err := s.db.Get(collection, id)
	if err != nil {
		return model.Record{}, false, store.WrapError(store.RetCInternalError, err)
	}
	return rec, ok, nil
}

func (s *storeImpl) Watch(fn store.WatchFunc) func() {
	return s.hub.Add(fn)
}

func (s *storeImpl) GetDBInfo(_ context.Context) (db.DatabaseInfo, error) {
	return s.db.GetInfo(), nil
}

func (s *storeImpl) Close() error {
	return s.db.Close()
}

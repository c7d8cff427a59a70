package lstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/db/engines/memdb"
	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/ValentinKolb/dSync/lib/store"
)

func newStore() store.IStore {
	return NewLocalStore(func() db.DocDB { return memdb.NewMemDB() })
}

func TestCommitAssignsIncreasingRevisions(t *testing.T) {
	s := newStore()
	defer s.Close()
	ctx := context.Background()

	var last uint64
	for _, id := range []string{"T1", "T2", "T3"} {
		res, err := s.Commit(ctx, db.Commit{Ops: []db.Op{
			{Type: model.OpSet, Collection: "tests", ID: id, Data: model.Document{"id": id}},
		}})
		if err != nil {
			t.Fatalf("commit %s failed: %v", id, err)
		}
		if res.Index <= last {
			t.Errorf("expected index > %d, got %d", last, res.Index)
		}
		last = res.Index
	}

	records, err := s.List(ctx, "tests")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
}

func TestConflictIsTypedError(t *testing.T) {
	s := newStore()
	defer s.Close()
	ctx := context.Background()

	if _, err := s.Commit(ctx, db.Commit{Ops: []db.Op{
		{Type: model.OpSet, Collection: "users", ID: "U1", Data: model.Document{"id": "U1"}},
	}}); err != nil {
		t.Fatal(err)
	}

	_, err := s.Commit(ctx, db.Commit{Ops: []db.Op{
		{Type: model.OpDelete, Collection: "users", ID: "U1", BaseRevision: 99},
	}})
	if store.CodeOf(err) != store.RetCConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	var conflict *db.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected error to unwrap to *db.ConflictError, got %T", err)
	}
}

func TestWatchReceivesCommitsInOrder(t *testing.T) {
	s := newStore()
	defer s.Close()
	ctx := context.Background()

	var (
		mu     sync.Mutex
		events []db.Event
	)
	cancel := s.Watch(func(ev []db.Event) {
		mu.Lock()
		events = append(events, ev...)
		mu.Unlock()
	})

	s.Commit(ctx, db.Commit{Ops: []db.Op{{Type: model.OpSet, Collection: "orders", ID: "O1", Data: model.Document{"id": "O1"}}}})
	s.Commit(ctx, db.Commit{Ops: []db.Op{{Type: model.OpDelete, Collection: "orders", ID: "O1", BaseRevision: 1}}})
	cancel()
	cancel() // idempotent
	s.Commit(ctx, db.Commit{Ops: []db.Op{{Type: model.OpSet, Collection: "orders", ID: "O2", Data: model.Document{"id": "O2"}}}})

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("expected 2 events before cancel, got %d", len(events))
	}
	if events[0].Type != db.EventTUpsert || events[1].Type != db.EventTDelete {
		t.Errorf("unexpected event order: %v, %v", events[0].Type, events[1].Type)
	}
	if events[0].Record.Meta.Revision != 1 {
		t.Errorf("expected revision 1, got %d", events[0].Record.Meta.Revision)
	}
}

func TestCanceledContextIsUnavailable(t *testing.T) {
	s := newStore()
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Commit(ctx, db.Commit{Ops: []db.Op{{Type: model.OpSet, Collection: "a", ID: "1", Data: model.Document{"id": "1"}}}})
	if store.CodeOf(err) != store.RetCUnavailable {
		t.Fatalf("expected RetCUnavailable, got %v", err)
	}
}

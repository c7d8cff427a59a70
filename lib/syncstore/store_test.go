package syncstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/db/engines/memdb"
	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/ValentinKolb/dSync/lib/replication"
	"github.com/ValentinKolb/dSync/lib/replication/gossip"
	"github.com/ValentinKolb/dSync/lib/replication/transactional"
	"github.com/ValentinKolb/dSync/lib/snapshot"
	"github.com/ValentinKolb/dSync/lib/store"
	"github.com/ValentinKolb/dSync/lib/store/lstore"
	"github.com/ValentinKolb/dSync/lib/txn"
)

func newBackend() store.IStore {
	return lstore.NewLocalStore(func() db.DocDB { return memdb.NewMemDB() })
}

func startStore(t *testing.T, a replication.Adapter) *Store {
	t.Helper()
	s := New(a, Options{Timeout: time.Second})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// snapshots records delivered snapshots.
type snapshots struct {
	mu  sync.Mutex
	all []snapshot.Snapshot
}

func (s *snapshots) add(snap snapshot.Snapshot) {
	s.mu.Lock()
	s.all = append(s.all, snap)
	s.mu.Unlock()
}

func (s *snapshots) list() []snapshot.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]snapshot.Snapshot(nil), s.all...)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func ids(docs []model.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID()
	}
	return out
}

// --------------------------------------------------------------------------
// Cache properties through the store
// --------------------------------------------------------------------------

func TestSetIsIdempotentUpsert(t *testing.T) {
	s := startStore(t, transactional.New(newBackend(), transactional.Options{}))
	ctx := context.Background()
	doc := model.Document{"id": "T1", "name": "CBC"}

	for i := 0; i < 2; i++ {
		if _, err := s.Apply(ctx, model.Set("tests", doc)); err != nil {
			t.Fatal(err)
		}
	}
	docs := s.Get("tests")
	if len(docs) != 1 || !model.Equal(docs[0], doc) {
		t.Errorf("expected exactly %v, got %v", doc, docs)
	}
}

func TestUpdateOfAbsentDocumentIsNoop(t *testing.T) {
	s := startStore(t, transactional.New(newBackend(), transactional.Options{}))
	ctx := context.Background()
	if _, err := s.Apply(ctx, model.Set("users", model.Document{"id": "U1"})); err != nil {
		t.Fatal(err)
	}
	before := s.Get("users")

	if _, err := s.Apply(ctx, model.Update("users", "ghost", map[string]any{"x": 1})); err != nil {
		t.Fatal(err)
	}
	after := s.Get("users")
	if len(before) != len(after) || !model.Equal(before[0], after[0]) {
		t.Errorf("update of an absent id changed the collection: %v", after)
	}
}

func TestDeleteTwice(t *testing.T) {
	s := startStore(t, transactional.New(newBackend(), transactional.Options{}))
	ctx := context.Background()
	if _, err := s.Apply(ctx, model.Set("orders", model.Document{"id": "O1"})); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := s.Apply(ctx, model.Delete("orders", "O1")); err != nil {
			t.Fatalf("delete %d failed: %v", i, err)
		}
	}
	if _, ok := s.Doc("orders", "O1"); ok {
		t.Errorf("document still present")
	}
}

func TestUnknownCollectionIsRejected(t *testing.T) {
	s := startStore(t, transactional.New(newBackend(), transactional.Options{}))
	_, err := s.Apply(context.Background(), model.Set("invoices", model.Document{"id": "I1"}))
	if replication.CodeOf(err) != replication.ErrInvalid {
		t.Errorf("expected invalid error, got %v", err)
	}
	if got := s.Get("invoices"); got == nil || len(got) != 0 {
		t.Errorf("reading an unknown collection must yield an empty list, got %v", got)
	}
}

func TestUnknownCollectionIsRejectedForEveryEntryPoint(t *testing.T) {
	s := startStore(t, transactional.New(newBackend(), transactional.Options{}))
	ctx := context.Background()

	_, err := s.RunTransaction(ctx, func(tx *txn.Tx) error {
		tx.Set("users", model.Document{"id": "U1"})
		tx.Set("invoices", model.Document{"id": "I1"})
		return nil
	})
	if replication.CodeOf(err) != replication.ErrInvalid {
		t.Errorf("transaction: expected invalid error, got %v", err)
	}
	if _, ok := s.Doc("users", "U1"); ok {
		t.Errorf("transaction: rejected transaction left U1 in the cache")
	}

	_, err = s.Execute(ctx, txn.Descriptor{OperationType: "set", CollectionName: "invoices", DocumentID: "I1"})
	if replication.CodeOf(err) != replication.ErrInvalid {
		t.Errorf("descriptor: expected invalid error, got %v", err)
	}
}

// --------------------------------------------------------------------------
// Subscriptions
// --------------------------------------------------------------------------

func TestSubscriberSeesEmptyThenDocument(t *testing.T) {
	s := startStore(t, transactional.New(newBackend(), transactional.Options{}))

	var got snapshots
	defer s.Subscribe("tests", got.add)()
	if n := len(got.list()); n != 1 {
		t.Fatalf("expected the initial snapshot before Subscribe returned, got %d", n)
	}

	if _, err := s.Execute(context.Background(), txn.Descriptor{
		OperationType:  "set",
		CollectionName: "tests",
		Data:           map[string]any{"id": "T001", "name": "CBC", "mrp": 350},
	}); err != nil {
		t.Fatal(err)
	}

	eventually(t, "second snapshot", func() bool { return len(got.list()) >= 2 })
	time.Sleep(20 * time.Millisecond)

	list := got.list()
	if len(list) != 2 {
		t.Fatalf("expected exactly two snapshots, got %d", len(list))
	}
	if !list[0].Empty() {
		t.Errorf("first snapshot must be empty")
	}
	want := model.Document{"id": "T001", "name": "CBC", "mrp": 350.0}
	if list[1].Len() != 1 || list[1].Docs[0].ID() != "T001" || !model.Equal(list[1].Docs[0].Data(), want) {
		t.Errorf("unexpected second snapshot %v", list[1].Documents())
	}
}

func TestNoDeliveryAfterUnsubscribe(t *testing.T) {
	s := startStore(t, transactional.New(newBackend(), transactional.Options{}))
	var got snapshots
	unsub := s.Subscribe("orders", got.add)
	unsub()

	for i := 0; i < 5; i++ {
		if _, err := s.Apply(context.Background(), model.Set("orders", model.Document{"id": "O1", "n": i})); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(30 * time.Millisecond)
	if n := len(got.list()); n != 1 {
		t.Errorf("expected only the initial snapshot, got %d", n)
	}
}

func TestRemoteChangesReachSubscribers(t *testing.T) {
	backend := newBackend()
	a := startStore(t, transactional.New(backend, transactional.Options{}))
	b := startStore(t, transactional.New(backend, transactional.Options{}))

	var got snapshots
	defer b.Subscribe("users", got.add)()

	if _, err := a.RunTransaction(context.Background(), func(tx *txn.Tx) error {
		tx.Set("users", model.Document{"id": "U1", "name": "alice"})
		tx.Ref("users:U2").Set(model.Document{"name": "bob"})
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	eventually(t, "remote users on b", func() bool { return len(b.Get("users")) == 2 })
	eventually(t, "snapshot with both users", func() bool {
		list := got.list()
		return list[len(list)-1].Len() == 2
	})
}

// --------------------------------------------------------------------------
// Scenarios
// --------------------------------------------------------------------------

// gated delays the watch events of one client, so its cache lags behind the backend.
type gated struct {
	store.IStore
	mu      sync.Mutex
	closed  bool
	pending [][]db.Event
	fn      store.WatchFunc
}

func (g *gated) Watch(fn store.WatchFunc) func() {
	g.mu.Lock()
	g.fn = fn
	g.mu.Unlock()
	return g.IStore.Watch(func(events []db.Event) {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.closed {
			g.pending = append(g.pending, events)
			return
		}
		fn(events)
	})
}

func (g *gated) hold() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

func (g *gated) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = false
	for _, events := range g.pending {
		g.fn(events)
	}
	g.pending = nil
}

func TestConcurrentTransactionsOnSameDocument(t *testing.T) {
	backend := newBackend()
	ctx := context.Background()

	alice := startStore(t, transactional.New(backend, transactional.Options{}))
	bobBackend := &gated{IStore: backend}
	bob := startStore(t, transactional.New(bobBackend, transactional.Options{}))

	if _, err := alice.Apply(ctx, model.Set("users", model.Document{"id": "U1", "name": "initial"})); err != nil {
		t.Fatal(err)
	}
	eventually(t, "U1 on bob", func() bool { _, ok := bob.Doc("users", "U1"); return ok })

	// bob does not observe alice's next write before his own
	bobBackend.hold()
	if _, err := alice.Apply(ctx, model.Update("users", "U1", map[string]any{"name": "alice"})); err != nil {
		t.Fatal(err)
	}
	_, err := bob.Apply(ctx, model.Update("users", "U1", map[string]any{"name": "bob", "age": 40}))
	if !replication.IsConflict(err) {
		t.Fatalf("expected conflict for the second writer, got %v", err)
	}
	bobBackend.release()

	for name, s := range map[string]*Store{"alice": alice, "bob": bob} {
		eventually(t, "winner on "+name, func() bool {
			doc, _ := s.Doc("users", "U1")
			return doc["name"] == "alice"
		})
		doc, _ := s.Doc("users", "U1")
		if _, ok := doc["age"]; ok {
			t.Errorf("%s: loser's fields are visible: %v", name, doc)
		}
	}
}

func TestGossipConcurrentWritesLoseOneUpdate(t *testing.T) {
	hub := gossip.NewLocalHub()
	ctx := context.Background()
	a := startStore(t, gossip.New(hub.Node("client-a"), gossip.Options{RetryInterval: 10 * time.Millisecond}))
	b := startStore(t, gossip.New(hub.Node("client-b"), gossip.Options{RetryInterval: 10 * time.Millisecond}))

	hub.Hold()
	if _, err := a.Apply(ctx, model.Set("orders", model.Document{"id": "O1"})); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Apply(ctx, model.Set("orders", model.Document{"id": "O2"})); err != nil {
		t.Fatal(err)
	}
	hub.Release()

	// both clients converge on one blob, the other write is lost
	eventually(t, "convergence", func() bool {
		ga, gb := ids(a.Get("orders")), ids(b.Get("orders"))
		return len(ga) == 1 && len(gb) == 1 && ga[0] == gb[0]
	})
	survivor := ids(a.Get("orders"))[0]
	if survivor != "O1" && survivor != "O2" {
		t.Errorf("unexpected survivor %s", survivor)
	}
}

func TestGossipOfflineWriteIsKept(t *testing.T) {
	hub := gossip.NewLocalHub()
	a := startStore(t, gossip.New(hub.Node("client-a"), gossip.Options{RetryInterval: 10 * time.Millisecond}))
	b := startStore(t, gossip.New(hub.Node("client-b"), gossip.Options{RetryInterval: 10 * time.Millisecond}))

	hub.Partition("client-a", true)
	_, err := a.Apply(context.Background(), model.Set("tests", model.Document{"id": "T1"}))
	if !replication.IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if _, ok := a.Doc("tests", "T1"); !ok {
		t.Fatalf("offline write must stay in the local cache")
	}

	hub.Partition("client-a", false)
	eventually(t, "republished write on b", func() bool { _, ok := b.Doc("tests", "T1"); return ok })
	eventually(t, "a synced", func() bool { return a.State() == replication.Synced })
}

func TestSeedIfEmpty(t *testing.T) {
	backend := newBackend()
	s := startStore(t, transactional.New(backend, transactional.Options{}))
	ctx := context.Background()
	if _, err := s.Apply(ctx, model.Set("users", model.Document{"id": "existing"})); err != nil {
		t.Fatal(err)
	}

	err := s.SeedIfEmpty(ctx, map[string][]model.Document{
		"users": {{"id": "admin"}},
		"tests": {{"id": "T1", "name": "CBC"}, {"id": "T2", "name": "LFT"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(s.Get("users")); len(got) != 1 || got[0] != "existing" {
		t.Errorf("non empty collection was seeded: %v", got)
	}
	if got := ids(s.Get("tests")); len(got) != 2 {
		t.Errorf("expected seeded tests, got %v", got)
	}

	records, _ := backend.List(ctx, "tests")
	if len(records) != 2 {
		t.Errorf("seed was not persisted, backend has %d tests", len(records))
	}
}

func TestBootstrapLoadsExistingState(t *testing.T) {
	backend := newBackend()
	if _, err := backend.Commit(context.Background(), db.Commit{Ops: []db.Op{
		{Type: model.OpSet, Collection: "advertisements", ID: "A1", Data: model.Document{"id": "A1"}},
	}}); err != nil {
		t.Fatal(err)
	}

	s := New(transactional.New(backend, transactional.Options{}), Options{})
	var got snapshots
	defer s.Subscribe("advertisements", got.add)()
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	eventually(t, "bootstrap snapshot", func() bool {
		list := got.list()
		return list[len(list)-1].Len() == 1
	})
	if s.State() != replication.Synced {
		t.Errorf("expected synced, got %s", s.State())
	}
}

func TestClosedStoreRejectsTransactions(t *testing.T) {
	s := New(transactional.New(newBackend(), transactional.Options{}), Options{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	_, err := s.Apply(context.Background(), model.Set("users", model.Document{"id": "U1"}))
	if replication.CodeOf(err) != replication.ErrClosed {
		t.Errorf("expected closed error, got %v", err)
	}
}

// unreachable fails every read while down is set.
type unreachable struct {
	store.IStore
	down atomic.Bool
}

var errUnavailable = store.NewError(store.RetCUnavailable, "backend down")

func (u *unreachable) List(ctx context.Context, collection string) ([]model.Record, error) {
	if u.down.Load() {
		return nil, errUnavailable
	}
	return u.IStore.List(ctx, collection)
}

func (u *unreachable) GetDBInfo(ctx context.Context) (db.DatabaseInfo, error) {
	if u.down.Load() {
		return db.DatabaseInfo{}, errUnavailable
	}
	return u.IStore.GetDBInfo(ctx)
}

func TestStartWhileBackendDown(t *testing.T) {
	inner := newBackend()
	if _, err := inner.Commit(context.Background(), db.Commit{Ops: []db.Op{
		{Type: model.OpSet, Collection: "advertisements", ID: "A1", Data: model.Document{"id": "A1"}},
	}}); err != nil {
		t.Fatal(err)
	}
	backend := &unreachable{IStore: inner}
	backend.down.Store(true)

	s := startStore(t, transactional.New(backend, transactional.Options{RetryInterval: 20 * time.Millisecond}))
	var got snapshots
	defer s.Subscribe("advertisements", got.add)()
	if len(s.Get("advertisements")) != 0 {
		t.Errorf("expected an empty collection while the backend is down")
	}

	time.Sleep(200 * time.Millisecond)
	if s.State() == replication.Disconnected {
		t.Fatalf("adapter gave up while the backend was down")
	}
	backend.down.Store(false)

	eventually(t, "A1 after reconnect", func() bool { _, ok := s.Doc("advertisements", "A1"); return ok })
	eventually(t, "synced", func() bool { return s.State() == replication.Synced })
	eventually(t, "snapshot with A1", func() bool {
		list := got.list()
		return list[len(list)-1].Len() == 1
	})
}

// stalled holds every commit until release is closed and then rejects it.
type stalled struct {
	store.IStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *stalled) Commit(ctx context.Context, c db.Commit) (db.CommitResult, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return db.CommitResult{}, store.NewError(store.RetCConflict, "document changed")
}

func TestSubscriberJoiningDuringPersistSeesRollback(t *testing.T) {
	inner := newBackend()
	if _, err := inner.Commit(context.Background(), db.Commit{Ops: []db.Op{
		{Type: model.OpSet, Collection: "users", ID: "U1", Data: model.Document{"id": "U1", "name": "a"}},
	}}); err != nil {
		t.Fatal(err)
	}
	backend := &stalled{IStore: inner, entered: make(chan struct{}), release: make(chan struct{})}
	s := startStore(t, transactional.New(backend, transactional.Options{}))

	errc := make(chan error, 1)
	go func() {
		_, err := s.Apply(context.Background(), model.Update("users", "U1", map[string]any{"name": "b"}))
		errc <- err
	}()
	<-backend.entered

	var got snapshots
	defer s.Subscribe("users", got.add)()
	if initial := got.list()[0]; initial.Docs[0].Data()["name"] != "b" {
		t.Fatalf("expected the optimistic state in the initial snapshot, got %v", initial.Documents())
	}

	close(backend.release)
	if err := <-errc; !replication.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	eventually(t, "rolled back snapshot", func() bool {
		list := got.list()
		return list[len(list)-1].Docs[0].Data()["name"] == "a"
	})
	doc, _ := s.Doc("users", "U1")
	if doc["name"] != "a" {
		t.Errorf("expected rolled back document, got %v", doc)
	}
}

package gossip

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/lib/cache"
	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/ValentinKolb/dSync/lib/replication"
	"github.com/ValentinKolb/dSync/lib/serializer"
)

// testNode is a gossip adapter with a cache that mirrors its changes.
type testNode struct {
	t     *testing.T
	name  string
	a     *Adapter
	cache *cache.Cache
}

func newTestNode(t *testing.T, net Network, opts Options, collections ...string) *testNode {
	t.Helper()
	if opts.RetryInterval == 0 {
		opts.RetryInterval = 20 * time.Millisecond
	}
	n := &testNode{t: t, name: net.LocalNode(), a: New(net, opts), cache: cache.New()}
	t.Cleanup(func() { _ = n.a.Close() })

	for _, coll := range collections {
		n.a.StreamChanges(coll, n.apply)
		records, err := n.a.Bootstrap(context.Background(), coll)
		if err != nil {
			t.Fatalf("bootstrap of %s failed: %v", coll, err)
		}
		n.cache.Replace(coll, records)
	}
	return n
}

func (n *testNode) apply(ch replication.Change) {
	apply := func() { n.cache.Replace(ch.Collection, ch.Records) }
	if ch.Guard != nil {
		ch.Guard(apply)
	} else {
		apply()
	}
}

func (n *testNode) set(coll string, doc model.Document) error {
	n.cache.Apply(coll, model.Set(coll, doc))
	_, err := n.a.Persist(context.Background(), replication.Batch{
		ID:          "test",
		Timestamp:   time.Now(),
		Collections: []string{coll},
		Read:        n.cache.Read,
	})
	return err
}

func (n *testNode) ids(coll string) []string {
	var ids []string
	for _, d := range n.cache.Read(coll) {
		ids = append(ids, d.ID())
	}
	return ids
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestBootstrapUnknownCollectionIsEmpty(t *testing.T) {
	hub := NewLocalHub()
	n := newTestNode(t, hub.Node("node-a"), Options{})

	records, err := n.a.Bootstrap(context.Background(), "orders")
	if err != nil {
		t.Fatal(err)
	}
	if records == nil || len(records) != 0 {
		t.Errorf("expected empty non nil list, got %v", records)
	}
	if n.a.State() != replication.Synced {
		t.Errorf("expected state synced, got %s", n.a.State())
	}
	if n.a.Consistency() != replication.Eventual {
		t.Errorf("gossip must be eventually consistent")
	}
}

func TestPersistReplicatesWholeCollection(t *testing.T) {
	hub := NewLocalHub()
	a := newTestNode(t, hub.Node("node-a"), Options{}, "orders")
	b := newTestNode(t, hub.Node("node-b"), Options{}, "orders")

	if err := a.set("orders", model.Document{"id": "O1", "total": 10.0}); err != nil {
		t.Fatal(err)
	}
	if err := a.set("orders", model.Document{"id": "O2", "total": 20.0}); err != nil {
		t.Fatal(err)
	}

	if got := b.ids("orders"); !equalIDs(got, []string{"O1", "O2"}) {
		t.Errorf("expected [O1 O2] on node b, got %v", got)
	}
	rec, _ := b.cache.Get("orders", "O2")
	if rec.Doc["total"] != 20.0 {
		t.Errorf("unexpected document %v", rec.Doc)
	}
}

func TestSequentialWritesOfDifferentDocumentsSurvive(t *testing.T) {
	hub := NewLocalHub()
	a := newTestNode(t, hub.Node("node-a"), Options{}, "orders")
	b := newTestNode(t, hub.Node("node-b"), Options{}, "orders")

	if err := a.set("orders", model.Document{"id": "O1"}); err != nil {
		t.Fatal(err)
	}
	// b has observed a's blob before writing
	if err := b.set("orders", model.Document{"id": "O2"}); err != nil {
		t.Fatal(err)
	}

	for _, n := range []*testNode{a, b} {
		if got := n.ids("orders"); !equalIDs(got, []string{"O1", "O2"}) {
			t.Errorf("%s: expected [O1 O2], got %v", n.name, got)
		}
	}
}

// Two nodes write different documents of the same collection without seeing each
// other's write. Whole collection replication keeps only one of them.
func TestConcurrentWritesLoseOneUpdate(t *testing.T) {
	hub := NewLocalHub()
	a := newTestNode(t, hub.Node("node-a"), Options{}, "orders")
	b := newTestNode(t, hub.Node("node-b"), Options{}, "orders")

	hub.Hold()
	if err := a.set("orders", model.Document{"id": "O1"}); err != nil {
		t.Fatal(err)
	}
	if err := b.set("orders", model.Document{"id": "O2"}); err != nil {
		t.Fatal(err)
	}
	hub.Release()

	idsA, idsB := a.ids("orders"), b.ids("orders")
	if !equalIDs(idsA, idsB) {
		t.Fatalf("nodes did not converge: %v vs %v", idsA, idsB)
	}
	if len(idsA) != 1 {
		t.Fatalf("expected exactly one surviving document, got %v", idsA)
	}
	// equal versions, the larger origin wins
	if idsA[0] != "O2" {
		t.Errorf("expected the blob of node-b to win, got %v", idsA)
	}
}

func TestJoiningNodePullsState(t *testing.T) {
	hub := NewLocalHub()
	a := newTestNode(t, hub.Node("node-a"), Options{}, "tests")
	if err := a.set("tests", model.Document{"id": "T001", "name": "CBC", "mrp": 350.0}); err != nil {
		t.Fatal(err)
	}

	c := newTestNode(t, hub.Node("node-c"), Options{}, "tests")
	rec, ok := c.cache.Get("tests", "T001")
	if !ok || rec.Doc["name"] != "CBC" {
		t.Errorf("joining node did not receive the state: %v", c.cache.Read("tests"))
	}
}

func TestMalformedBlobsAreRecovered(t *testing.T) {
	hub := NewLocalHub()
	a := newTestNode(t, hub.Node("node-a"), Options{}, "orders")
	if err := a.set("orders", model.Document{"id": "O1"}); err != nil {
		t.Fatal(err)
	}

	rogue := hub.Node("rogue")
	if err := rogue.Start(nopHandler{}); err != nil {
		t.Fatal(err)
	}
	send := func(raw []byte) {
		if err := rogue.Broadcast(context.Background(), "orders", raw); err != nil {
			t.Fatal(err)
		}
	}
	blob := func(version uint64, data string) []byte {
		raw, _ := json.Marshal(Blob{Collection: "orders", Version: version, Origin: "rogue", Data: json.RawMessage(data)})
		return raw
	}

	// undecodable envelope is dropped
	send([]byte("{not valid"))
	if got := a.ids("orders"); !equalIDs(got, []string{"O1"}) {
		t.Fatalf("undecodable message changed the cache: %v", got)
	}

	// foreign shaped elements are skipped
	send(blob(10, `[1, "x", {"noid": true}, {"id": 5}, {"id": "O7", "total": 1}]`))
	if got := a.ids("orders"); !equalIDs(got, []string{"O7"}) {
		t.Fatalf("expected only O7, got %v", got)
	}

	// a payload that is not an array empties the collection
	send(blob(11, `{"id": "O8"}`))
	if got := a.cache.Read("orders"); len(got) != 0 {
		t.Fatalf("expected empty collection, got %v", got)
	}

	// the node keeps working
	if err := a.set("orders", model.Document{"id": "O9"}); err != nil {
		t.Fatal(err)
	}
	if got := a.ids("orders"); !equalIDs(got, []string{"O9"}) {
		t.Errorf("expected [O9], got %v", got)
	}
}

func TestPartitionKeepsLocalStateAndRepublishes(t *testing.T) {
	hub := NewLocalHub()
	a := newTestNode(t, hub.Node("node-a"), Options{}, "orders")
	b := newTestNode(t, hub.Node("node-b"), Options{}, "orders")

	hub.Partition("node-a", true)
	err := a.set("orders", model.Document{"id": "O1"})
	if !replication.IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if got := a.ids("orders"); !equalIDs(got, []string{"O1"}) {
		t.Errorf("local state must be kept, got %v", got)
	}
	if p := a.a.Pending(); len(p) != 1 || p[0] != "orders" {
		t.Errorf("expected orders to be pending, got %v", p)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.a.Lifecycle().Wait(ctx, replication.Reconnecting); err != nil {
		t.Fatalf("adapter did not enter reconnecting: %v", err)
	}

	hub.Partition("node-a", false)
	if err := a.a.Lifecycle().Wait(ctx, replication.Synced); err != nil {
		t.Fatalf("adapter did not recover: %v", err)
	}
	eventually(t, "republished blob on node b", func() bool {
		return equalIDs(b.ids("orders"), []string{"O1"})
	})
	if p := a.a.Pending(); len(p) != 0 {
		t.Errorf("expected nothing pending, got %v", p)
	}
}

func TestGuardDropsSupersededChange(t *testing.T) {
	hub := NewLocalHub()
	a := New(hub.Node("node-a"), Options{})
	defer a.Close()
	if _, err := a.Bootstrap(context.Background(), "orders"); err != nil {
		t.Fatal(err)
	}

	var queued []replication.Change
	a.StreamChanges("orders", func(ch replication.Change) { queued = append(queued, ch) })

	remote, _ := json.Marshal(Blob{Collection: "orders", Version: 1, Origin: "node-z", Data: json.RawMessage(`[{"id":"R1"}]`)})
	a.NotifyMsg(remote)
	if len(queued) != 1 {
		t.Fatalf("expected one change, got %d", len(queued))
	}

	// a local publish happens before the queued change is applied
	local := []model.Document{{"id": "L1"}}
	if _, err := a.Persist(context.Background(), replication.Batch{
		Collections: []string{"orders"},
		Read:        func(string) []model.Document { return local },
	}); err != nil {
		t.Fatal(err)
	}

	applied := false
	queued[0].Guard(func() { applied = true })
	if applied {
		t.Errorf("superseded change must not be applied")
	}
}

func TestStaleBlobIsIgnored(t *testing.T) {
	hub := NewLocalHub()
	a := newTestNode(t, hub.Node("node-a"), Options{}, "orders")

	newer, _ := json.Marshal(Blob{Collection: "orders", Version: 5, Origin: "x", Data: json.RawMessage(`[{"id":"N"}]`)})
	older, _ := json.Marshal(Blob{Collection: "orders", Version: 4, Origin: "y", Data: json.RawMessage(`[{"id":"O"}]`)})
	a.a.NotifyMsg(newer)
	a.a.NotifyMsg(older)

	if got := a.ids("orders"); !equalIDs(got, []string{"N"}) {
		t.Errorf("expected [N], got %v", got)
	}

	// the next local write must be newer than everything seen
	if err := a.set("orders", model.Document{"id": "L"}); err != nil {
		t.Fatal(err)
	}
	a.a.mu.Lock()
	version := a.a.blobs["orders"].Version
	a.a.mu.Unlock()
	if version != 6 {
		t.Errorf("expected lamport version 6, got %d", version)
	}
}

func TestSerializers(t *testing.T) {
	for _, name := range serializer.Names {
		t.Run(name, func(t *testing.T) {
			s, err := serializer.New(name)
			if err != nil {
				t.Fatal(err)
			}
			hub := NewLocalHub()
			a := newTestNode(t, hub.Node("node-a"), Options{Serializer: s}, "users")
			if err := a.set("users", model.Document{"id": "U1", "roles": []any{"admin"}}); err != nil {
				t.Fatal(err)
			}
			b := newTestNode(t, hub.Node("node-b"), Options{Serializer: s}, "users")
			if err := a.set("users", model.Document{"id": "U2"}); err != nil {
				t.Fatal(err)
			}
			if got := b.ids("users"); !equalIDs(got, []string{"U1", "U2"}) {
				t.Errorf("expected [U1 U2], got %v", got)
			}
		})
	}
}

func TestDecodeDocs(t *testing.T) {
	tests := []struct {
		name string
		data string
		want []string
	}{
		{"empty", ``, nil},
		{"null", `null`, nil},
		{"object", `{"id":"a"}`, nil},
		{"string", `"[]"`, nil},
		{"duplicates", `[{"id":"a","n":1},{"id":"b"},{"id":"a","n":2}]`, []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := decodeDocs("c", json.RawMessage(tt.data))
			if records == nil {
				t.Fatal("expected non nil result")
			}
			var ids []string
			for _, r := range records {
				ids = append(ids, r.Doc.ID())
			}
			if !equalIDs(ids, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, ids)
			}
		})
	}

	records := decodeDocs("c", json.RawMessage(`[{"id":"a","n":1},{"id":"a","n":2}]`))
	if records[0].Doc["n"] != 2.0 {
		t.Errorf("duplicate must keep the last fields, got %v", records[0].Doc)
	}
}

func TestCloseDisconnects(t *testing.T) {
	hub := NewLocalHub()
	n := newTestNode(t, hub.Node("node-a"), Options{}, "orders")
	if err := n.a.Close(); err != nil {
		t.Fatal(err)
	}
	if n.a.State() != replication.Disconnected {
		t.Errorf("expected disconnected, got %s", n.a.State())
	}
	_, err := n.a.Persist(context.Background(), replication.Batch{Collections: []string{"orders"}, Read: n.cache.Read})
	if replication.CodeOf(err) != replication.ErrClosed {
		t.Errorf("expected closed error, got %v", err)
	}
}

// --------------------------------------------------------------------------
// Networks
// --------------------------------------------------------------------------

type nopHandler struct{}

func (nopHandler) NotifyMsg([]byte)        {}
func (nopHandler) LocalState() []byte      { return nil }
func (nopHandler) MergeRemoteState([]byte) {}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestMemberlistNetwork(t *testing.T) {
	if testing.Short() {
		t.Skip("uses loopback networking")
	}
	portA, portB := freePort(t), freePort(t)
	a := newTestNode(t, NewMemberlistNetwork(MemberlistConfig{
		NodeName: "ml-a", BindAddr: "127.0.0.1", BindPort: portA,
	}), Options{}, "orders")
	if err := a.set("orders", model.Document{"id": "O1"}); err != nil {
		t.Fatal(err)
	}

	b := newTestNode(t, NewMemberlistNetwork(MemberlistConfig{
		NodeName: "ml-b", BindAddr: "127.0.0.1", BindPort: portB,
		Seeds: []string{net.JoinHostPort("127.0.0.1", strconv.Itoa(portA))},
	}), Options{}, "orders")

	// push/pull on join
	eventually(t, "state pulled on join", func() bool { return equalIDs(b.ids("orders"), []string{"O1"}) })

	// gossip broadcast
	if err := b.set("orders", model.Document{"id": "O2"}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "broadcast delivered", func() bool { return equalIDs(a.ids("orders"), []string{"O1", "O2"}) })

	// a large blob goes over TCP
	big := make([]any, 200)
	for i := range big {
		big[i] = "padding padding padding"
	}
	if err := a.set("orders", model.Document{"id": "O3", "lines": big}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "reliable send delivered", func() bool { return len(b.ids("orders")) == 3 })
}

func TestRedisNetwork(t *testing.T) {
	addr := os.Getenv("DSYNC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DSYNC_TEST_REDIS_ADDR not set")
	}
	prefix := "dsync-test-" + strconv.Itoa(int(time.Now().UnixNano()%100000))
	a := newTestNode(t, NewRedisNetwork(RedisConfig{NodeName: "r-a", Addr: addr, Prefix: prefix}), Options{}, "orders")
	if err := a.set("orders", model.Document{"id": "O1"}); err != nil {
		t.Fatal(err)
	}
	b := newTestNode(t, NewRedisNetwork(RedisConfig{NodeName: "r-b", Addr: addr, Prefix: prefix}), Options{}, "orders")
	if got := b.ids("orders"); !equalIDs(got, []string{"O1"}) {
		t.Fatalf("expected state from the hash, got %v", got)
	}
	if err := b.set("orders", model.Document{"id": "O2"}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "published blob", func() bool { return equalIDs(a.ids("orders"), []string{"O1", "O2"}) })
}

package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/db/engines/memdb"
	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/ValentinKolb/dSync/lib/replication"
	"github.com/ValentinKolb/dSync/lib/replication/transactional"
	"github.com/ValentinKolb/dSync/lib/store/lstore"
	"github.com/ValentinKolb/dSync/lib/syncstore"
	"github.com/ValentinKolb/dSync/lib/txn"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/ValentinKolb/dSync/rpc/server"
	"github.com/go-playground/assert/v2"
)

func newServer(t *testing.T) (*httptest.Server, *syncstore.Store) {
	t.Helper()
	backend := lstore.NewLocalStore(func() db.DocDB { return memdb.NewMemDB() })
	s := syncstore.New(transactional.New(backend, transactional.Options{Name: "memory"}), syncstore.Options{Timeout: time.Second})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	api := server.NewAPI(s, server.APIOptions{})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		api.Close()
		srv.Close()
		_ = s.Close()
		_ = backend.Close()
	})
	return srv, s
}

func newClient(t *testing.T, endpoint, ser string) *Client {
	t.Helper()
	c, err := NewClient(common.ClientConfig{Endpoint: endpoint, TimeoutSecond: 5, RetryCount: 2, Serializer: ser})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestNewClientValidatesEndpoint(t *testing.T) {
	if _, err := NewClient(common.ClientConfig{Endpoint: "ftp://host"}); err == nil {
		t.Error("expected an error for a non http endpoint")
	}
	if _, err := NewClient(common.ClientConfig{Endpoint: "localhost:8080", Serializer: "xml"}); err == nil {
		t.Error("expected an error for an unknown serializer")
	}
	c, err := NewClient(common.ClientConfig{Endpoint: "localhost:8080"})
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, c.base.String(), "http://localhost:8080")
}

func TestApplyAndRead(t *testing.T) {
	srv, _ := newServer(t)
	ctx := context.Background()

	for _, ser := range []string{"json", "gob", "proto"} {
		t.Run(ser, func(t *testing.T) {
			c := newClient(t, srv.URL, ser)
			id := "T-" + ser

			res, err := c.Apply(ctx, model.Set("tests", model.Document{"id": id, "name": "CBC", "mrp": 300}))
			if err != nil {
				t.Fatal(err)
			}
			assert.Equal(t, res.Changed, []string{"tests"})

			doc, ok, err := c.Document(ctx, "tests", id)
			if err != nil {
				t.Fatal(err)
			}
			assert.Equal(t, ok, true)
			assert.Equal(t, doc["mrp"], 300.0)

			coll, err := c.Collection(ctx, "tests")
			if err != nil {
				t.Fatal(err)
			}
			found := false
			for _, d := range coll.Documents {
				found = found || d.ID() == id
			}
			assert.Equal(t, found, true)
		})
	}
}

func TestDocumentNotFound(t *testing.T) {
	srv, _ := newServer(t)
	c := newClient(t, srv.URL, "json")

	_, ok, err := c.Document(context.Background(), "tests", "T404")
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, false)

	_, _, err = c.Document(context.Background(), "nope", "T1")
	if err == nil {
		t.Fatal("expected an error for an unknown collection")
	}
}

func TestWriteErrorsAreTyped(t *testing.T) {
	srv, _ := newServer(t)
	c := newClient(t, srv.URL, "json")

	_, err := c.Apply(context.Background(), model.Set("nope", model.Document{"id": "x"}))
	assert.Equal(t, replication.CodeOf(err), replication.ErrInvalid)

	_, err = c.Execute(context.Background(), txn.Descriptor{OperationType: "merge", CollectionName: "tests", DocumentID: "T1"})
	assert.Equal(t, replication.CodeOf(err), replication.ErrInvalid)
}

func TestExecuteDescriptor(t *testing.T) {
	srv, s := newServer(t)
	c := newClient(t, srv.URL, "json")
	ctx := context.Background()

	if _, err := c.Execute(ctx, txn.Descriptor{OperationType: "set", CollectionName: "users", DocumentID: "U1", Data: map[string]any{"walletBalance": 100}}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Execute(ctx, txn.Descriptor{OperationType: "update", CollectionName: "users", DocumentID: "U1", Data: map[string]any{"walletBalance": 50}}); err != nil {
		t.Fatal(err)
	}
	doc, _ := s.Doc("users", "U1")
	assert.Equal(t, doc["walletBalance"], 50.0)
}

func TestReadsAreRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"backend": "memory", "state": "synced"}`))
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, "json")
	status, err := c.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, status.State, "synced")
	assert.Equal(t, calls.Load(), int32(3))
}

func TestWatch(t *testing.T) {
	srv, s := newServer(t)
	c := newClient(t, srv.URL, "json")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snaps := make(chan common.CollectionResponse, 8)
	done := make(chan error, 1)
	go func() {
		done <- c.Watch(ctx, "orders", func(r common.CollectionResponse) { snaps <- r })
	}()

	next := func() common.CollectionResponse {
		select {
		case r := <-snaps:
			return r
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for a snapshot")
			return common.CollectionResponse{}
		}
	}

	assert.Equal(t, len(next().Documents), 0)

	if _, err := s.Apply(context.Background(), model.Set("orders", model.Document{"id": "O1", "status": "BOOKED"})); err != nil {
		t.Fatal(err)
	}
	r := next()
	assert.Equal(t, len(r.Documents), 1)
	assert.Equal(t, r.Documents[0]["status"], "BOOKED")

	cancel()
	select {
	case err := <-done:
		assert.Equal(t, err, nil)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not return after cancel")
	}
}

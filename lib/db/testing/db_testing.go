package testing

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/model"
)

// DBFactory is a function that creates a new instance of a DocDB implementation
type DBFactory func() db.DocDB

// RunDocDBTests runs the conformance test suite for a DocDB implementation.
func RunDocDBTests(t *testing.T, name string, factory DBFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("SetAndGet", func(t *testing.T) {
			testSetGet(t, factory())
		})

		t.Run("UpdateMergesFields", func(t *testing.T) {
			testUpdate(t, factory())
		})

		t.Run("UpdateAbsentIsNoop", func(t *testing.T) {
			testUpdateAbsent(t, factory())
		})

		t.Run("DeleteIsIdempotent", func(t *testing.T) {
			testDelete(t, factory())
		})

		t.Run("ListKeepsInsertionOrder", func(t *testing.T) {
			testListOrder(t, factory())
		})

		t.Run("ConflictAbortsWholeCommit", func(t *testing.T) {
			testConflict(t, factory())
		})

		t.Run("ConcurrentCommitsOneWinner", func(t *testing.T) {
			testConcurrentConflict(t, factory())
		})

		t.Run("Timestamps", func(t *testing.T) {
			testTimestamps(t, factory())
		})

		t.Run("SaveLoad", func(t *testing.T) {
			testSaveLoad(t, factory)
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// Checks if the database supports the specified feature
// Skip the test if it is not supported
func requireFeature(t testing.TB, database db.DocDB, feature db.Feature) {
	if !database.SupportsFeature(feature) {
		t.Skip()
	}
}

func set(collection string, doc model.Document, base uint64) db.Op {
	return db.Op{Type: model.OpSet, Collection: collection, ID: doc.ID(), Data: doc, BaseRevision: base}
}

func mustCommit(t testing.TB, database db.DocDB, idx uint64, ops ...db.Op) db.CommitResult {
	t.Helper()
	res, err := database.Commit(db.Commit{ID: fmt.Sprintf("c%d", idx), Timestamp: int64(idx) * 1000, Ops: ops}, idx)
	if err != nil {
		t.Fatalf("commit %d failed: %v", idx, err)
	}
	return res
}

func mustGet(t testing.TB, database db.DocDB, collection, id string) (model.Record, bool) {
	t.Helper()
	rec, ok, err := database.Get(collection, id)
	if err != nil {
		t.Fatalf("get %s:%s failed: %v", collection, id, err)
	}
	return rec, ok
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testSetGet(t *testing.T, database db.DocDB) {
	defer database.Close()
	requireFeature(t, database, db.FeatureCommit|db.FeatureGet)

	res := mustCommit(t, database, 1, set("tests", model.Document{"id": "T001", "name": "CBC", "mrp": 350.0}, 0))
	if len(res.Events) != 1 || res.Events[0].Type != db.EventTUpsert {
		t.Fatalf("expected one upsert event, got %+v", res.Events)
	}

	rec, ok := mustGet(t, database, "tests", "T001")
	if !ok {
		t.Fatalf("expected T001 to exist after Set")
	}
	if rec.Doc["name"] != "CBC" || rec.Doc["mrp"] != 350.0 {
		t.Errorf("unexpected document %v", rec.Doc)
	}
	if rec.Meta.Revision != 1 {
		t.Errorf("expected revision 1, got %d", rec.Meta.Revision)
	}

	// overwrite
	mustCommit(t, database, 2, set("tests", model.Document{"id": "T001", "name": "CBC (Complete Blood Count)"}, 1))
	rec, _ = mustGet(t, database, "tests", "T001")
	if _, ok := rec.Doc["mrp"]; ok {
		t.Errorf("Set must replace the document, old field mrp survived")
	}
	if rec.Meta.Revision != 2 {
		t.Errorf("expected revision 2, got %d", rec.Meta.Revision)
	}

	// returned documents are copies
	rec.Doc["name"] = "changed"
	again, _ := mustGet(t, database, "tests", "T001")
	if again.Doc["name"] == "changed" {
		t.Errorf("modifying a returned document changed the database")
	}

	if _, ok := mustGet(t, database, "tests", "nonexistent"); ok {
		t.Errorf("expected nonexistent document to be absent")
	}
	if _, ok := mustGet(t, database, "unknown", "T001"); ok {
		t.Errorf("expected document in unknown collection to be absent")
	}
}

func testUpdate(t *testing.T, database db.DocDB) {
	defer database.Close()
	requireFeature(t, database, db.FeatureCommit|db.FeatureGet)

	mustCommit(t, database, 1, set("users", model.Document{"id": "U1", "name": "AK CLINIC", "status": "ACTIVE"}, 0))
	mustCommit(t, database, 2, db.Op{Type: model.OpUpdate, Collection: "users", ID: "U1", Data: model.Document{"status": "INACTIVE"}, BaseRevision: 1})

	rec, _ := mustGet(t, database, "users", "U1")
	if rec.Doc["status"] != "INACTIVE" || rec.Doc["name"] != "AK CLINIC" {
		t.Errorf("update did not merge fields: %v", rec.Doc)
	}
	if rec.Meta.Revision != 2 {
		t.Errorf("expected revision 2 after update, got %d", rec.Meta.Revision)
	}
}

func testUpdateAbsent(t *testing.T, database db.DocDB) {
	defer database.Close()
	requireFeature(t, database, db.FeatureCommit|db.FeatureGet)

	res := mustCommit(t, database, 1, db.Op{Type: model.OpUpdate, Collection: "users", ID: "ghost", Data: model.Document{"status": "ACTIVE"}})
	if len(res.Events) != 0 {
		t.Errorf("update of an absent document must not produce events, got %+v", res.Events)
	}
	if _, ok := mustGet(t, database, "users", "ghost"); ok {
		t.Errorf("update must not create a document")
	}
}

func testDelete(t *testing.T, database db.DocDB) {
	defer database.Close()
	requireFeature(t, database, db.FeatureCommit|db.FeatureGet|db.FeatureList)

	mustCommit(t, database, 1, set("orders", model.Document{"id": "O1"}, 0))
	res := mustCommit(t, database, 2, db.Op{Type: model.OpDelete, Collection: "orders", ID: "O1", BaseRevision: 1})
	if len(res.Events) != 1 || res.Events[0].Type != db.EventTDelete {
		t.Errorf("expected one delete event, got %+v", res.Events)
	}

	// second delete is a no-op
	res = mustCommit(t, database, 3, db.Op{Type: model.OpDelete, Collection: "orders", ID: "O1"})
	if len(res.Events) != 0 {
		t.Errorf("second delete must be a no-op, got %+v", res.Events)
	}

	records, err := database.List("orders")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Errorf("expected empty collection, got %d documents", len(records))
	}
}

func testListOrder(t *testing.T, database db.DocDB) {
	defer database.Close()
	requireFeature(t, database, db.FeatureCommit|db.FeatureList)

	records, err := database.List("tests")
	if err != nil {
		t.Fatal(err)
	}
	if records == nil || len(records) != 0 {
		t.Errorf("expected empty (non nil) list for unknown collection, got %v", records)
	}

	ids := []string{"T003", "T001", "T002"}
	for i, id := range ids {
		mustCommit(t, database, uint64(i+1), set("tests", model.Document{"id": id}, 0))
	}
	// overwriting keeps the position
	mustCommit(t, database, 4, set("tests", model.Document{"id": "T003", "v": 2.0}, 1))

	records, err = database.List("tests")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != len(ids) {
		t.Fatalf("expected %d documents, got %d", len(ids), len(records))
	}
	for i, id := range ids {
		if records[i].Doc.ID() != id {
			t.Errorf("position %d: expected %s, got %s", i, id, records[i].Doc.ID())
		}
	}
}

func testConflict(t *testing.T, database db.DocDB) {
	defer database.Close()
	requireFeature(t, database, db.FeatureCommit|db.FeatureGet)

	mustCommit(t, database, 1, set("users", model.Document{"id": "U1", "walletBalance": 100.0}, 0))

	// the second op is based on a stale revision -> nothing may be applied
	_, err := database.Commit(db.Commit{Timestamp: 2000, Ops: []db.Op{
		set("orders", model.Document{"id": "O1"}, 0),
		{Type: model.OpUpdate, Collection: "users", ID: "U1", Data: model.Document{"walletBalance": 50.0}, BaseRevision: 0},
	}}, 2)

	var conflict *db.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *db.ConflictError, got %v", err)
	}
	if conflict.Collection != "users" || conflict.ID != "U1" || conflict.Actual != 1 {
		t.Errorf("unexpected conflict details: %+v", conflict)
	}
	if _, ok := mustGet(t, database, "orders", "O1"); ok {
		t.Errorf("partial commit: O1 was written although the commit failed")
	}
	rec, _ := mustGet(t, database, "users", "U1")
	if rec.Doc["walletBalance"] != 100.0 {
		t.Errorf("partial commit: U1 was changed although the commit failed")
	}
}

func testConcurrentConflict(t *testing.T, database db.DocDB) {
	defer database.Close()
	requireFeature(t, database, db.FeatureCommit|db.FeatureGet)

	mustCommit(t, database, 1, set("users", model.Document{"id": "U1"}, 0))

	const writers = 8
	var (
		wg        sync.WaitGroup
		index     atomic.Uint64
		successes atomic.Int32
		mu        sync.Mutex
		winner    string
	)
	index.Store(1)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("writer-%d", i)
			_, err := database.Commit(db.Commit{Timestamp: 5000, Ops: []db.Op{
				{Type: model.OpUpdate, Collection: "users", ID: "U1", Data: model.Document{"name": name}, BaseRevision: 1},
			}}, index.Add(1))
			if err == nil {
				successes.Add(1)
				mu.Lock()
				winner = name
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if successes.Load() != 1 {
		t.Fatalf("expected exactly one successful commit, got %d", successes.Load())
	}
	rec, _ := mustGet(t, database, "users", "U1")
	if rec.Doc["name"] != winner {
		t.Errorf("expected winner %s to be stored, got %v", winner, rec.Doc["name"])
	}
}

func testTimestamps(t *testing.T, database db.DocDB) {
	defer database.Close()
	requireFeature(t, database, db.FeatureCommit|db.FeatureGet)

	mustCommit(t, database, 1, set("tests", model.Document{"id": "T1"}, 0))
	mustCommit(t, database, 2, db.Op{Type: model.OpUpdate, Collection: "tests", ID: "T1", Data: model.Document{"x": 1.0}, BaseRevision: 1})

	rec, _ := mustGet(t, database, "tests", "T1")
	if rec.Meta.CreateTime.UnixNano() != 1000 {
		t.Errorf("expected create time 1000ns, got %d", rec.Meta.CreateTime.UnixNano())
	}
	if rec.Meta.UpdateTime.UnixNano() != 2000 {
		t.Errorf("expected update time 2000ns, got %d", rec.Meta.UpdateTime.UnixNano())
	}
	if _, ok := rec.Doc["createTime"]; ok {
		t.Errorf("timestamps must not leak into the document fields")
	}
}

func testSaveLoad(t *testing.T, factory DBFactory) {
	src := factory()
	defer src.Close()
	requireFeature(t, src, db.FeatureCommit|db.FeatureSave|db.FeatureList)

	mustCommit(t, src, 1, set("tests", model.Document{"id": "T001", "name": "CBC"}, 0))
	mustCommit(t, src, 2, set("tests", model.Document{"id": "T002", "name": "Lipid Profile"}, 0))
	mustCommit(t, src, 3, set("users", model.Document{"id": "SHS", "role": "ADMIN"}, 0))

	var buf bytes.Buffer
	if err := src.Save(&buf); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	dst := factory()
	defer dst.Close()
	requireFeature(t, dst, db.FeatureLoad)

	// pre-existing data must be replaced
	mustCommit(t, dst, 1, set("orders", model.Document{"id": "stale"}, 0))

	if err := dst.Load(&buf); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if dst.WriteIdx() != 3 {
		t.Errorf("expected write index 3 after load, got %d", dst.WriteIdx())
	}

	tests, _ := dst.List("tests")
	if len(tests) != 2 || tests[0].Doc.ID() != "T001" || tests[1].Doc.ID() != "T002" {
		t.Errorf("unexpected tests after load: %+v", tests)
	}
	if orders, _ := dst.List("orders"); len(orders) != 0 {
		t.Errorf("load must replace the old state, found %d orders", len(orders))
	}
	if rec, ok, _ := dst.Get("users", "SHS"); !ok || rec.Meta.Revision != 3 {
		t.Errorf("expected SHS with revision 3 after load, got %+v (ok=%v)", rec, ok)
	}

	if err := dst.Load(bytes.NewReader([]byte("garbage"))); err == nil {
		t.Errorf("expected error when loading invalid data")
	}
}

package cache

import (
	"fmt"
	"testing"

	"github.com/ValentinKolb/dSync/lib/model"
)

func TestBatchReportsBaseRevisionsAndNoops(t *testing.T) {
	c := New()
	c.Upsert("users", []model.Record{{Doc: model.Document{"id": "U1", "balance": 100.0}, Meta: model.Meta{Revision: 7}}})

	res := c.Batch([]model.Mutation{
		model.Set("orders", model.Document{"id": "O1", "total": 50.0}),
		model.Update("users", "U1", map[string]any{"balance": 50.0}),
		model.Update("users", "U1", map[string]any{"lastOrder": "O1"}),
		model.Update("users", "ghost", map[string]any{"x": 1.0}),
		model.Delete("orders", "O9"),
	})

	if fmt.Sprint(res.Collections) != "[orders users]" || fmt.Sprint(res.Changed) != "[orders users]" {
		t.Errorf("unexpected collections %v / changed %v", res.Collections, res.Changed)
	}
	wantBase := []uint64{0, 7, 7, 0, 0}
	wantNoop := []bool{false, false, false, true, true}
	for i, op := range res.Ops {
		if op.BaseRevision != wantBase[i] {
			t.Errorf("op %d: expected base revision %d, got %d", i, wantBase[i], op.BaseRevision)
		}
		if op.Noop != wantNoop[i] {
			t.Errorf("op %d: expected noop=%v", i, wantNoop[i])
		}
	}

	u, _ := c.Get("users", "U1")
	if u.Doc["balance"] != 50.0 || u.Doc["lastOrder"] != "O1" {
		t.Errorf("batch not applied: %v", u.Doc)
	}
}

func TestRollbackRestoresPreImages(t *testing.T) {
	c := New()
	c.Apply("tests", model.Set("tests", model.Document{"id": "T1", "name": "CBC"}))
	c.Apply("tests", model.Set("tests", model.Document{"id": "T2", "name": "ESR"}))
	c.Apply("tests", model.Set("tests", model.Document{"id": "T3", "name": "LFT"}))
	before := c.Read("tests")

	res := c.Batch([]model.Mutation{
		model.Update("tests", "T1", map[string]any{"name": "changed"}),
		model.Delete("tests", "T2"),
		model.Set("tests", model.Document{"id": "T4"}),
	})
	if len(c.Read("tests")) != 3 {
		t.Fatalf("batch not applied")
	}

	changed := c.Rollback(res.Undo)
	if fmt.Sprint(changed) != "[tests]" {
		t.Errorf("unexpected changed collections %v", changed)
	}
	after := c.Read("tests")
	if len(after) != len(before) {
		t.Fatalf("expected %d documents after rollback, got %d", len(before), len(after))
	}
	for i := range before {
		if !model.Equal(before[i], after[i]) {
			t.Errorf("position %d: expected %v, got %v", i, before[i], after[i])
		}
	}
}

func TestRollbackKeepsConcurrentWrites(t *testing.T) {
	c := New()
	c.Apply("users", model.Set("users", model.Document{"id": "U1", "name": "old"}))

	res := c.Batch([]model.Mutation{model.Update("users", "U1", map[string]any{"name": "optimistic"})})

	// a remote change lands before the batch fails
	c.Upsert("users", []model.Record{{Doc: model.Document{"id": "U1", "name": "remote"}, Meta: model.Meta{Revision: 9}}})

	if changed := c.Rollback(res.Undo); len(changed) != 0 {
		t.Errorf("rollback must not touch a concurrently written document, changed %v", changed)
	}
	rec, _ := c.Get("users", "U1")
	if rec.Doc["name"] != "remote" {
		t.Errorf("expected remote value to survive, got %v", rec.Doc["name"])
	}
}

func TestConfirmSetsMetaOnlyForOwnWrites(t *testing.T) {
	c := New()
	res := c.Batch([]model.Mutation{
		model.Set("orders", model.Document{"id": "O1"}),
		model.Set("orders", model.Document{"id": "O2"}),
	})

	// O2 is overwritten locally before the backend answered
	c.Apply("orders", model.Set("orders", model.Document{"id": "O2", "v": 2.0}))

	version := c.Version("orders")
	c.Confirm(res.Undo, map[model.Key]model.Meta{
		{Collection: "orders", ID: "O1"}: {Revision: 11},
		{Collection: "orders", ID: "O2"}: {Revision: 11},
	})

	o1, _ := c.Get("orders", "O1")
	o2, _ := c.Get("orders", "O2")
	if o1.Meta.Revision != 11 {
		t.Errorf("expected O1 to be confirmed with revision 11, got %d", o1.Meta.Revision)
	}
	if o2.Meta.Revision != 0 {
		t.Errorf("O2 was overwritten after the batch and must not be confirmed, got revision %d", o2.Meta.Revision)
	}
	if c.Version("orders") != version {
		t.Errorf("confirm must not change the version")
	}
}

// TestViewAfterApply checks that a view taken right after
// a write shows exactly its effect.
func TestViewAfterApply(t *testing.T) {
	c := New()
	c.Apply("tests", model.Set("tests", model.Document{"id": "T1"}))
	v1 := c.View("tests")

	c.Apply("tests", model.Update("tests", "T1", map[string]any{"mrp": 100.0}))
	v2 := c.View("tests")

	if v2.Version != v1.Version+1 {
		t.Errorf("expected version %d, got %d", v1.Version+1, v2.Version)
	}
	if _, ok := v1.Records[0].Doc["mrp"]; ok {
		t.Errorf("earlier view was changed by a later write")
	}
	if v2.Records[0].Doc["mrp"] != 100.0 || len(v2.Records) != 1 {
		t.Errorf("unexpected view %+v", v2.Records)
	}
}

package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/ValentinKolb/dSync/lib/model"
)

func ids(docs []model.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID()
	}
	return out
}

func TestReadUnknownCollectionIsEmpty(t *testing.T) {
	c := New()
	docs := c.Read("unknown")
	if docs == nil || len(docs) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", docs)
	}
	if len(c.Collections()) != 0 {
		t.Errorf("reading must not create collections")
	}
}

func TestSetIsIdempotentUpsert(t *testing.T) {
	c := New()
	doc := model.Document{"id": "T001", "name": "CBC", "mrp": 350.0}

	if !c.Apply("tests", model.Set("tests", doc)) {
		t.Fatalf("first set must change the cache")
	}
	if c.Apply("tests", model.Set("tests", doc.Clone())) {
		t.Errorf("setting the same document twice must not change the cache")
	}

	docs := c.Read("tests")
	if len(docs) != 1 || !model.Equal(docs[0], doc) {
		t.Fatalf("expected exactly %v, got %v", doc, docs)
	}
	if c.Version("tests") != 1 {
		t.Errorf("expected version 1, got %d", c.Version("tests"))
	}

	// overwrite keeps position
	c.Apply("tests", model.Set("tests", model.Document{"id": "T002"}))
	c.Apply("tests", model.Set("tests", model.Document{"id": "T001", "name": "CBC (new)"}))
	docs = c.Read("tests")
	if fmt.Sprint(ids(docs)) != "[T001 T002]" {
		t.Errorf("unexpected order %v", ids(docs))
	}
	if _, ok := docs[0]["mrp"]; ok {
		t.Errorf("set must replace all fields")
	}
}

func TestUpdateAbsentIsNoop(t *testing.T) {
	c := New()
	c.Apply("users", model.Set("users", model.Document{"id": "U1", "name": "SHS"}))
	before := c.Read("users")
	version := c.Version("users")

	if c.Apply("users", model.Update("users", "ghost", map[string]any{"name": "x"})) {
		t.Errorf("update of an absent id must report no change")
	}
	after := c.Read("users")
	if len(after) != len(before) || !model.Equal(after[0], before[0]) || c.Version("users") != version {
		t.Errorf("update of an absent id changed the collection")
	}

	if !c.Apply("users", model.Update("users", "U1", map[string]any{"status": "ACTIVE"})) {
		t.Errorf("update of an existing id must report a change")
	}
	doc, _ := c.Get("users", "U1")
	if doc.Doc["name"] != "SHS" || doc.Doc["status"] != "ACTIVE" {
		t.Errorf("update did not merge fields: %v", doc.Doc)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	c := New()
	c.Apply("orders", model.Set("orders", model.Document{"id": "O1"}))

	if !c.Apply("orders", model.Delete("orders", "O1")) {
		t.Errorf("first delete must change the cache")
	}
	if c.Apply("orders", model.Delete("orders", "O1")) {
		t.Errorf("second delete must be a no-op")
	}
	if len(c.Read("orders")) != 0 {
		t.Errorf("document still present after delete")
	}
}

func TestReadReturnsCopies(t *testing.T) {
	c := New()
	c.Apply("tests", model.Set("tests", model.Document{"id": "T1", "nested": map[string]any{"a": 1.0}}))

	docs := c.Read("tests")
	docs[0]["id"] = "mutated"
	docs[0]["nested"].(map[string]any)["a"] = 2.0

	again, _ := c.Get("tests", "T1")
	if again.Doc.ID() != "T1" || again.Doc["nested"].(map[string]any)["a"] != 1.0 {
		t.Errorf("mutating a read result changed the cache: %v", again.Doc)
	}
}

func TestConcurrentApplyKeepsIdsUnique(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := fmt.Sprintf("D%d", i%10)
				c.Apply("docs", model.Set("docs", model.Document{"id": id, "writer": float64(w)}))
				if i%7 == 0 {
					c.Apply("docs", model.Delete("docs", id))
				}
				_ = c.Read("docs")
			}
		}(w)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, d := range c.Read("docs") {
		if seen[d.ID()] {
			t.Fatalf("duplicate id %s", d.ID())
		}
		seen[d.ID()] = true
	}
	if len(seen) != c.Len("docs") {
		t.Errorf("Len disagrees with Read")
	}
}

func TestReplace(t *testing.T) {
	c := New()
	c.Apply("orders", model.Set("orders", model.Document{"id": "O1"}))
	c.Apply("orders", model.Set("orders", model.Document{"id": "O2"}))

	changed := c.Replace("orders", []model.Record{
		{Doc: model.Document{"id": "O3"}},
		{Doc: model.Document{"id": "O1", "status": "PAID"}},
		{Doc: model.Document{"id": ""}},             // skipped
		{Doc: model.Document{"id": "O3", "v": 2.0}}, // duplicate, last wins
	})
	if !changed {
		t.Fatalf("replace must report a change")
	}
	docs := c.Read("orders")
	if fmt.Sprint(ids(docs)) != "[O3 O1]" {
		t.Fatalf("unexpected content %v", ids(docs))
	}
	if docs[0]["v"] != 2.0 || docs[1]["status"] != "PAID" {
		t.Errorf("unexpected documents %v", docs)
	}

	version := c.Version("orders")
	if c.Replace("orders", []model.Record{{Doc: model.Document{"id": "O3", "v": 2.0}}, {Doc: model.Document{"id": "O1", "status": "PAID"}}}) {
		t.Errorf("replacing with identical content must not report a change")
	}
	if c.Version("orders") != version {
		t.Errorf("version changed without visible change")
	}

	if !c.Replace("orders", nil) || c.Len("orders") != 0 {
		t.Errorf("replace with nothing must empty the collection")
	}
}

func TestRemoteRecordsKeepNewerRevision(t *testing.T) {
	c := New()
	c.Upsert("users", []model.Record{{Doc: model.Document{"id": "U1", "v": 5.0}, Meta: model.Meta{Revision: 5}}})

	if c.Upsert("users", []model.Record{{Doc: model.Document{"id": "U1", "v": 4.0}, Meta: model.Meta{Revision: 4}}}) {
		t.Errorf("stale upsert must be ignored")
	}
	c.Replace("users", []model.Record{{Doc: model.Document{"id": "U1", "v": 3.0}, Meta: model.Meta{Revision: 3}}})
	rec, _ := c.Get("users", "U1")
	if rec.Doc["v"] != 5.0 || rec.Meta.Revision != 5 {
		t.Errorf("stale replace overwrote newer record: %+v", rec)
	}

	if !c.Upsert("users", []model.Record{{Doc: model.Document{"id": "U1", "v": 6.0}, Meta: model.Meta{Revision: 6}}}) {
		t.Errorf("newer upsert must be applied")
	}
	if !c.Remove("users", "U1") || c.Remove("users", "U1") {
		t.Errorf("remove must report exactly one change")
	}
}

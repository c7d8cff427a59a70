package snapshot

import (
	"encoding/json"
	"testing"

	"github.com/ValentinKolb/dSync/lib/cache"
	"github.com/ValentinKolb/dSync/lib/model"
)

func TestBuildEmptyCollection(t *testing.T) {
	b := NewBuilder(cache.New())
	s := b.Build("tests")
	if !s.Empty() || s.Docs == nil || s.Collection != "tests" {
		t.Errorf("expected empty snapshot of tests, got %+v", s)
	}
}

func TestSnapshotIsNotALiveReference(t *testing.T) {
	c := cache.New()
	c.Apply("tests", model.Set("tests", model.Document{"id": "T001", "name": "CBC", "mrp": 350.0}))
	b := NewBuilder(c)

	s := b.Build("tests")

	// later writes to the cache
	c.Apply("tests", model.Update("tests", "T001", map[string]any{"mrp": 400.0}))
	// and changes to returned data
	data := s.Docs[0].Data()
	data["name"] = "changed"

	if s.Docs[0].ID() != "T001" {
		t.Errorf("unexpected id %q", s.Docs[0].ID())
	}
	got := s.Docs[0].Data()
	if got["mrp"] != 350.0 || got["name"] != "CBC" {
		t.Errorf("snapshot changed after it was built: %v", got)
	}

	if b.Build("tests").Docs[0].Data()["mrp"] != 400.0 {
		t.Errorf("new snapshot does not reflect the update")
	}
}

func TestSameContent(t *testing.T) {
	a := New("orders", 1, []model.Document{{"id": "O1", "n": 1.0}, {"id": "O2"}})
	b := New("orders", 5, []model.Document{{"id": "O1", "n": 1.0}, {"id": "O2"}})
	c := New("orders", 5, []model.Document{{"id": "O2"}, {"id": "O1", "n": 1.0}})

	if !a.SameContent(b) {
		t.Errorf("expected same content regardless of version")
	}
	if a.SameContent(c) {
		t.Errorf("order is part of the content")
	}
}

func TestMarshalJSON(t *testing.T) {
	s := New("tests", 3, []model.Document{{"id": "T1", "name": "CBC"}})
	raw, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Collection string           `json:"collection"`
		Version    uint64           `json:"version"`
		Docs       []model.Document `json:"docs"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Collection != "tests" || decoded.Version != 3 || len(decoded.Docs) != 1 || decoded.Docs[0]["name"] != "CBC" {
		t.Errorf("unexpected encoding %s", raw)
	}
}

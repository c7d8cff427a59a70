package model

import (
	"encoding/json"
	"testing"
)

func TestParseKey(t *testing.T) {
	tests := []struct {
		path    string
		want    Key
		wantErr bool
	}{
		{path: "users:U1", want: Key{Collection: "users", ID: "U1"}},
		{path: "orders:O:1", want: Key{Collection: "orders", ID: "O:1"}},
		{path: "users", wantErr: true},
		{path: ":U1", wantErr: true},
		{path: "users:", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseKey(tt.path)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseKey(%q): expected error", tt.path)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseKey(%q): unexpected error %v", tt.path, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseKey(%q) = %+v, want %+v", tt.path, got, tt.want)
		}
		if got.String() != tt.path {
			t.Errorf("Key.String() = %q, want %q", got.String(), tt.path)
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	doc := Document{"id": "U1", "rates": map[string]any{"LONG_LIFE": []any{1.0, 2.0}}}
	c := doc.Clone()

	c["rates"].(map[string]any)["LONG_LIFE"].([]any)[0] = 99.0
	c["name"] = "changed"

	if doc["rates"].(map[string]any)["LONG_LIFE"].([]any)[0] != 1.0 {
		t.Errorf("modifying the clone changed the original nested value")
	}
	if _, ok := doc["name"]; ok {
		t.Errorf("modifying the clone added a field to the original")
	}
}

func TestMutationNormalized(t *testing.T) {
	m, err := Set("tests", Document{"id": "T001", "mrp": 350}).Normalized()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.ID != "T001" {
		t.Errorf("expected id T001, got %q", m.ID)
	}
	if m.Data["mrp"] != float64(350) {
		t.Errorf("expected mrp to be normalized to float64, got %T", m.Data["mrp"])
	}

	if _, err := Set("tests", Document{"name": "no id"}).Normalized(); err == nil {
		t.Errorf("expected error for document without id")
	}
	if _, err := Set("tests", Document{"id": "T1", "ch": make(chan int)}).Normalized(); err == nil {
		t.Errorf("expected error for non JSON value")
	}

	u, err := Update("users", "U1", map[string]any{"id": "U2", "status": "ACTIVE"}).Normalized()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := u.Data["id"]; ok {
		t.Errorf("update must not be able to change the document id")
	}
	if _, err := Delete("users", "").Normalized(); err == nil {
		t.Errorf("expected error for delete without id")
	}
}

func TestOpTypeJSON(t *testing.T) {
	for _, op := range []OpType{OpSet, OpUpdate, OpDelete} {
		raw, err := json.Marshal(op)
		if err != nil {
			t.Fatalf("marshal %s: %v", op, err)
		}
		var got OpType
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatalf("unmarshal %s: %v", raw, err)
		}
		if got != op {
			t.Errorf("expected %s, got %s", op, got)
		}
	}
	var op OpType
	if err := json.Unmarshal([]byte(`"merge"`), &op); err == nil {
		t.Errorf("expected error for unknown operation type")
	}
}

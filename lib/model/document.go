package model

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

// IDField is the name of the field every document must carry.
const IDField = "id"

// DefaultCollections is the collection namespace used by the lab portal.
var DefaultCollections = []string{"users", "tests", "orders", "transactions", "advertisements"}

// --------------------------------------------------------------------------
// Document
// --------------------------------------------------------------------------

// Document is an opaque structured record. The only field the store relies on is "id".
type Document map[string]any

// ID returns the id of the document or an empty string if the document has no string id.
func (d Document) ID() string {
	if d == nil {
		return ""
	}
	id, _ := d[IDField].(string)
	return id
}

// Clone returns a deep copy of the document.
// Nested maps and slices are copied as well, so the copy can be modified freely.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return cloneValue(map[string]any(d)).(map[string]any)
}

// Merge returns a new document containing all fields of d overwritten by fields.
// The merge is shallow, nested objects in fields replace the old value completely.
func (d Document) Merge(fields map[string]any) Document {
	merged := make(Document, len(d)+len(fields))
	for k, v := range d {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return merged
}

// Equal reports whether two (normalized) documents carry the same fields.
func Equal(a, b Document) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return true
	}
	return reflect.DeepEqual(map[string]any(a), map[string]any(b))
}

// Normalize converts a document into its JSON shape by encoding and decoding it.
// The result never shares memory with the input.
func Normalize(d map[string]any) (Document, error) {
	if d == nil {
		return Document{}, nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("document is not JSON serializable: %w", err)
	}
	var out Document
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, inner := range t {
			m[k] = cloneValue(inner)
		}
		return m
	case Document:
		return Document(cloneValue(map[string]any(t)).(map[string]any))
	case []any:
		s := make([]any, len(t))
		for i, inner := range t {
			s[i] = cloneValue(inner)
		}
		return s
	default:
		return v
	}
}

// --------------------------------------------------------------------------
// Backend metadata
// --------------------------------------------------------------------------

// Meta holds metadata assigned by a backend on write. It is opaque to callers
// and never part of the document fields.
type Meta struct {
	Revision   uint64    `json:"revision,omitempty"`
	CreateTime time.Time `json:"createTime,omitempty"`
	UpdateTime time.Time `json:"updateTime,omitempty"`
}

// Record is a document together with its backend metadata.
type Record struct {
	Doc  Document `json:"doc"`
	Meta Meta     `json:"meta"`
}

// Docs strips the metadata from a list of records.
func Docs(records []Record) []Document {
	docs := make([]Document, len(records))
	for i, r := range records {
		docs[i] = r.Doc
	}
	return docs
}

package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// --------------------------------------------------------------------------
// Operation Types
// --------------------------------------------------------------------------

// OpType is the kind of a mutation.
type OpType uint8

const (
	OpSet    OpType = iota // Upsert a complete document.
	OpUpdate               // Merge fields into an existing document, no-op if absent.
	OpDelete               // Remove a document, idempotent.
)

func (t OpType) String() string {
	switch t {
	case OpSet:
		return "set"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

// MarshalJSON encodes the operation type as its name.
func (t OpType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes an operation type from its name.
func (t *OpType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	op, err := ParseOpType(s)
	if err != nil {
		return err
	}
	*t = op
	return nil
}

// ParseOpType converts a name (set, update, delete) to an OpType.
func ParseOpType(s string) (OpType, error) {
	switch strings.ToLower(s) {
	case "set":
		return OpSet, nil
	case "update":
		return OpUpdate, nil
	case "delete":
		return OpDelete, nil
	default:
		return 0, fmt.Errorf("unknown operation type: %q", s)
	}
}

// --------------------------------------------------------------------------
// Mutation
// --------------------------------------------------------------------------

// Mutation is a single change to one document of one collection.
// For OpSet, Data is the full document and ID equals Data.ID().
// For OpUpdate, Data holds the fields to merge.
type Mutation struct {
	Type       OpType   `json:"type"`
	Collection string   `json:"collection"`
	ID         string   `json:"id"`
	Data       Document `json:"data,omitempty"`
}

// Set creates an upsert mutation.
func Set(collection string, doc Document) Mutation {
	return Mutation{Type: OpSet, Collection: collection, ID: doc.ID(), Data: doc}
}

// Update creates a partial update mutation.
func Update(collection, id string, fields map[string]any) Mutation {
	return Mutation{Type: OpUpdate, Collection: collection, ID: id, Data: fields}
}

// Delete creates a delete mutation.
func Delete(collection, id string) Mutation {
	return Mutation{Type: OpDelete, Collection: collection, ID: id}
}

// Key returns the composite key of the document the mutation targets.
func (m Mutation) Key() Key {
	return Key{Collection: m.Collection, ID: m.ID}
}

// Normalized validates the mutation and returns a copy with JSON shaped data.
func (m Mutation) Normalized() (Mutation, error) {
	if m.Collection == "" {
		return m, fmt.Errorf("%s: collection name is empty", m.Type)
	}
	switch m.Type {
	case OpSet:
		doc, err := Normalize(m.Data)
		if err != nil {
			return m, err
		}
		if doc.ID() == "" {
			return m, fmt.Errorf("set %s: document has no string %q field", m.Collection, IDField)
		}
		if m.ID != "" && m.ID != doc.ID() {
			return m, fmt.Errorf("set %s: id %q does not match document id %q", m.Collection, m.ID, doc.ID())
		}
		m.ID = doc.ID()
		m.Data = doc
	case OpUpdate:
		if m.ID == "" {
			return m, fmt.Errorf("update %s: document id is empty", m.Collection)
		}
		fields, err := Normalize(m.Data)
		if err != nil {
			return m, err
		}
		// the id of a document is immutable
		delete(fields, IDField)
		m.Data = fields
	case OpDelete:
		if m.ID == "" {
			return m, fmt.Errorf("delete %s: document id is empty", m.Collection)
		}
		m.Data = nil
	default:
		return m, fmt.Errorf("unknown operation type %d", m.Type)
	}
	return m, nil
}

// --------------------------------------------------------------------------
// Composite Key
// --------------------------------------------------------------------------

// KeySeparator separates collection and document id in the string form of a Key.
const KeySeparator = ":"

// Key addresses a single document.
type Key struct {
	Collection string
	ID         string
}

// String returns the "collection:id" form of the key.
func (k Key) String() string {
	return k.Collection + KeySeparator + k.ID
}

// ParseKey splits a "collection:id" path. The collection name must not contain
// the separator, the id may.
func ParseKey(path string) (Key, error) {
	collection, id, ok := strings.Cut(path, KeySeparator)
	if !ok || collection == "" || id == "" {
		return Key{}, fmt.Errorf("invalid document path %q (expected collection%sid)", path, KeySeparator)
	}
	return Key{Collection: collection, ID: id}, nil
}

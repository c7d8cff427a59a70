package serializer

import (
	"reflect"
	"testing"
)

// testSerializers is a map of serializer name to factory function
var testSerializers = map[string]func() ISerializer{
	"JSON":  NewJSONSerializer,
	"GOB":   NewGOBSerializer,
	"Proto": NewProtoSerializer,
}

type envelope struct {
	Collection string         `json:"collection"`
	Version    uint64         `json:"version"`
	Origin     string         `json:"origin"`
	Data       []byte         `json:"data"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// testValues creates a set of test values with different fields filled
func testValues() []envelope {
	return []envelope{
		{Collection: "tests"},
		{Collection: "orders", Version: 42, Origin: "node-a", Data: []byte(`[{"id":"O1"}]`)},
		{
			Collection: "users",
			Version:    1,
			Origin:     "node-b",
			Data:       []byte(`[]`),
			Fields: map[string]any{
				"name":    "AK CLINIC",
				"balance": 350.5,
				"active":  true,
				"tags":    []any{"lab", "partner"},
				"address": map[string]any{"city": "Kolkata"},
			},
		},
	}
}

// TestSerializerRoundTrip tests that values can be serialized and deserialized correctly
func TestSerializerRoundTrip(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			for i, v := range testValues() {
				data, err := serializer.Serialize(v)
				if err != nil {
					t.Errorf("Failed to serialize value %d: %v", i, err)
					continue
				}

				var result envelope
				if err := serializer.Deserialize(data, &result); err != nil {
					t.Errorf("Failed to deserialize value %d: %v", i, err)
					continue
				}

				if !reflect.DeepEqual(v, result) {
					t.Errorf("Value %d doesn't match after round trip:\nOriginal: %+v\nResult: %+v", i, v, result)
				}
			}
		})
	}
}

// TestDeserializeGarbage makes sure that invalid input produces an error instead of a panic
func TestDeserializeGarbage(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			var result envelope
			if err := factory().Deserialize([]byte("{not valid"), &result); err == nil {
				t.Errorf("expected error for garbage input")
			}
		})
	}
}

func TestNew(t *testing.T) {
	for _, name := range Names {
		s, err := New(name)
		if err != nil {
			t.Fatalf("New(%q) failed: %v", name, err)
		}
		if s.Name() != name {
			t.Errorf("expected serializer %q, got %q", name, s.Name())
		}
		if got := ForContentType(s.ContentType() + "; charset=utf-8"); got.Name() != name {
			t.Errorf("ForContentType(%q) returned %q", s.ContentType(), got.Name())
		}
	}
	if _, err := New("xml"); err == nil {
		t.Errorf("expected error for unknown serializer")
	}
	if ForContentType("").Name() != "json" {
		t.Errorf("expected json as default serializer")
	}
}

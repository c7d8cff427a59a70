package serializer

import (
	"fmt"
	"strings"
)

// ISerializer is the interface for all value serializers.
// Values must be JSON shaped (structs with json tags, maps, slices, primitives),
// which every implementation can encode.
type ISerializer interface {
	// Name returns the short name of the serializer (json, gob, proto).
	Name() string
	// ContentType returns the MIME type used when the encoded data is sent over HTTP.
	ContentType() string
	// Serialize serializes v into a byte array
	// It returns the serialized byte array and an error if any
	Serialize(v any) ([]byte, error)
	// Deserialize deserializes a byte array into the value pointed to by v
	// It returns an error if any
	Deserialize(b []byte, v any) error
}

// Names lists the names accepted by New.
var Names = []string{"json", "gob", "proto"}

// New returns the serializer with the given name.
func New(name string) (ISerializer, error) {
	switch strings.ToLower(name) {
	case "json", "":
		return NewJSONSerializer(), nil
	case "gob":
		return NewGOBSerializer(), nil
	case "proto", "protobuf":
		return NewProtoSerializer(), nil
	default:
		return nil, fmt.Errorf("unknown serializer %q (valid: %s)", name, strings.Join(Names, ", "))
	}
}

// ForContentType returns the serializer for a MIME type. Unknown or empty types map to JSON.
func ForContentType(contentType string) ISerializer {
	mediaType, _, _ := strings.Cut(contentType, ";")
	switch strings.TrimSpace(strings.ToLower(mediaType)) {
	case gobContentType:
		return NewGOBSerializer()
	case protoContentType:
		return NewProtoSerializer()
	default:
		return NewJSONSerializer()
	}
}

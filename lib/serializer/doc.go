// Package serializer provides value serialization for the wire formats of dSync:
// the gossip blob envelope and the bodies of the HTTP API. It defines a common
// interface and multiple implementations with different characteristics.
//
// Key Components:
//
//   - ISerializer: Core interface that all serializer implementations must satisfy.
//
//   - jsonSerializerImpl: JSON encoding, human-readable and the default everywhere.
//
//   - gobSerializerImpl: Go's gob encoding. Registers map[string]any and []any so
//     that documents with nested values can be encoded.
//
//   - protoSerializerImpl: Protocol buffers via google.protobuf.Value (structpb).
//     Useful for non-Go peers that already speak protobuf.
//
// All nodes of a gossip cluster must use the same serializer. The HTTP API picks the
// serializer per request from the Content-Type and Accept headers (ForContentType).
//
// Thread Safety:
//
//	All serializer implementations are stateless and safe for concurrent use
//	across multiple goroutines without additional synchronization.
//
// Usage:
//
//	s, err := serializer.New("gob")
//	data, err := s.Serialize(envelope)
//	// ... send data ...
//	var received Envelope
//	err = s.Deserialize(data, &received)
package serializer

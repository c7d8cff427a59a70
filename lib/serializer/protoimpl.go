package serializer

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const protoContentType = "application/x-protobuf"

// NewProtoSerializer creates a new serializer that encodes values as a protobuf
// google.protobuf.Value. The value is first converted into its JSON shape, so
// integers above 2^53 lose precision.
func NewProtoSerializer() ISerializer {
	return &protoSerializerImpl{}
}

// protoSerializerImpl implements the ISerializer interface using structpb
type protoSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.ISerializer)
// --------------------------------------------------------------------------

func (p protoSerializerImpl) Name() string {
	return "proto"
}

func (p protoSerializerImpl) ContentType() string {
	return protoContentType
}

func (p protoSerializerImpl) Serialize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	value, err := structpb.NewValue(generic)
	if err != nil {
		return nil, fmt.Errorf("failed to convert value: %w", err)
	}
	return proto.Marshal(value)
}

func (p protoSerializerImpl) Deserialize(b []byte, v any) error {
	value := &structpb.Value{}
	if err := proto.Unmarshal(b, value); err != nil {
		return err
	}
	raw, err := json.Marshal(value.AsInterface())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

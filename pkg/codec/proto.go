package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const ProtoName = "proto"

// Proto encodes bundles as a `google.protobuf.Struct`. Numbers come back
// as float64, exactly like with [JSON].
type Proto struct{}

func (Proto) Name() string {
	return ProtoName
}

func (Proto) Encode(bundle map[string]any) ([]byte, error) {
	msg, err := structpb.NewStruct(bundle)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}
	return proto.Marshal(msg)
}

func (Proto) Decode(frame []byte) (map[string]any, error) {
	msg := &structpb.Struct{}
	if err := proto.Unmarshal(frame, msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}
	return msg.AsMap(), nil
}

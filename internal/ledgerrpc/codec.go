package ledgerrpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Messages travel as google.protobuf.Struct carrying the same snake_case
// JSON documents the HTTP API uses.

func encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return out, nil
}

func decode(in *structpb.Struct, v any) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	raw, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

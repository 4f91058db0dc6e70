package codec

import (
	"encoding/json"
	"fmt"
)

const JSONName = "json"

// JSON is the default codec, the bundle is a single JSON object.
type JSON struct{}

func (JSON) Name() string {
	return JSONName
}

func (JSON) Encode(bundle map[string]any) ([]byte, error) {
	if bundle == nil {
		bundle = map[string]any{}
	}
	return json.Marshal(bundle)
}

func (JSON) Decode(frame []byte) (map[string]any, error) {
	var bundle map[string]any
	if err := json.Unmarshal(frame, &bundle); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}
	if bundle == nil {
		// `null` is not a bundle.
		return nil, fmt.Errorf("%w: not an object", ErrInvalidFrame)
	}
	return bundle, nil
}

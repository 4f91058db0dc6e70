// Package codec turns bundles, string-keyed maps of operations, into
// frames and back.
package codec

import "errors"

var ErrInvalidFrame = errors.New("codec: invalid frame")

// Codec MUST be safe for concurrent use. Decoded values only contain the
// types a JSON decoder produces: nil, bool, float64, string, []any and
// map[string]any.
type Codec interface {
	Encode(bundle map[string]any) ([]byte, error)
	Decode(frame []byte) (map[string]any, error)
	Name() string
}

// ByName returns the codec called name, JSON when name is empty.
func ByName(name string) (Codec, bool) {
	switch name {
	case "", JSONName:
		return JSON{}, true
	case ProtoName:
		return Proto{}, true
	}
	return nil, false
}

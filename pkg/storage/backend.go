package storage

import (
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/raskyld/swarm/pkg/codec"
)

var ErrClosed = errors.New("storage: closed")

// Backend persists the operation log of every object, keyed by
// `/Type#id` then by `!version.method`.
type Backend interface {
	// Load returns nil when nothing is stored for typeid.
	Load(typeid string) (map[string]any, error)
	Append(typeid string, entries map[string]any) error
	// Replace drops the stored log of typeid before writing entries.
	Replace(typeid string, entries map[string]any) error
	Close() error
}

// entryField wraps values so the codec always encodes a map.
const entryField = "v"

func encodeEntry(c codec.Codec, value any) ([]byte, error) {
	return c.Encode(map[string]any{entryField: value})
}

func decodeEntry(c codec.Codec, frame []byte) (any, error) {
	wrapped, err := c.Decode(frame)
	if err != nil {
		return nil, err
	}
	return wrapped[entryField], nil
}

// Memory keeps encoded entries in memory, values never alias the ones
// handed to `Append`.
type Memory struct {
	codec codec.Codec

	lk     sync.Mutex
	logs   map[string]map[string][]byte
	closed bool
}

func NewMemory(c codec.Codec) *Memory {
	if c == nil {
		c = codec.JSON{}
	}
	return &Memory{
		codec: c,
		logs:  make(map[string]map[string][]byte),
	}
}

func (m *Memory) Load(typeid string) (map[string]any, error) {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	stored := m.logs[typeid]
	if stored == nil {
		return nil, nil
	}
	ret := make(map[string]any, len(stored))
	for key, frame := range stored {
		value, err := decodeEntry(m.codec, frame)
		if err != nil {
			return nil, fmt.Errorf("storage: %s%s: %w", typeid, key, err)
		}
		ret[key] = value
	}
	return ret, nil
}

func (m *Memory) Append(typeid string, entries map[string]any) error {
	encoded, err := m.encode(entries)
	if err != nil {
		return err
	}

	m.lk.Lock()
	defer m.lk.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.logs[typeid] == nil {
		m.logs[typeid] = make(map[string][]byte, len(encoded))
	}
	maps.Copy(m.logs[typeid], encoded)
	return nil
}

func (m *Memory) Replace(typeid string, entries map[string]any) error {
	encoded, err := m.encode(entries)
	if err != nil {
		return err
	}

	m.lk.Lock()
	defer m.lk.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.logs[typeid] = encoded
	return nil
}

func (m *Memory) encode(entries map[string]any) (map[string][]byte, error) {
	encoded := make(map[string][]byte, len(entries))
	for key, value := range entries {
		frame, err := encodeEntry(m.codec, value)
		if err != nil {
			return nil, fmt.Errorf("storage: %s: %w", key, err)
		}
		encoded[key] = frame
	}
	return encoded, nil
}

func (m *Memory) Close() error {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.closed = true
	m.logs = nil
	return nil
}

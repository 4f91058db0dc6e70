package storage_test

import (
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/raskyld/swarm"
	"github.com/raskyld/swarm/pkg/codec"
	"github.com/raskyld/swarm/pkg/spec"
	"github.com/raskyld/swarm/pkg/storage"
	"github.com/stretchr/testify/require"
)

type received struct {
	op    spec.Spec
	value any
}

type sink struct {
	lk  sync.Mutex
	ops []received
}

func (s *sink) Deliver(op spec.Spec, value any, _ swarm.Receiver) {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.ops = append(s.ops, received{op: op, value: value})
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func backends(t *testing.T) map[string]func() storage.Backend {
	dir := t.TempDir()
	return map[string]func() storage.Backend{
		"memory": func() storage.Backend {
			return storage.NewMemory(codec.JSON{})
		},
		"bolt": func() storage.Backend {
			b, err := storage.OpenBolt(filepath.Join(dir, t.Name()+".db"), codec.Proto{})
			require.NoError(t, err)
			return b
		},
	}
}

func TestBackend(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b := open()
			defer b.Close()

			stored, err := b.Load("/Model#x")
			require.NoError(t, err)
			require.Nil(t, stored)

			require.NoError(t, b.Append("/Model#x", map[string]any{
				"!7AM0f+alice.set": map[string]any{"a": 1.0},
			}))
			require.NoError(t, b.Append("/Model#x", map[string]any{
				"!7AM0g+bob.set": map[string]any{"b": "two"},
			}))
			stored, err = b.Load("/Model#x")
			require.NoError(t, err)
			require.Equal(t, map[string]any{
				"!7AM0f+alice.set": map[string]any{"a": 1.0},
				"!7AM0g+bob.set":   map[string]any{"b": "two"},
			}, stored)

			require.NoError(t, b.Replace("/Model#x", map[string]any{
				"!7AM0h+bob.init": map[string]any{"a": 1.0, "b": "two"},
			}))
			stored, err = b.Load("/Model#x")
			require.NoError(t, err)
			require.Len(t, stored, 1)
			require.Contains(t, stored, "!7AM0h+bob.init")

			other, err := b.Load("/Model#y")
			require.NoError(t, err)
			require.Nil(t, other)
		})
	}
}

func TestMemoryDoesNotAlias(t *testing.T) {
	m := storage.NewMemory(nil)
	value := map[string]any{"a": 1.0}
	require.NoError(t, m.Append("/Model#x", map[string]any{"!7AM0f+alice.set": value}))
	value["a"] = 2.0

	stored, err := m.Load("/Model#x")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"a": 1.0}, stored["!7AM0f+alice.set"])

	require.NoError(t, m.Close())
	_, err = m.Load("/Model#x")
	require.ErrorIs(t, err, storage.ErrClosed)
}

func TestStorageOn(t *testing.T) {
	s := storage.New(storage.NewMemory(nil), quiet())
	on := spec.MustParse("/Model#x!7AM0f+swarm~a.on")

	t.Run("empty", func(t *testing.T) {
		r := &sink{}
		s.Deliver(on, "", r)
		require.Len(t, r.ops, 2)
		require.Equal(t, "/Model#x!0.init", r.ops[0].op.String())
		require.Equal(t, swarm.MethodReOn, r.ops[1].op.Method())
		require.Equal(t, "!0", r.ops[1].value)
	})

	s.Deliver(spec.MustParse("/Model#x!7AM0a+alice.init"), map[string]any{"a": 1.0, "_version": "7AM0a+alice"}, nil)
	s.Deliver(spec.MustParse("/Model#x!7AM0b+bob.set"), map[string]any{"b": 1.0}, nil)
	s.Deliver(spec.MustParse("/Model#x!7AM0c+alice.set"), map[string]any{"a": 2.0}, nil)

	t.Run("everything", func(t *testing.T) {
		r := &sink{}
		s.Deliver(on, "!0", r)
		require.Len(t, r.ops, 2)
		require.Equal(t, swarm.MethodBundle, r.ops[0].op.Method())
		require.Len(t, r.ops[0].value, 3)
		vec, err := spec.NewVVector(r.ops[1].value.(string))
		require.NoError(t, err)
		require.True(t, vec.Covers("7AM0c+alice"))
		require.True(t, vec.Covers("7AM0b+bob"))
	})

	t.Run("missing only", func(t *testing.T) {
		r := &sink{}
		s.Deliver(on, "!7AM0a+alice!7AM0b+bob", r)
		require.Len(t, r.ops, 2)
		require.Equal(t, map[string]any{
			"!7AM0c+alice.set": map[string]any{"a": 2.0},
		}, r.ops[0].value)
	})

	t.Run("bundle with init replaces the log", func(t *testing.T) {
		s.Deliver(spec.MustParse("/Model#x!7AM0d+carol.bundle"), map[string]any{
			"!7AM0c+alice.set":  map[string]any{"a": 2.0},
			"!7AM0d+carol.init": map[string]any{"a": 3.0, "_version": "7AM0d+carol"},
			"!7AM0e+carol.set":  map[string]any{"c": 1.0},
		}, nil)
		r := &sink{}
		s.Deliver(on, "", r)
		require.Equal(t, swarm.MethodBundle, r.ops[0].op.Method())
		entries := r.ops[0].value.(map[string]any)
		require.Len(t, entries, 3)
		require.Contains(t, entries, "!7AM0d+carol.init")
		require.NotContains(t, entries, "!7AM0a+alice.init")
		require.NotContains(t, entries, "!7AM0b+bob.set")
	})

	t.Run("malformed", func(t *testing.T) {
		r := &sink{}
		s.Deliver(spec.MustParse("/Model#x!7AM0f+alice.bundle"), "not a bundle", r)
		require.Len(t, r.ops, 1)
		require.Equal(t, swarm.MethodError, r.ops[0].op.Method())
	})
}

func TestHostReloadsFromStorage(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			backend := open()

			first, err := swarm.NewHost("swarm~a", swarm.WithLog(quiet().Handler()), swarm.WithStorage(storage.New(backend, quiet())))
			require.NoError(t, err)
			o, err := first.Create(swarm.ModelTypeName, map[string]any{"greeting": "hi"})
			require.NoError(t, err)
			m, _ := swarm.AsModel(o)
			m.Set(map[string]any{"greeting": "hello", "lang": "en"})
			sp := o.Spec()
			require.NoError(t, first.Close())

			if name == "bolt" {
				require.NoError(t, backend.Close())
				backend = open()
			}
			defer backend.Close()

			second, err := swarm.NewHost("swarm~a", swarm.WithLog(quiet().Handler()), swarm.WithStorage(storage.New(backend, quiet())))
			require.NoError(t, err)
			defer second.Close()

			reloaded, err := second.Get(sp)
			require.NoError(t, err)
			require.True(t, reloaded.HasState())
			rm, ok := swarm.AsModel(reloaded)
			require.True(t, ok)
			require.Equal(t, map[string]any{"greeting": "hello", "lang": "en"}, rm.Fields())
		})
	}
}

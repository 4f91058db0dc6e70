package swarm

import (
	"maps"
	"testing"

	"github.com/raskyld/swarm/pkg/spec"
	"github.com/stretchr/testify/require"
)

func TestDistillLog(t *testing.T) {
	h := newTestHost(t, "swarm~a")
	o, err := h.Get(spec.MustParse("/Model#distill"))
	require.NoError(t, err)

	// Compaction is exercised explicitly below.
	o.typ = &TypeDef{Name: ModelTypeName, Methods: o.typ.Methods, NewState: o.typ.NewState, Snapshot: o.typ.Snapshot}

	for _, entry := range []struct {
		op     string
		fields map[string]any
	}{
		{"/Model#distill!7AM0a+alice.set", map[string]any{"x": 1.0, "y": 1.0}},
		{"/Model#distill!7AM0b+alice.set", map[string]any{"x": 2.0}},
		{"/Model#distill!7AM0c+bob.set", map[string]any{"y": 3.0}},
		{"/Model#distill!7AM0d+alice.set", map[string]any{"z": 4.0}},
	} {
		o.Deliver(spec.MustParse(entry.op), entry.fields, nil)
	}
	require.Len(t, o.oplog, 4)

	cumul := DistillLog(o)
	require.Equal(t, map[string]any{"x": 2.0, "y": 3.0, "z": 4.0}, cumul)

	// 7AM0a lost all its fields and is not alice's head anymore.
	require.Equal(t, map[string]any{
		"!7AM0b+alice.set": map[string]any{"x": 2.0},
		"!7AM0c+bob.set":   map[string]any{"y": 3.0},
		"!7AM0d+alice.set": map[string]any{"z": 4.0},
	}, o.oplog)

	t.Run("idempotent", func(t *testing.T) {
		before := maps.Clone(o.oplog)
		require.Equal(t, cumul, DistillLog(o))
		require.Equal(t, before, o.oplog)
	})

	t.Run("keeps the head of every source", func(t *testing.T) {
		o.Deliver(spec.MustParse("/Model#distill!7AM0e+carol.set"), map[string]any{"z": 5.0}, nil)
		o.Deliver(spec.MustParse("/Model#distill!7AM0f+bob.set"), map[string]any{"z": 6.0}, nil)
		DistillLog(o)
		require.Contains(t, o.oplog, "!7AM0e+carol.set")
		require.Equal(t, map[string]any{}, o.oplog["!7AM0e+carol.set"])
		require.Equal(t, map[string]any{}, o.oplog["!7AM0d+alice.set"])
	})
}

func TestModel(t *testing.T) {
	h := newTestHost(t, "swarm~a")
	m := newModel(t, h, map[string]any{"name": "mouse"})

	name, ok := m.Get("name")
	require.True(t, ok)
	require.Equal(t, "mouse", name)

	t.Run("nil removes a field", func(t *testing.T) {
		m.Set(map[string]any{"name": nil, "age": 2.0})
		_, ok := m.Get("name")
		require.False(t, ok)
		require.Equal(t, map[string]any{"age": 2.0}, m.Fields())
	})

	t.Run("compacted after every set", func(t *testing.T) {
		counter := newModel(t, h, nil)
		for i := range 10 {
			counter.Set(map[string]any{"age": float64(i)})
		}
		require.Len(t, counter.Oplog(), 1)
	})

	t.Run("fields are copies", func(t *testing.T) {
		m.Set(map[string]any{"tags": []any{"a"}})
		fields := m.Fields()
		fields["tags"].([]any)[0] = "b"
		tags, _ := m.Get("tags")
		require.Equal(t, []any{"a"}, tags)
	})
}

func TestWatch(t *testing.T) {
	h := newTestHost(t, "swarm~a")
	m := newModel(t, h, nil)

	r := &recorder{}
	m.Watch("x", r)
	m.Set(map[string]any{"y": 1.0})
	m.Set(map[string]any{"x": 1.0, "y": 2.0})
	require.Equal(t, []string{MethodSet}, r.methods())

	m.Unwatch("x", r)
	require.True(t, m.lstn.empty())
	m.Set(map[string]any{"x": 2.0})
	require.Len(t, r.methods(), 1)
}

func TestFieldReaction(t *testing.T) {
	td := ModelType()
	var seen []any
	handle := AddFieldReaction(td, "x", func(_ *Object, _ spec.Spec, value any, _ Receiver) {
		seen = append(seen, value.(map[string]any)["x"])
	})
	reg, err := NewRegistry(td)
	require.NoError(t, err)
	h := newTestHost(t, "swarm~a", WithRegistry(reg))

	m := newModel(t, h, nil)
	m.Set(map[string]any{"x": 1.0})
	m.Set(map[string]any{"y": 1.0})
	require.Equal(t, []any{1.0}, seen)

	require.NoError(t, td.RemoveReaction(handle))
	m.Set(map[string]any{"x": 2.0})
	require.Len(t, seen, 1)
	require.ErrorIs(t, td.RemoveReaction(handle), ErrUnknownListener)
}

func TestRegistry(t *testing.T) {
	reg, err := NewRegistry(ModelType())
	require.NoError(t, err)
	require.ErrorIs(t, reg.Register(ModelType()), ErrTypeAlreadyKnown)

	_, ok := reg.Lookup(ModelTypeName)
	require.True(t, ok)

	for name, td := range map[string]*TypeDef{
		"bad type name":  {Name: "Bad Name"},
		"bad method":     {Name: "Counter", Methods: map[string]Handler{"Inc": nil}},
		"shadow neutral": {Name: "Counter", Methods: map[string]Handler{MethodOn: nil}},
	} {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, reg.Register(td), ErrInvalidCfg)
		})
	}
}

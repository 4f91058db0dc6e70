package swarm

import (
	"fmt"
	"regexp"
	"slices"

	"github.com/raskyld/swarm/pkg/spec"
)

const (
	ModelTypeName = "Model"
	MethodSet     = "set"
)

var reFieldName = regexp.MustCompile(`^[a-z][a-z0-9]*([A-Z][a-z0-9]*)*$`)

// Field is a subscription filter for a single `Model` field.
type Field string

type modelState struct {
	fields map[string]any
}

// ModelType is a field map replicated through a single logged `set`
// operation. Concurrent writes converge: the field value carried by the
// greatest version wins.
func ModelType() *TypeDef {
	return &TypeDef{
		Name: ModelTypeName,
		Methods: map[string]Handler{
			MethodSet: modelSet,
		},
		Neutrals: map[string]Handler{
			MethodOn:  modelOn,
			MethodOff: modelOff,
		},
		NewState: func() any {
			return &modelState{fields: make(map[string]any)}
		},
		Snapshot: func(state any) map[string]any {
			return cloneValue(state.(*modelState).fields).(map[string]any)
		},
		Apply: func(state any, snapshot map[string]any) error {
			fields := state.(*modelState).fields
			for k, v := range snapshot {
				if v == nil {
					delete(fields, k)
				} else {
					fields[k] = cloneValue(v)
				}
			}
			return nil
		},
		Validate: func(op spec.Spec, value any) error {
			if op.Method() != MethodSet {
				return nil
			}
			fields, ok := value.(map[string]any)
			if !ok {
				return fmt.Errorf("set expects a field map, got %T", value)
			}
			for k := range fields {
				if !reFieldName.MatchString(k) {
					return fmt.Errorf("bad field name %q", k)
				}
			}
			return nil
		},
		Compact: func(o *Object) {
			DistillLog(o)
		},
	}
}

// modelSet applies the fields no newer logged `set` already wrote.
func modelSet(o *Object, op spec.Spec, value any, _ Receiver) error {
	state := o.State.(*modelState)
	fields := value.(map[string]any)

	var newer map[string]bool
	if op.Version() < o.version {
		self := op.Filter("!.").String()
		newer = make(map[string]bool)
		for key, logged := range o.oplog {
			if key <= self {
				continue
			}
			if sp, err := spec.Parse(key); err != nil || sp.Method() != MethodSet {
				continue
			}
			if m, ok := logged.(map[string]any); ok {
				for k := range m {
					newer[k] = true
				}
			}
		}
	}

	for k, v := range fields {
		if newer[k] {
			continue
		}
		if v == nil {
			delete(state.fields, k)
		} else {
			state.fields[k] = cloneValue(v)
		}
	}
	return nil
}

// DistillLog compacts the `set` entries of the oplog: walking newest
// first, keys already set by a newer entry are stripped and emptied
// entries are dropped, except the newest entry of each source. It returns
// the cumulative field map and is idempotent.
func DistillLog(o *Object) map[string]any {
	var sets []string
	for key := range o.oplog {
		if sp, err := spec.Parse(key); err == nil && sp.Method() == MethodSet {
			sets = append(sets, key)
		}
	}
	slices.Sort(sets)

	cumul := make(map[string]any)
	heads := make(map[string]bool)
	for i := len(sets) - 1; i >= 0; i-- {
		key := sets[i]
		fields, _ := o.oplog[key].(map[string]any)
		notEmpty := false
		for k, v := range fields {
			if _, seen := cumul[k]; seen {
				delete(fields, k)
			} else {
				cumul[k] = v
				notEmpty = true
			}
		}

		source := spec.MustParse(key).Source()
		if !notEmpty && heads[source] {
			delete(o.oplog, key)
		}
		heads[source] = true
	}
	return cumul
}

// fieldFilter forwards the `set` operations touching one field.
type fieldFilter struct {
	field string
	sink  Receiver
}

func (ff *fieldFilter) Deliver(op spec.Spec, value any, from Receiver) {
	if op.Method() != MethodSet {
		return
	}
	if fields, ok := value.(map[string]any); ok {
		if _, touched := fields[ff.field]; touched {
			ff.sink.Deliver(op, value, from)
		}
	}
}

func modelOn(o *Object, op spec.Spec, value any, from Receiver) error {
	if field, ok := value.(Field); ok && from != nil {
		return o.handleOn(op, "", &fieldFilter{field: string(field), sink: from})
	}
	return o.handleOn(op, value, from)
}

func modelOff(o *Object, op spec.Spec, value any, from Receiver) error {
	if field, ok := value.(Field); ok {
		for i, down := range o.lstn.down {
			peer := down.peer
			if down.deferred != nil {
				peer = down.deferred.replyTo
			}
			if ff, ok := peer.(*fieldFilter); ok && ff.field == string(field) && ff.sink == from {
				o.lstn.removeDown(i)
				return nil
			}
		}
	}
	return o.handleOff(op, value, from)
}

// Model is a typed view over an `Object` of `ModelType`.
type Model struct {
	*Object
}

func AsModel(o *Object) (Model, bool) {
	if o == nil {
		return Model{}, false
	}
	_, ok := o.State.(*modelState)
	return Model{Object: o}, ok
}

// Set writes fields, a nil value removes the field.
func (m Model) Set(fields map[string]any) spec.Spec {
	return m.Call(MethodSet, fields, nil)
}

func (m Model) Get(field string) (any, bool) {
	v, ok := m.State.(*modelState).fields[field]
	return v, ok
}

// Fields returns a copy of the current field map.
func (m Model) Fields() map[string]any {
	return m.Snapshot()
}

// Watch subscribes r to the `set` operations touching field.
func (m Model) Watch(field string, r Receiver) {
	m.Deliver(m.NewEventSpec(MethodOn), Field(field), r)
}

func (m Model) Unwatch(field string, r Receiver) {
	m.Deliver(m.NewEventSpec(MethodOff), Field(field), r)
}

// AddFieldReaction reacts to every `set` touching field.
func AddFieldReaction(td *TypeDef, field string, fn Reaction) ReactionHandle {
	return td.AddReaction(MethodSet, func(o *Object, op spec.Spec, value any, from Receiver) {
		if fields, ok := value.(map[string]any); ok {
			if _, touched := fields[field]; touched {
				fn(o, op, value, from)
			}
		}
	})
}

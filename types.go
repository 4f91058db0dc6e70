package swarm

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/raskyld/swarm/pkg/spec"
)

var reMethodName = regexp.MustCompile(`^[a-z][a-z0-9]*([A-Z][a-z0-9]*)*$`)

// Handler implements one method of a replicated type. Handlers of logged
// methods mutate `Object.State` and MUST NOT touch the oplog themselves.
type Handler func(o *Object, op spec.Spec, value any, from Receiver) error

// Reaction is invoked for every logged operation of a given method on
// any object of a type, after the operation was applied.
type Reaction func(o *Object, op spec.Spec, value any, from Receiver)

// ReactionHandle identifies a reaction for `TypeDef.RemoveReaction`.
type ReactionHandle struct {
	method string
	id     uint64
}

type reactionEntry struct {
	id uint64
	fn Reaction
}

// TypeDef is the dispatch table of a replicated type. It is built once and
// registered in a `Registry` before any object of the type is referenced.
type TypeDef struct {
	// Name is the `/Type` token body.
	Name string

	// Methods are logged: applied, appended to the oplog and re-emitted
	// to every listener.
	Methods map[string]Handler

	// Neutrals are control operations, never logged. They take precedence
	// over the built-in `on`, `off`, `reon`, `reoff`, `bundle`, `init` and
	// `error`.
	Neutrals map[string]Handler

	// NewState allocates the type-specific state of a new object.
	NewState func() any

	// Snapshot exports the state, for `init` replies.
	Snapshot func(state any) map[string]any

	// Apply loads a snapshot into the state.
	Apply func(state any, snapshot map[string]any) error

	// Validate is a schema check, failures are reported as `ErrInvalidInput`.
	Validate func(op spec.Spec, value any) error

	// ACL is an authorization check, failures are reported as
	// `ErrAccessViolation`.
	ACL func(o *Object, op spec.Spec, value any, from Receiver) error

	// Compact runs after every logged operation was appended to the oplog.
	Compact func(o *Object)

	lk           sync.RWMutex
	reactions    map[string][]reactionEntry
	nextReaction uint64
}

// AddReaction registers fn for every logged `method` operation.
func (td *TypeDef) AddReaction(method string, fn Reaction) ReactionHandle {
	td.lk.Lock()
	defer td.lk.Unlock()
	if td.reactions == nil {
		td.reactions = make(map[string][]reactionEntry)
	}
	td.nextReaction++
	td.reactions[method] = append(td.reactions[method], reactionEntry{id: td.nextReaction, fn: fn})
	return ReactionHandle{method: method, id: td.nextReaction}
}

func (td *TypeDef) RemoveReaction(handle ReactionHandle) error {
	td.lk.Lock()
	defer td.lk.Unlock()
	list := td.reactions[handle.method]
	for i, entry := range list {
		if entry.id == handle.id {
			td.reactions[handle.method] = append(list[:i:i], list[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: reaction %d on %s", ErrUnknownListener, handle.id, handle.method)
}

func (td *TypeDef) reactionsFor(method string) []Reaction {
	td.lk.RLock()
	defer td.lk.RUnlock()
	list := td.reactions[method]
	ret := make([]Reaction, len(list))
	for i, entry := range list {
		ret[i] = entry.fn
	}
	return ret
}

func (td *TypeDef) validate() error {
	if _, _, err := spec.ParseToken(td.Name); err != nil {
		return fmt.Errorf("%w: type name %q: %w", ErrInvalidCfg, td.Name, err)
	}
	for name := range td.Methods {
		if !reMethodName.MatchString(name) {
			return fmt.Errorf("%w: method name %q", ErrInvalidCfg, name)
		}
		if _, builtin := builtinNeutrals[name]; builtin {
			return fmt.Errorf("%w: logged method %q shadows a neutral", ErrInvalidCfg, name)
		}
	}
	for name := range td.Neutrals {
		if !reMethodName.MatchString(name) {
			return fmt.Errorf("%w: neutral name %q", ErrInvalidCfg, name)
		}
	}
	return nil
}

// Registry maps type names to their `TypeDef`.
type Registry struct {
	lk    sync.RWMutex
	types map[string]*TypeDef
}

// NewRegistry returns a registry knowing defs.
func NewRegistry(defs ...*TypeDef) (*Registry, error) {
	reg := &Registry{types: make(map[string]*TypeDef)}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (reg *Registry) Register(def *TypeDef) error {
	if err := def.validate(); err != nil {
		return err
	}

	reg.lk.Lock()
	defer reg.lk.Unlock()
	if _, exists := reg.types[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrTypeAlreadyKnown, def.Name)
	}
	reg.types[def.Name] = def
	return nil
}

func (reg *Registry) Lookup(name string) (*TypeDef, bool) {
	reg.lk.RLock()
	defer reg.lk.RUnlock()
	def, ok := reg.types[name]
	return def, ok
}

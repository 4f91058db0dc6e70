// Package storage is a peer that persists the operation log of every
// object it is subscribed to and replays it to the replicas of its host.
package storage

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/raskyld/swarm"
	"github.com/raskyld/swarm/pkg/spec"
)

// Storage is plugged into a host with `swarm.WithStorage`. It answers
// `on` with the stored entries the subscriber misses followed by a
// `reon` carrying its own version vector, appends every logged operation
// and replaces the log on `init`.
//
// Storage is driven by its host and is not safe for concurrent use by
// several hosts.
type Storage struct {
	backend Backend
	logger  *slog.Logger
}

func New(backend Backend, logger *slog.Logger) *Storage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Storage{
		backend: backend,
		logger:  logger.With("component", "storage"),
	}
}

func (s *Storage) Deliver(op spec.Spec, value any, from swarm.Receiver) {
	if err := s.deliver(op, value, from); err != nil {
		s.logger.Warn("storage operation failed", swarm.LabelOp.L(op.String()), swarm.LabelError.L(err))
		if from != nil && op.Method() != swarm.MethodError {
			from.Deliver(withMethod(op, swarm.MethodError), err.Error(), s)
		}
	}
}

func (s *Storage) deliver(op spec.Spec, value any, from swarm.Receiver) error {
	if op.Pattern() != spec.FullPattern {
		return fmt.Errorf("%w: %q is not an operation", swarm.ErrMalformedSpec, op.String())
	}
	typeid := op.Filter("/#").String()
	key := op.Filter("!.").String()

	switch op.Method() {
	case swarm.MethodOn:
		return s.on(op, typeid, value, from)
	case swarm.MethodOff, swarm.MethodReOff, swarm.MethodReOn:
		return nil
	case swarm.MethodError:
		s.logger.Warn("remote failure", swarm.LabelOp.L(op.String()), swarm.LabelError.L(value))
		return nil
	case swarm.MethodInit:
		return s.backend.Replace(typeid, map[string]any{key: value})
	case swarm.MethodBundle:
		entries, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: bundle is a %T", swarm.ErrInvalidInput, value)
		}
		return s.bundle(typeid, entries)
	}
	return s.backend.Append(typeid, map[string]any{key: value})
}

// bundle stores entries, an `init` entry drops what was stored before it.
func (s *Storage) bundle(typeid string, entries map[string]any) error {
	var initKey string
	for key := range entries {
		sp, err := spec.Parse(key)
		if err != nil || sp.Pattern() != "!." {
			return fmt.Errorf("%w: bundle entry %q", swarm.ErrMalformedSpec, key)
		}
		if sp.Method() == swarm.MethodInit && key > initKey {
			initKey = key
		}
	}

	if initKey == "" {
		return s.backend.Append(typeid, entries)
	}
	kept := make(map[string]any, len(entries))
	for key, value := range entries {
		if key >= initKey || !strings.HasSuffix(key, "."+swarm.MethodInit) {
			kept[key] = value
		}
	}
	return s.backend.Replace(typeid, kept)
}

func (s *Storage) on(op spec.Spec, typeid string, value any, from swarm.Receiver) error {
	if from == nil {
		return swarm.ErrNoReceiver
	}
	stored, err := s.backend.Load(typeid)
	if err != nil {
		return err
	}

	if len(stored) == 0 {
		// Nothing stored yet: the subscriber starts from an empty state.
		from.Deliver(op.Set(spec.MustParse("!0."+swarm.MethodInit)), map[string]any{}, s)
		from.Deliver(withMethod(op, swarm.MethodReOn), "!0", s)
		return nil
	}

	base, _ := value.(string)
	var covered *spec.VVector
	if base != "" && base != "!0" {
		covered, err = spec.NewVVector(base)
		if err != nil {
			s.logger.Warn("bad base version, sending everything", swarm.LabelError.L(err))
			covered = nil
		}
	}

	diff := make(map[string]any)
	held, _ := spec.NewVVector("")
	for key, entry := range stored {
		sp, err := spec.Parse(key)
		if err != nil {
			continue
		}
		held.AddSpec(sp)
		if snapshot, ok := entry.(map[string]any); ok && sp.Method() == swarm.MethodInit {
			if version, ok := snapshot["_version"].(string); ok {
				_ = held.Add(version)
			}
		}
		if covered == nil || !covered.Covers(sp.Version()) {
			diff[key] = entry
		}
	}

	if len(diff) > 0 {
		from.Deliver(withMethod(op, swarm.MethodBundle), diff, s)
	}
	from.Deliver(withMethod(op, swarm.MethodReOn), held.String(), s)
	return nil
}

func (s *Storage) Close() error {
	return s.backend.Close()
}

func withMethod(op spec.Spec, method string) spec.Spec {
	return op.Set(spec.Spec{}.AddToken(spec.QuantMethod, method))
}

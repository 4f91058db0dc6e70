package swarm

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/swarm/pkg/clock"
	"github.com/raskyld/swarm/pkg/spec"
)

// HostTypeName is the `/Type` of host-level operations.
const HostTypeName = "Host"

// Host registers the local replicas, connects them to the right sources
// and issues versions.
//
// A Host is a single logical thread: every call coming from another
// goroutine MUST go through `Host.Exec`. Deliveries between receivers are
// plain synchronous calls made while the host is held.
type Host struct {
	id       string
	cfg      config
	logger   *slog.Logger
	msink    metrics.MetricSink
	registry *Registry
	clock    *clock.Clock

	lk      sync.Mutex
	objects *iradix.Tree
	sources map[string]Receiver
	closed  bool

	pipesLk sync.Mutex
	pipes   map[*Pipe]struct{}
}

// NewHost creates a host. id is the source suffix of every version it
// issues, so it MUST be unique in the swarm.
func NewHost(id string, opts ...Option) (*Host, error) {
	if strings.Contains(id, "+") {
		return nil, fmt.Errorf("%w: host id %q has an extension", ErrInvalidCfg, id)
	}

	h := &Host{
		id:      id,
		objects: iradix.New(),
		sources: make(map[string]Receiver),
		pipes:   make(map[*Pipe]struct{}),
	}
	h.cfg.isServer = defaultIsServer

	for _, opt := range opts {
		if err := opt(&h.cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	clk, err := clock.New(id, h.cfg.clockOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	h.clock = clk

	if h.cfg.logHandler != nil {
		h.logger = slog.New(h.cfg.logHandler)
	} else {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With(LabelHost.L(id))

	h.msink = h.cfg.msink
	if h.msink == nil {
		h.msink = metrics.Default()
	}

	h.registry = h.cfg.registry
	if h.registry == nil {
		h.registry, err = NewRegistry(ModelType())
		if err != nil {
			return nil, err
		}
	}

	if h.cfg.storage != nil {
		h.sources[id] = h.cfg.storage
	}
	return h, nil
}

func (h *Host) ID() string {
	return h.id
}

// IsServer tells whether this host takes part in consistent hashing.
func (h *Host) IsServer() bool {
	return h.cfg.isServer(h.id)
}

func (h *Host) Registry() *Registry {
	return h.registry
}

// Spec returns `/Host#id`.
func (h *Host) Spec() spec.Spec {
	return spec.Spec{}.AddToken(spec.QuantType, HostTypeName).AddToken(spec.QuantID, h.id)
}

// Version issues a fresh version.
func (h *Host) Version() string {
	return h.clock.Issue()
}

func (h *Host) Clock() *clock.Clock {
	return h.clock
}

func (h *Host) NewEventSpec(method string) spec.Spec {
	return h.Spec().
		AddToken(spec.QuantVersion, h.clock.Issue()).
		AddToken(spec.QuantMethod, method)
}

// Exec runs fn with the host held.
func (h *Host) Exec(fn func()) error {
	h.lk.Lock()
	defer h.lk.Unlock()
	if h.closed {
		return ErrHostClosed
	}
	fn()
	return nil
}

// Get returns the replica of `/Type#id`, creating a stateless one on
// first reference. Without `#id`, a fresh object is created.
func (h *Host) Get(sp spec.Spec) (*Object, error) {
	if h.closed {
		return nil, ErrHostClosed
	}
	typ, ok := h.registry.Lookup(sp.Type())
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, sp.Type())
	}
	if !sp.Has(spec.QuantID) {
		return h.Create(typ.Name, nil)
	}

	key := sp.Filter("/#").String()
	if raw, found := h.objects.Get([]byte(key)); found {
		return raw.(*Object), nil
	}

	o := newObject(h, typ, sp.ID())
	h.Register(o)
	o.CheckUplink()
	return o, nil
}

// Create makes a new object with a fresh id, initialized with snapshot.
func (h *Host) Create(typeName string, snapshot map[string]any) (*Object, error) {
	if h.closed {
		return nil, ErrHostClosed
	}
	typ, ok := h.registry.Lookup(typeName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typeName)
	}

	id := h.clock.Issue()
	o := newObject(h, typ, id)
	h.Register(o)
	if snapshot == nil {
		snapshot = map[string]any{}
	}
	o.Deliver(o.Spec().AddToken(spec.QuantVersion, id).AddToken(spec.QuantMethod, MethodInit), snapshot, nil)
	o.CheckUplink()
	return o, nil
}

// Register adds o to the registry, the replica already registered under
// the same spec wins.
func (h *Host) Register(o *Object) *Object {
	key := []byte(o.Spec().String())
	if raw, found := h.objects.Get(key); found {
		return raw.(*Object)
	}
	h.objects, _, _ = h.objects.Insert(key, o)
	h.msink.SetGaugeWithLabels(MetricSwarmObjectsLive, float32(h.objects.Len()), h.cfg.metricLabels)
	return o
}

// Unregister drops the registry entry of sp if it still points to o.
func (h *Host) Unregister(sp spec.Spec, o *Object) {
	key := []byte(sp.String())
	if raw, found := h.objects.Get(key); !found || raw.(*Object) != o {
		return
	}
	h.objects, _, _ = h.objects.Delete(key)
	h.msink.SetGaugeWithLabels(MetricSwarmObjectsLive, float32(h.objects.Len()), h.cfg.metricLabels)
}

// Objects lists the registered replicas whose spec starts with prefix,
// `/Model` for instance, in spec order.
func (h *Host) Objects(prefix string) []*Object {
	var ret []*Object
	h.objects.Root().WalkPrefix([]byte(prefix), func(_ []byte, v interface{}) bool {
		ret = append(ret, v.(*Object))
		return false
	})
	return ret
}

type rankedSource struct {
	id   string
	dist uint32
	peer Receiver
}

// Sources returns the receivers the replica of sp subscribes to, the
// uplink first.
//
// Servers rank every server peer closer to sp than themselves on the hash
// ring, their own storage sitting at their own distance. Clients pull from
// their storage, then from the nearest server.
func (h *Host) Sources(sp spec.Spec) []Receiver {
	target := sp.Filter("/#").String()
	server := h.cfg.isServer(h.id)

	threshold := ^uint32(0)
	var ranked []rankedSource
	if server {
		threshold = HashDistance(h.id, target)
		if h.cfg.storage != nil {
			ranked = append(ranked, rankedSource{id: h.id, dist: threshold, peer: h.cfg.storage})
		}
	}
	for id, peer := range h.sources {
		if id == h.id || !h.cfg.isServer(id) {
			continue
		}
		if dist := HashDistance(id, target); dist <= threshold {
			ranked = append(ranked, rankedSource{id: id, dist: dist, peer: peer})
		}
	}
	slices.SortStableFunc(ranked, func(a, b rankedSource) int {
		return cmp.Or(cmp.Compare(a.dist, b.dist), strings.Compare(a.id, b.id))
	})

	var ret []Receiver
	if !server {
		if h.cfg.storage != nil {
			ret = append(ret, h.cfg.storage)
		}
		if len(ranked) > 0 {
			ret = append(ret, ranked[0].peer)
		}
		return ret
	}
	for _, src := range ranked {
		ret = append(ret, src.peer)
	}
	return ret
}

// Source returns the receiver registered for a peer id.
func (h *Host) Source(id string) (Receiver, bool) {
	peer, ok := h.sources[id]
	return peer, ok
}

// Deliver routes object operations to their replica, created on demand,
// and handles the `/Host` neutrals exchanged between peers.
func (h *Host) Deliver(op spec.Spec, value any, from Receiver) {
	if err := h.deliver(op, value, from); err != nil {
		h.logger.Warn("host operation failed", LabelOp.L(op.String()), LabelError.L(err))
		if from != nil && op.Pattern() == spec.FullPattern && op.Method() != MethodError {
			from.Deliver(withMethod(op, MethodError), err.Error(), h)
		}
	}
}

func (h *Host) deliver(op spec.Spec, value any, from Receiver) error {
	if op.Pattern() != spec.FullPattern {
		return fmt.Errorf("%w: %q is not an operation", ErrMalformedSpec, op.String())
	}
	if h.closed {
		return ErrHostClosed
	}

	if op.Type() != HostTypeName {
		o, err := h.Get(op.Filter("/#"))
		if err != nil {
			return err
		}
		o.Deliver(op, value, from)
		return nil
	}

	switch op.Method() {
	case MethodOn:
		filter, err := parseFilter(value, spec.QuantType)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		if filter.IsEmpty() {
			return h.addSource(op, from)
		}
		return h.forward(op, filter, from, MethodOn)
	case MethodReOn:
		return h.addSource(op, from)
	case MethodOff, MethodReOff:
		filter, _ := parseFilter(value, spec.QuantType)
		if filter.Has(spec.QuantType) {
			return h.forward(op, filter, from, MethodOff)
		}
		if err := h.removeSource(op.ID(), from); err != nil {
			return err
		}
		if op.Method() == MethodOff {
			from.Deliver(h.NewEventSpec(MethodReOff), "", h)
		}
		return nil
	case MethodError:
		h.logger.Warn("remote failure", LabelOp.L(op.String()), LabelError.L(value))
		return nil
	}

	h.logger.Warn(ErrUnimplemented.Error(), LabelOp.L(op.String()))
	return nil
}

// forward implements the `/Host` shortcuts, `on` carrying an object
// filter such as `/Model#x!base.set` is sent to that object.
func (h *Host) forward(op, filter spec.Spec, from Receiver, method string) error {
	if !filter.Has(spec.QuantType) {
		return fmt.Errorf("%w: no type in filter %q", ErrInvalidInput, filter.String())
	}
	if from == nil {
		return ErrNoReceiver
	}

	typeid := filter.Filter("/#")
	if !typeid.Has(spec.QuantID) {
		if method == MethodOff {
			return fmt.Errorf("%w: no id in filter %q", ErrInvalidInput, filter.String())
		}
		typeid = typeid.AddToken(spec.QuantID, op.Version())
	}

	objop := typeid.
		AddToken(spec.QuantVersion, op.Version()).
		AddToken(spec.QuantMethod, method)

	if method == MethodOff {
		raw, found := h.objects.Get([]byte(typeid.String()))
		if found {
			raw.(*Object).Deliver(objop, "", from)
		}
		return nil
	}

	o, err := h.Get(typeid)
	if err != nil {
		return err
	}
	o.Deliver(objop, filter.Filter("!.").String(), from)
	return nil
}

// addSource registers the peer announced by a `/Host#peer` handshake and
// reconnects every replica to its best sources.
func (h *Host) addSource(op spec.Spec, peer Receiver) error {
	if peer == nil {
		return ErrNoReceiver
	}
	id := op.ID()
	if id == "" {
		return fmt.Errorf("%w: anonymous peer", ErrInvalidInput)
	}

	if old, ok := h.sources[id]; ok && old != peer {
		old.Deliver(h.NewEventSpec(MethodOff), "", h)
	}
	h.sources[id] = peer
	h.msink.SetGaugeWithLabels(MetricSwarmSourcesLive, float32(len(h.sources)), h.cfg.metricLabels)
	h.logger.Info("peer connected", LabelPeerName.L(id))

	if op.Method() == MethodOn {
		peer.Deliver(h.NewEventSpec(MethodReOn), "", h)
	}

	for _, o := range h.Objects("") {
		o.CheckUplink()
	}
	return nil
}

// RemoveSource forgets every source registered as peer, for instance a
// pipe whose connection dropped.
func (h *Host) RemoveSource(peer Receiver) {
	for id, src := range h.sources {
		if src == peer && id != h.id {
			_ = h.removeSource(id, peer)
		}
	}
}

func (h *Host) removeSource(id string, peer Receiver) error {
	if peer == nil {
		return ErrNoReceiver
	}
	if h.sources[id] != peer {
		return fmt.Errorf("%w: %q", ErrUnknownPeer, id)
	}
	if id != h.id {
		delete(h.sources, id)
		h.msink.SetGaugeWithLabels(MetricSwarmSourcesLive, float32(len(h.sources)), h.cfg.metricLabels)
		h.logger.Info("peer disconnected", LabelPeerName.L(id))
	}

	for _, o := range h.Objects("") {
		if o.lstn.contains(peer) {
			o.dropListener(peer)
			o.CheckUplink()
		}
	}
	return nil
}

// On subscribes r to the object filter designates, `/Model#x`,
// `/Model#x.set` or `/Model#x!base` for instance. The object is created
// if needed.
func (h *Host) On(filter string, r Receiver) error {
	sp, err := spec.ParseWithQuant(filter, spec.QuantType)
	if err != nil {
		return err
	}
	return h.forward(h.NewEventSpec(MethodOn), sp, r, MethodOn)
}

// Off unsubscribes r from the object filter designates.
func (h *Host) Off(filter string, r Receiver) error {
	sp, err := spec.ParseWithQuant(filter, spec.QuantType)
	if err != nil {
		return err
	}
	return h.forward(h.NewEventSpec(MethodOff), sp, r, MethodOff)
}

// Connect starts the two-way handshake with peer.
func (h *Host) Connect(peer Receiver) {
	peer.Deliver(h.NewEventSpec(MethodOn), "", h)
}

// Close closes every replica and every pipe. The host is not usable
// anymore afterwards.
func (h *Host) Close() error {
	h.lk.Lock()
	if h.closed {
		h.lk.Unlock()
		return nil
	}
	for _, o := range h.Objects("") {
		o.Close()
	}
	h.closed = true
	h.lk.Unlock()

	h.pipesLk.Lock()
	pipes := make([]*Pipe, 0, len(h.pipes))
	for p := range h.pipes {
		pipes = append(pipes, p)
	}
	h.pipesLk.Unlock()

	for _, p := range pipes {
		p.Close()
	}
	h.logger.Info("host closed")
	return nil
}

func (h *Host) trackPipe(p *Pipe) {
	h.pipesLk.Lock()
	defer h.pipesLk.Unlock()
	h.pipes[p] = struct{}{}
}

func (h *Host) forgetPipe(p *Pipe) {
	h.pipesLk.Lock()
	defer h.pipesLk.Unlock()
	delete(h.pipes, p)
}

func (h *Host) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", h.id),
		slog.Int("objects", h.objects.Len()),
		slog.Int("sources", len(h.sources)),
	)
}

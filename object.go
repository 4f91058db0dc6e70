package swarm

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/raskyld/swarm/pkg/spec"
)

// Built-in neutral methods every type understands.
const (
	MethodOn     = "on"
	MethodReOn   = "reon"
	MethodOff    = "off"
	MethodReOff  = "reoff"
	MethodBundle = "bundle"
	MethodInit   = "init"
	MethodError  = "error"
)

var builtinNeutrals = map[string]struct{}{
	MethodOn:     {},
	MethodReOn:   {},
	MethodOff:    {},
	MethodReOff:  {},
	MethodBundle: {},
	MethodInit:   {},
	MethodError:  {},
}

// Object is a replica of a replicated object. It goes through
//
//	stateless -> stateful -> closed
//
// and every operation, local or remote, enters through `Object.Deliver`.
//
// Objects are owned by their `Host`: methods MUST be called from a
// `Host.Exec` callback or from another `Receiver.Deliver`.
type Object struct {
	host   *Host
	typ    *TypeDef
	logger *slog.Logger

	id      string
	version string
	oplog   map[string]any
	lstn    listeners
	closed  bool

	// base is the version of the snapshot the replica was initialized
	// from, its effects are not in the oplog.
	base string

	// State is owned by the type's handlers.
	State any
}

func newObject(h *Host, typ *TypeDef, id string) *Object {
	o := &Object{
		host:  h,
		typ:   typ,
		id:    id,
		oplog: make(map[string]any),
	}
	o.logger = h.logger.With(LabelSpec.L("/" + typ.Name + "#" + id))
	if typ.NewState != nil {
		o.State = typ.NewState()
	}
	return o
}

func (o *Object) Host() *Host {
	return o.host
}

func (o *Object) Type() *TypeDef {
	return o.typ
}

// ID is empty once the object is closed.
func (o *Object) ID() string {
	return o.id
}

// Spec returns `/Type#id`.
func (o *Object) Spec() spec.Spec {
	sp := spec.Spec{}.AddToken(spec.QuantType, o.typ.Name)
	if o.id != "" {
		sp = sp.AddToken(spec.QuantID, o.id)
	}
	return sp
}

// Version is the greatest applied version, amended with every concurrent
// version that was not greater.
func (o *Object) Version() string {
	return o.version
}

func (o *Object) HasState() bool {
	return o.version != ""
}

func (o *Object) Closed() bool {
	return o.closed
}

// Oplog returns a shallow copy of the operation log.
func (o *Object) Oplog() map[string]any {
	ret := make(map[string]any, len(o.oplog))
	for k, v := range o.oplog {
		ret[k] = v
	}
	return ret
}

// NewEventSpec stamps method with a fresh version from the host clock.
func (o *Object) NewEventSpec(method string) spec.Spec {
	return o.Spec().
		AddToken(spec.QuantVersion, o.host.clock.Issue()).
		AddToken(spec.QuantMethod, method)
}

// VersionVector summarizes the version and every logged operation.
func (o *Object) VersionVector() *spec.VVector {
	vec, err := spec.NewVVector(o.version)
	if err != nil {
		o.logger.Warn("corrupted version", LabelError.L(err))
		vec, _ = spec.NewVVector("")
	}
	if o.base != "" && o.base != "0" {
		if err := vec.Add(o.base); err != nil {
			o.logger.Warn("corrupted base version", LabelError.L(err))
		}
	}
	for key := range o.oplog {
		if sp, err := spec.Parse(key); err == nil {
			vec.AddSpec(sp)
		}
	}
	return vec
}

// coversAll tells whether vec covers every token of versions.
func coversAll(vec *spec.VVector, versions string) bool {
	for _, v := range strings.Split(versions, string(spec.QuantVersion)) {
		if v != "" && !vec.Covers(v) {
			return false
		}
	}
	return true
}

// Deliver applies an operation. Failures are answered to `from` as an
// `.error` operation, they never propagate to the caller.
func (o *Object) Deliver(op spec.Spec, value any, from Receiver) {
	err := o.deliver(op, value, from)
	if err == nil {
		return
	}

	o.host.msink.IncrCounterWithLabels(
		MetricSwarmOpErrorCount,
		1.0,
		withLabels(o.host.cfg.metricLabels, LabelType.M(o.typ.Name), LabelMethod.M(op.Method())),
	)
	o.logger.Warn("operation failed", LabelOp.L(op.String()), LabelError.L(err))
	if from != nil && op.Method() != MethodError {
		from.Deliver(withMethod(op, MethodError), err.Error(), o)
	}
}

func (o *Object) deliver(op spec.Spec, value any, from Receiver) error {
	if op.Pattern() != spec.FullPattern {
		return fmt.Errorf("%w: %q is not an operation", ErrMalformedSpec, op.String())
	}
	if o.closed {
		return ErrUndeadObject
	}
	if o.typ.Validate != nil {
		if err := o.typ.Validate(op, value); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
	}
	if o.typ.ACL != nil {
		if err := o.typ.ACL(o, op, value, from); err != nil {
			return fmt.Errorf("%w: %w", ErrAccessViolation, err)
		}
	}

	opver := op.Version()
	key := op.Filter("!.").String()
	if o.isReplay(opver, key) {
		o.host.msink.IncrCounterWithLabels(MetricSwarmOpReplayCount, 1.0, o.host.cfg.metricLabels)
		return nil
	}

	method := op.Method()
	if handler, logged := o.typ.Methods[method]; logged {
		if err := o.invoke(handler, op, value, from); err != nil {
			return err
		}
		wasStateless := !o.HasState()
		o.oplog[key] = cloneValue(value)
		o.advance(opver)
		if o.typ.Compact != nil {
			o.typ.Compact(o)
		}
		o.host.msink.IncrCounterWithLabels(
			MetricSwarmOpAppliedCount,
			1.0,
			withLabels(o.host.cfg.metricLabels, LabelType.M(o.typ.Name), LabelMethod.M(method)),
		)
		o.emit(op, value, from)
		if wasStateless {
			o.flushDeferred()
		}
		return nil
	}

	if handler, ok := o.typ.Neutrals[method]; ok {
		return o.invoke(handler, op, value, from)
	}

	switch method {
	case MethodOn:
		return o.handleOn(op, value, from)
	case MethodReOn:
		return o.handleReOn(op, value, from)
	case MethodOff:
		return o.handleOff(op, value, from)
	case MethodReOff:
		return o.handleReOff(op, value, from)
	case MethodBundle:
		return o.handleBundle(op, value, from)
	case MethodInit:
		return o.handleInit(op, value, from)
	case MethodError:
		o.logger.Warn("remote failure", LabelOp.L(op.String()), LabelError.L(value))
		return nil
	}

	o.logger.Warn(ErrUnimplemented.Error(), LabelOp.L(op.String()))
	return nil
}

// isReplay tells whether the operation was already applied. Compacted
// operations are absent from the oplog and go through again, the type's
// merge rules must absorb them.
func (o *Object) isReplay(opver, key string) bool {
	if opver == "" || opver > o.version {
		return false
	}
	_, seen := o.oplog[key]
	return seen
}

// advance composes opver into the version.
func (o *Object) advance(opver string) {
	switch {
	case opver > o.version:
		o.version = opver
	case slices.Contains(strings.Split(o.version, string(spec.QuantVersion)), opver):
	default:
		o.version += string(spec.QuantVersion) + opver
	}
}

func (o *Object) invoke(handler Handler, op spec.Spec, value any, from Receiver) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrMethodExecution, r)
		}
	}()
	if err := handler(o, op, value, from); err != nil {
		if errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrAccessViolation) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrMethodExecution, err)
	}
	return nil
}

// emit notifies every live listener but the source, then the reactions.
func (o *Object) emit(op spec.Spec, value any, from Receiver) {
	for _, l := range o.lstn.live() {
		if from != nil && (l == from || unwrap(l) == from) {
			continue
		}
		l.Deliver(op, value, o)
	}
	for _, react := range o.typ.reactionsFor(op.Method()) {
		react(o, op, value, from)
	}
}

func (o *Object) handleOn(op spec.Spec, value any, replyTo Receiver) error {
	if replyTo == nil {
		return nil
	}
	if !o.HasState() {
		o.lstn.addDeferred(&onRequest{op: op, filter: value, replyTo: replyTo})
		return nil
	}

	filter, err := parseFilter(value, spec.QuantMethod)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	base, event := filter.Filter("!"), filter.Method()
	if event == MethodInit {
		replyTo.Deliver(withMethod(op, MethodInit), o.Snapshot(), o)
		return nil
	}

	if !base.IsEmpty() {
		if diff := o.Diff(base.String()); diff != nil {
			replyTo.Deliver(withMethod(op, MethodBundle), diff, o)
		}
		replyTo.Deliver(withMethod(op, MethodReOn), o.VersionVector().String(), o)
	}

	if event != "" {
		replyTo = &methodFilter{method: event, sink: replyTo}
	}
	o.lstn.addDown(replyTo)
	return nil
}

func (o *Object) handleReOn(op spec.Spec, value any, from Receiver) error {
	if from == nil {
		return ErrNoReceiver
	}
	i := o.lstn.findUp(from)
	if i == -1 {
		return ErrSourceUnknown
	}
	o.lstn.up[i].peer = from
	o.lstn.up[i].pending = false

	if base, _ := value.(string); base != "" {
		if diff := o.Diff(base); diff != nil {
			from.Deliver(withMethod(op, MethodBundle), diff, o)
		}
	}
	return nil
}

func (o *Object) handleOff(op spec.Spec, _ any, from Receiver) error {
	if i := o.lstn.findDown(from); i != -1 {
		o.lstn.removeDown(i)
		return nil
	}
	if i := o.lstn.findUp(from); i != -1 {
		o.lstn.removeUp(i)
		return nil
	}
	o.logger.Warn(ErrUnknownListener.Error(), LabelOp.L(op.String()))
	return nil
}

func (o *Object) handleReOff(op spec.Spec, _ any, from Receiver) error {
	i := o.lstn.findUp(from)
	if i == -1 {
		o.logger.Debug("reoff from a non uplink", LabelOp.L(op.String()))
		return nil
	}
	o.lstn.removeUp(i)
	if i == 0 {
		o.CheckUplink()
	}
	return nil
}

// handleBundle applies a batch of `!version.method` entries, oldest first.
func (o *Object) handleBundle(op spec.Spec, value any, from Receiver) error {
	entries, ok := value.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: bundle is a %T", ErrInvalidInput, value)
	}

	typeid := op.Filter("/#")
	type entry struct {
		key string
		sp  spec.Spec
	}
	ops := make([]entry, 0, len(entries))
	for key := range entries {
		sp, err := spec.Parse(key)
		if err != nil || sp.Pattern() != "!." {
			o.logger.Warn("skipping bundle entry", LabelOp.L(key))
			continue
		}
		ops = append(ops, entry{key: key, sp: sp})
	}
	slices.SortFunc(ops, func(a, b entry) int { return strings.Compare(a.key, b.key) })

	for _, e := range ops {
		if o.closed {
			break
		}
		o.Deliver(typeid.Add(e.sp), entries[e.key], from)
	}
	return nil
}

// handleInit applies a snapshot. A replica that already wrote on top of
// an empty state keeps its writes: the snapshot is applied, then the
// logged operations it does not cover are replayed over it.
func (o *Object) handleInit(op spec.Spec, value any, from Receiver) error {
	snapshot, _ := value.(map[string]any)
	version := op.Version()
	if v, ok := snapshot["_version"].(string); ok && v != "" {
		version = v
	}
	base := version
	if v, ok := snapshot["_base"].(string); ok && v != "" {
		base = v
	}

	merging := o.HasState() && o.version != "0"
	var local []string
	if merging {
		if coversAll(o.VersionVector(), version) {
			o.logger.Debug("already initialized", LabelOp.L(op.String()))
			return nil
		}
		local = o.uncoveredBy(version, snapshot)
	}

	if snapshot != nil {
		fields := make(map[string]any, len(snapshot))
		for k, v := range snapshot {
			if !strings.HasPrefix(k, "_") {
				fields[k] = v
			}
		}
		if o.typ.Apply != nil {
			if err := o.typ.Apply(o.State, fields); err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidInput, err)
			}
		}
		if log, ok := snapshot["_oplog"].(map[string]any); ok {
			for k, v := range log {
				if sp, err := spec.Parse(k); err == nil && sp.Pattern() == "!." {
					o.oplog[k] = cloneValue(v)
				}
			}
		}
	}

	if !merging {
		o.version = version
		o.base = base
		o.flushDeferred()
	} else {
		if o.base == "" || o.base == "0" {
			o.base = base
		} else if vec, err := spec.NewVVector(o.base); err != nil || !coversAll(vec, base) {
			o.base += string(spec.QuantVersion) + base
		}
		o.replay(version, local)
	}

	diff := o.Diff("")
	if diff == nil {
		return nil
	}
	bundle := withMethod(op, MethodBundle)
	// The sources already acknowledged us with an older state.
	for _, up := range o.lstn.up {
		if up.pending || up.peer == nil || up.matches(from) {
			continue
		}
		up.peer.Deliver(bundle, diff, o)
	}
	if merging {
		for _, down := range o.lstn.down {
			if down.deferred != nil || down.matches(from) {
				continue
			}
			down.peer.Deliver(bundle, diff, o)
		}
	}
	return nil
}

// uncoveredBy lists, oldest first, the logged operations newer than a
// snapshot taken at version that neither it nor its oplog cover.
func (o *Object) uncoveredBy(version string, snapshot map[string]any) []string {
	top, _, _ := strings.Cut(version, string(spec.QuantVersion))
	vec, err := spec.NewVVector(version)
	if err != nil {
		vec, _ = spec.NewVVector("")
	}
	if log, ok := snapshot["_oplog"].(map[string]any); ok {
		for k := range log {
			if sp, err := spec.Parse(k); err == nil {
				vec.AddSpec(sp)
			}
		}
	}

	var keys []string
	for key := range o.oplog {
		sp, err := spec.Parse(key)
		if err != nil || sp.Version() <= top || vec.Covers(sp.Version()) {
			continue
		}
		if _, logged := o.typ.Methods[sp.Method()]; logged {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys
}

// replay composes version into the replica's version then applies the
// listed oplog entries again, in order.
func (o *Object) replay(version string, keys []string) {
	previous := strings.Split(o.version, string(spec.QuantVersion))
	o.version = version
	for _, v := range previous {
		o.advance(v)
	}
	typeid := o.Spec()
	for _, key := range keys {
		sp, err := spec.Parse(key)
		if err != nil {
			continue
		}
		full := typeid.Add(sp)
		if err := o.invoke(o.typ.Methods[sp.Method()], full, o.oplog[key], nil); err != nil {
			o.logger.Warn("cannot replay operation", LabelOp.L(full.String()), LabelError.L(err))
			continue
		}
		o.advance(sp.Version())
	}
	if o.typ.Compact != nil {
		o.typ.Compact(o)
	}
}

// flushDeferred replays the subscriptions received while stateless.
func (o *Object) flushDeferred() {
	for _, req := range o.lstn.takeDeferred() {
		if err := o.handleOn(req.op, req.filter, req.replyTo); err != nil {
			req.replyTo.Deliver(withMethod(req.op, MethodError), err.Error(), o)
		}
	}
}

// Call stamps and delivers a method invocation.
func (o *Object) Call(method string, value any, replyTo Receiver) spec.Spec {
	op := o.NewEventSpec(method)
	o.Deliver(op, value, replyTo)
	return op
}

// Trigger emits a local event to listeners and reactions without going
// through the replicated pipeline.
func (o *Object) Trigger(event string, value any) {
	o.emit(o.NewEventSpec(event), value, nil)
}

// On subscribes r. filter may carry a base version vector (`!7AM0f+x`),
// which is answered with a diff and a `reon`, and/or a method name
// (`.set`, or `.init` for a one-shot snapshot).
func (o *Object) On(filter string, r Receiver) {
	o.Deliver(o.NewEventSpec(MethodOn), filter, r)
}

func (o *Object) Off(r Receiver) {
	o.Deliver(o.NewEventSpec(MethodOff), "", r)
}

// Once subscribes fn for a single operation.
func (o *Object) Once(filter string, fn func(op spec.Spec, value any, from Receiver)) *Callback {
	cb := &Callback{}
	cb.fn = func(op spec.Spec, value any, from Receiver) {
		o.Off(cb)
		fn(op, value, from)
	}
	o.On(filter, cb)
	return cb
}

// Snapshot exports the type state.
func (o *Object) Snapshot() map[string]any {
	if o.typ.Snapshot == nil {
		return map[string]any{}
	}
	return o.typ.Snapshot(o.State)
}

// Diff returns what a replica at base misses: the uncovered log entries,
// or a full `!version.init` snapshot when base is empty, `!0`, or does
// not cover the snapshot this replica started from.
// It returns nil when there is nothing to send.
func (o *Object) Diff(base string) map[string]any {
	if base != "" && base != "!0" {
		vec, err := spec.NewVVector(base)
		switch {
		case err != nil:
			o.logger.Warn("bad base version, sending a snapshot", LabelError.L(err))
		case o.base != "" && o.base != "0" && !coversAll(vec, o.base):
			o.logger.Debug("base misses the initial state, sending a snapshot")
		default:
			var ret map[string]any
			for key, value := range o.oplog {
				sp, err := spec.Parse(key)
				if err != nil || vec.Covers(sp.Version()) {
					continue
				}
				if ret == nil {
					ret = make(map[string]any)
				}
				ret[key] = cloneValue(value)
			}
			return ret
		}
	}

	if !o.HasState() {
		return nil
	}
	snapshot := o.Snapshot()
	snapshot["_version"] = o.version
	if o.base != "" && o.base != "0" {
		snapshot["_base"] = o.base
	}
	snapshot["_oplog"] = cloneValue(o.oplog)
	top, _, _ := strings.Cut(o.version, string(spec.QuantVersion))
	return map[string]any{
		"!" + top + "." + MethodInit: snapshot,
	}
}

// Close tears down every subscription and unregisters the object. A
// closed object MUST NOT be used anymore.
func (o *Object) Close() {
	if o.closed {
		return
	}

	sp := o.Spec()
	off := o.NewEventSpec(MethodOff)
	reoff := withMethod(off, MethodReOff)
	ls := o.lstn
	o.lstn = listeners{}
	o.closed = true
	o.id = ""

	for _, up := range ls.up {
		target := up.source
		if !up.pending && up.peer != nil {
			target = up.peer
		}
		target.Deliver(off, "", o)
	}
	for _, down := range ls.down {
		if down.deferred != nil {
			down.deferred.replyTo.Deliver(reoff, "", o)
		} else {
			unwrap(down.peer).Deliver(reoff, "", o)
		}
	}
	o.host.Unregister(sp, o)
}

// GC closes the object if nobody listens to it anymore.
func (o *Object) GC() bool {
	if o.lstn.empty() {
		o.Close()
		return true
	}
	return false
}

// dropListener silently forgets every slot r occupies.
func (o *Object) dropListener(r Receiver) {
	for i := o.lstn.findUp(r); i != -1; i = o.lstn.findUp(r) {
		o.lstn.removeUp(i)
	}
	for i := o.lstn.findDown(r); i != -1; i = o.lstn.findDown(r) {
		o.lstn.removeDown(i)
	}
}

func (o *Object) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", o.typ.Name),
		slog.String("id", o.id),
		slog.String("version", o.version),
	)
}

func withMethod(op spec.Spec, method string) spec.Spec {
	return op.Set(spec.Spec{}.AddToken(spec.QuantMethod, method))
}

// parseFilter reads a subscription filter, a string or a `spec.Spec`.
func parseFilter(value any, quant byte) (spec.Spec, error) {
	switch v := value.(type) {
	case nil:
		return spec.Spec{}, nil
	case spec.Spec:
		return v, nil
	case string:
		return spec.ParseWithQuant(v, quant)
	default:
		return spec.Spec{}, fmt.Errorf("filter is a %T", value)
	}
}

// cloneValue deep copies the maps and slices a codec produces.
func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		ret := make(map[string]any, len(v))
		for k, e := range v {
			ret[k] = cloneValue(e)
		}
		return ret
	case []any:
		ret := make([]any, len(v))
		for i, e := range v {
			ret[i] = cloneValue(e)
		}
		return ret
	default:
		return value
	}
}

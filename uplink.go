package swarm

import "slices"

// CheckUplink reconciles the upstream slots with the sources the host
// currently wants for this object: `off` is sent to the ones not wanted
// anymore, `on` carrying our version vector to the missing ones. Slots
// are matched by identity so it can be called any number of times.
func (o *Object) CheckUplink() {
	if o.closed {
		return
	}

	desired := o.host.Sources(o.Spec())
	slots := make([]upstream, len(desired))
	have := make([]bool, len(desired))

	var dropped []upstream
	for _, up := range o.lstn.up {
		i := slices.IndexFunc(desired, func(src Receiver) bool { return sameReceiver(src, up.source) })
		if i == -1 || have[i] {
			dropped = append(dropped, up)
			continue
		}
		slots[i] = up
		have[i] = true
	}

	var added []Receiver
	for i, src := range desired {
		if !have[i] {
			slots[i] = upstream{source: src, pending: true}
			added = append(added, src)
		}
	}
	o.lstn.up = slots

	if len(desired) == 0 && !o.HasState() {
		// Nobody to pull from: this replica is the root, it starts empty.
		o.version = "0"
		o.flushDeferred()
	}

	if len(dropped) == 0 && len(added) == 0 {
		return
	}
	o.host.msink.IncrCounterWithLabels(MetricSwarmUplinkChangesCount, 1.0, o.host.cfg.metricLabels)

	for _, up := range dropped {
		target := up.source
		if !up.pending && up.peer != nil {
			target = up.peer
		}
		target.Deliver(o.NewEventSpec(MethodOff), "", o)
	}

	// Placeholders are installed before sending: answers may come back
	// synchronously.
	for _, src := range added {
		if o.closed {
			return
		}
		src.Deliver(o.NewEventSpec(MethodOn), o.VersionVector().String(), o)
	}
}

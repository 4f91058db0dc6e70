package swarm

import (
	"slices"

	"github.com/raskyld/swarm/pkg/spec"
)

// upstream is a slot reserved for a source the object pulls state from.
// While pending, the `on` sent to source was not acknowledged yet.
type upstream struct {
	source  Receiver
	peer    Receiver
	pending bool
}

// matches tells whether r is the source or the peer that answered for it.
func (up *upstream) matches(r Receiver) bool {
	return sameReceiver(up.source, r) || (up.peer != nil && up.peer == r)
}

// onRequest is a subscription received while the object had no state.
type onRequest struct {
	op      spec.Spec
	filter  any
	replyTo Receiver
}

// downstream is a subscriber, either live or deferred until the object
// gets a state.
type downstream struct {
	peer     Receiver
	deferred *onRequest
}

func (down *downstream) matches(r Receiver) bool {
	peer := down.peer
	if down.deferred != nil {
		peer = down.deferred.replyTo
	}
	return peer == r || sameReceiver(r, unwrap(peer))
}

// listeners keeps every upstream slot before every downstream one.
type listeners struct {
	up   []upstream
	down []downstream
}

func (ls *listeners) empty() bool {
	return len(ls.up) == 0 && len(ls.down) == 0
}

// live returns a stable snapshot of the receivers operations are emitted to.
func (ls *listeners) live() []Receiver {
	ret := make([]Receiver, 0, len(ls.up)+len(ls.down))
	for _, up := range ls.up {
		if !up.pending && up.peer != nil {
			ret = append(ret, up.peer)
		}
	}
	for _, down := range ls.down {
		if down.deferred == nil {
			ret = append(ret, down.peer)
		}
	}
	return ret
}

func (ls *listeners) findUp(r Receiver) int {
	return slices.IndexFunc(ls.up, func(up upstream) bool { return up.matches(r) })
}

func (ls *listeners) findDown(r Receiver) int {
	return slices.IndexFunc(ls.down, func(down downstream) bool { return down.matches(r) })
}

func (ls *listeners) removeUp(i int) {
	ls.up = slices.Delete(ls.up, i, i+1)
}

func (ls *listeners) removeDown(i int) {
	ls.down = slices.Delete(ls.down, i, i+1)
}

// addDown appends a live subscriber. Subscribing the same receiver twice
// is a no-op.
func (ls *listeners) addDown(peer Receiver) {
	for _, down := range ls.down {
		if down.deferred == nil && down.peer == peer {
			return
		}
	}
	ls.down = append(ls.down, downstream{peer: peer})
}

func (ls *listeners) addDeferred(req *onRequest) {
	ls.down = append(ls.down, downstream{deferred: req})
}

// takeDeferred removes and returns every deferred subscription, in
// arrival order.
func (ls *listeners) takeDeferred() []*onRequest {
	var reqs []*onRequest
	ls.down = slices.DeleteFunc(ls.down, func(down downstream) bool {
		if down.deferred != nil {
			reqs = append(reqs, down.deferred)
			return true
		}
		return false
	})
	return reqs
}

// contains reports whether r is referenced by any slot.
func (ls *listeners) contains(r Receiver) bool {
	return ls.findUp(r) != -1 || ls.findDown(r) != -1
}

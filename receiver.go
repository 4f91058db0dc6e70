package swarm

import (
	"github.com/raskyld/swarm/pkg/spec"
)

// Receiver is anything operations can be delivered to: objects, hosts,
// pipes, storages or application callbacks.
//
// `from` is the receiver answers and errors should be sent to, it may be
// nil. Implementations MUST NOT block: they are invoked with the owning
// `Host` held.
type Receiver interface {
	Deliver(op spec.Spec, value any, from Receiver)
}

// Callback adapts a function to a `Receiver`. Functions cannot be
// compared, so keep the returned pointer around to unsubscribe it.
type Callback struct {
	fn func(op spec.Spec, value any, from Receiver)
}

func NewCallback(fn func(op spec.Spec, value any, from Receiver)) *Callback {
	return &Callback{fn: fn}
}

func (cb *Callback) Deliver(op spec.Spec, value any, from Receiver) {
	cb.fn(op, value, from)
}

// hosted receivers are owned by a `Host`. Answers coming from an object
// match a subscription that was sent to its host.
type hosted interface {
	Host() *Host
}

// methodFilter forwards only the operations of one method.
type methodFilter struct {
	method string
	sink   Receiver
}

func (mf *methodFilter) Deliver(op spec.Spec, value any, from Receiver) {
	if op.Method() == mf.method {
		mf.sink.Deliver(op, value, from)
	}
}

// unwrap returns the receiver a filter forwards to.
func unwrap(r Receiver) Receiver {
	for {
		switch w := r.(type) {
		case *methodFilter:
			r = w.sink
		case *fieldFilter:
			r = w.sink
		default:
			return r
		}
	}
}

func sameReceiver(a, b Receiver) bool {
	if a == nil || b == nil {
		return false
	}
	if a == b {
		return true
	}
	if h, ok := b.(hosted); ok && a == Receiver(h.Host()) {
		return true
	}
	return false
}

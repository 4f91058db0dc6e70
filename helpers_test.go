package swarm

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/swarm/pkg/spec"
	"github.com/stretchr/testify/require"
)

// recorder is a receiver remembering every delivery.
type recorder struct {
	lk  sync.Mutex
	ops []delivery
}

type delivery struct {
	op    spec.Spec
	value any
	from  Receiver
}

func (r *recorder) Deliver(op spec.Spec, value any, from Receiver) {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.ops = append(r.ops, delivery{op: op, value: value, from: from})
}

func (r *recorder) methods() []string {
	r.lk.Lock()
	defer r.lk.Unlock()
	ret := make([]string, len(r.ops))
	for i, d := range r.ops {
		ret[i] = d.op.Method()
	}
	return ret
}

func (r *recorder) last(method string) (delivery, bool) {
	r.lk.Lock()
	defer r.lk.Unlock()
	for i := len(r.ops) - 1; i >= 0; i-- {
		if r.ops[i].op.Method() == method {
			return r.ops[i], true
		}
	}
	return delivery{}, false
}

func (r *recorder) reset() {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.ops = nil
}

func testLogHandler() slog.Handler {
	if testing.Verbose() {
		return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	return slog.NewTextHandler(io.Discard, nil)
}

func newTestHost(t *testing.T, id string, opts ...Option) *Host {
	t.Helper()
	opts = append([]Option{
		WithLog(testLogHandler()),
		WithMetricSink(metrics.NewInmemSink(time.Second, time.Minute)),
	}, opts...)
	h, err := NewHost(id, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

// connect runs the handshake between two in-process hosts.
func connect(a, b *Host) {
	a.Connect(b)
}

// announce makes r a source of h registered as id.
func announce(t *testing.T, h *Host, id string, r Receiver) {
	t.Helper()
	h.Deliver(spec.MustParse("/Host#"+id+"!"+h.Version()+".reon"), "", r)
	src, ok := h.Source(id)
	require.True(t, ok)
	require.Equal(t, r, src)
}

func newModel(t *testing.T, h *Host, fields map[string]any) Model {
	t.Helper()
	o, err := h.Create(ModelTypeName, fields)
	require.NoError(t, err)
	m, ok := AsModel(o)
	require.True(t, ok)
	return m
}

func counter(h *Host, name []string) int {
	sink, ok := h.msink.(*metrics.InmemSink)
	if !ok {
		return 0
	}
	total := 0
	for _, interval := range sink.Data() {
		interval.RLock()
		for _, c := range interval.Counters {
			if c.Name == strings.Join(name, ".") {
				total += c.Count
			}
		}
		interval.RUnlock()
	}
	return total
}

package swarm

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raskyld/swarm/pkg/codec"
	"github.com/raskyld/swarm/pkg/link"
	"github.com/raskyld/swarm/pkg/spec"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// pipePair connects client to server through an in-memory link, the
// client dialing. Every dial opens a new link served by a new server pipe.
func pipePair(t *testing.T, client, server *Host, opts ...PipeOption) (*Pipe, *atomic.Int32) {
	t.Helper()
	dials := &atomic.Int32{}
	dialer := func(context.Context) (link.Stream, error) {
		dials.Add(1)
		clientEnd, serverEnd := link.Pair(64)
		sp, err := NewPipe(server, opts...)
		if err != nil {
			return nil, err
		}
		if err := sp.Serve(serverEnd); err != nil {
			return nil, err
		}
		return clientEnd, nil
	}

	cp, err := NewPipe(client, append([]PipeOption{WithDialer(dialer)}, opts...)...)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, cp.Dial(ctx))
	require.Eventually(t, func() bool { return cp.PeerID() == server.ID() }, waitFor, tick)
	return cp, dials
}

func modelField(h *Host, sp spec.Spec, field string) (value any) {
	h.Exec(func() {
		for _, o := range h.Objects(sp.String()) {
			if m, ok := AsModel(o); ok {
				value, _ = m.Get(field)
			}
		}
	})
	return value
}

func TestPipeSync(t *testing.T) {
	for _, cd := range []codec.Codec{codec.JSON{}, codec.Proto{}} {
		t.Run(cd.Name(), func(t *testing.T) {
			server := newTestHost(t, "swarm~s")
			client := newTestHost(t, "client~c")
			pipePair(t, client, server, WithCodec(cd))

			require.Eventually(t, func() bool {
				var ok bool
				server.Exec(func() { _, ok = server.Source(client.ID()) })
				return ok
			}, waitFor, tick)

			var sp spec.Spec
			require.NoError(t, client.Exec(func() {
				m := newModel(t, client, map[string]any{"x": 1.0})
				m.Set(map[string]any{"y": "two"})
				sp = m.Spec()
			}))

			require.Eventually(t, func() bool {
				return modelField(server, sp, "y") == "two"
			}, waitFor, tick)

			require.NoError(t, server.Exec(func() {
				m, _ := AsModel(server.Objects(sp.String())[0])
				m.Set(map[string]any{"z": 3.0})
			}))
			require.Eventually(t, func() bool {
				return modelField(client, sp, "z") == 3.0
			}, waitFor, tick)
		})
	}
}

func TestPipeHandshake(t *testing.T) {
	h := newTestHost(t, "swarm~s")

	t.Run("rejects a bundle without hello", func(t *testing.T) {
		p, err := NewPipe(h)
		require.NoError(t, err)
		local, remote := link.Pair(8)
		require.NoError(t, p.Serve(local))

		frame, err := codec.JSON{}.Encode(map[string]any{"/Model#x!7AM0f+y.set": map[string]any{}})
		require.NoError(t, err)
		require.NoError(t, remote.Send(context.Background(), frame))

		require.Eventually(t, func() bool { return !p.Connected() }, waitFor, tick)
		_, err = remote.Recv(context.Background())
		require.ErrorIs(t, err, link.ErrClosed)
	})

	t.Run("keepalives before hello are ignored", func(t *testing.T) {
		p, err := NewPipe(h)
		require.NoError(t, err)
		local, remote := link.Pair(8)
		require.NoError(t, p.Serve(local))
		defer p.Close()

		empty, _ := codec.JSON{}.Encode(nil)
		require.NoError(t, remote.Send(context.Background(), empty))

		hello, _ := codec.JSON{}.Encode(map[string]any{"/Host#swarm~r!7AM0f+swarm~r.on": ""})
		require.NoError(t, remote.Send(context.Background(), hello))

		require.Eventually(t, func() bool { return p.PeerID() == "swarm~r" }, waitFor, tick)

		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		frame, err := remote.Recv(ctx)
		require.NoError(t, err)
		reply, err := codec.JSON{}.Decode(frame)
		require.NoError(t, err)
		require.Len(t, reply, 1)
		for key := range reply {
			sp := spec.MustParse(key)
			require.Equal(t, "/Host#swarm~s", sp.Filter("/#").String())
			require.Equal(t, MethodReOn, sp.Method())
		}
	})
}

func TestPipeKeepalive(t *testing.T) {
	h := newTestHost(t, "swarm~s")
	p, err := NewPipe(h, WithKeepalive(40*time.Millisecond))
	require.NoError(t, err)
	local, remote := link.Pair(256)
	require.NoError(t, p.Serve(local))

	hello, _ := codec.JSON{}.Encode(map[string]any{"/Host#swarm~r!7AM0f+swarm~r.on": ""})
	require.NoError(t, remote.Send(context.Background(), hello))
	require.Eventually(t, func() bool { return p.PeerID() == "swarm~r" }, waitFor, tick)

	// The pipe keeps talking while we stay silent, then gives up.
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	frames := 0
	for {
		frame, err := remote.Recv(ctx)
		if err != nil {
			require.ErrorIs(t, err, link.ErrClosed)
			break
		}
		if string(frame) == "{}" {
			frames++
		}
	}
	require.Positive(t, frames)
	require.False(t, p.Connected())

	require.Eventually(t, func() bool {
		var ok bool
		h.Exec(func() { _, ok = h.Source("swarm~r") })
		return !ok
	}, waitFor, tick)
	require.Equal(t, 1, counter(h, MetricSwarmPipeDeadCount))
}

func TestPipeReconnect(t *testing.T) {
	server := newTestHost(t, "swarm~s")
	client := newTestHost(t, "client~c")
	cp, dials := pipePair(t, client, server, WithReconnectDelay(5*time.Millisecond, 20*time.Millisecond))

	var sp spec.Spec
	require.NoError(t, client.Exec(func() {
		sp = newModel(t, client, map[string]any{"x": 1.0}).Spec()
	}))
	require.Eventually(t, func() bool { return modelField(server, sp, "x") == 1.0 }, waitFor, tick)

	// Kill the link from the server side.
	server.pipesLk.Lock()
	var serverPipes []*Pipe
	for p := range server.pipes {
		serverPipes = append(serverPipes, p)
	}
	server.pipesLk.Unlock()
	for _, p := range serverPipes {
		p.Close()
	}

	require.Eventually(t, func() bool { return dials.Load() == 2 && cp.PeerID() == server.ID() }, waitFor, tick)

	// Writes made while reconnecting are caught up through the resync.
	require.NoError(t, client.Exec(func() {
		m, _ := AsModel(client.Objects(sp.String())[0])
		m.Set(map[string]any{"x": 2.0})
	}))
	require.Eventually(t, func() bool { return modelField(server, sp, "x") == 2.0 }, waitFor, tick)

	require.NoError(t, cp.Close())
	require.False(t, cp.Connected())
}

func TestPipeFlushWindow(t *testing.T) {
	h := newTestHost(t, "client~c")
	local, remote := link.Pair(8)
	p, err := NewPipe(h,
		WithFlushWindow(200*time.Millisecond),
		WithDialer(func(context.Context) (link.Stream, error) { return local, nil }),
	)
	require.NoError(t, err)
	require.NoError(t, p.Dial(context.Background()))
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	hello, err := remote.Recv(ctx)
	require.NoError(t, err)
	bundle, err := codec.JSON{}.Decode(hello)
	require.NoError(t, err)
	require.Len(t, bundle, 1)

	require.NoError(t, h.Exec(func() {
		p.Deliver(spec.MustParse("/Model#x!7AM0f+client~c.set"), map[string]any{"a": 1.0}, nil)
		p.Deliver(spec.MustParse("/Model#x!7AM0g+client~c.set"), map[string]any{"b": 1.0}, nil)
	}))

	frame, err := remote.Recv(ctx)
	require.NoError(t, err)
	bundle, err = codec.JSON{}.Decode(frame)
	require.NoError(t, err)
	require.Len(t, bundle, 2)
}

func TestPipeOptions(t *testing.T) {
	h := newTestHost(t, "client~c")
	for name, opt := range map[string]PipeOption{
		"nil dialer":      WithDialer(nil),
		"nil codec":       WithCodec(nil),
		"negative window": WithFlushWindow(-time.Second),
		"zero keepalive":  WithKeepalive(0),
		"inverted delays": WithReconnectDelay(time.Second, time.Millisecond),
		"empty queue":     WithQueueSize(0),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewPipe(h, opt)
			require.ErrorIs(t, err, ErrInvalidCfg)
		})
	}

	p, err := NewPipe(h)
	require.NoError(t, err)
	require.ErrorIs(t, p.Dial(context.Background()), ErrNoDialer)
	require.ErrorIs(t, p.Start(), ErrNoDialer)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}

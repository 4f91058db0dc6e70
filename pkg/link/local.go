package link

import (
	"context"
	"sync"
)

type pairState struct {
	once    sync.Once
	closeCh chan struct{}
}

// localStream is one end of an in-memory pair.
type localStream struct {
	in    <-chan []byte
	out   chan<- []byte
	state *pairState
}

// Pair returns two connected in-memory streams, each buffering up to
// bufferSize frames. Closing either end closes both. Frames are copied.
func Pair(bufferSize uint) (Stream, Stream) {
	state := &pairState{closeCh: make(chan struct{})}
	ab := make(chan []byte, bufferSize)
	ba := make(chan []byte, bufferSize)
	return &localStream{in: ba, out: ab, state: state},
		&localStream{in: ab, out: ba, state: state}
}

func (ls *localStream) Send(ctx context.Context, frame []byte) error {
	select {
	case <-ls.state.closeCh:
		return ErrClosed
	default:
	}

	cloned := make([]byte, len(frame))
	copy(cloned, frame)

	select {
	case ls.out <- cloned:
		return nil
	case <-ls.state.closeCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ls *localStream) Recv(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-ls.in:
		return frame, nil
	case <-ls.state.closeCh:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (ls *localStream) Close() error {
	ls.state.once.Do(func() {
		close(ls.state.closeCh)
	})
	return nil
}

// Package link provides the message-oriented streams pipes run on.
//
// A `Stream` carries whole frames: every `Stream.Send` on one end is
// returned by exactly one `Stream.Recv` on the other end, in order.
package link

import (
	"context"
	"errors"
)

// MaxFrameSize bounds the frames accepted from a remote peer.
const MaxFrameSize = 16 << 20

var (
	ErrClosed        = errors.New("link: closed")
	ErrFrameTooLarge = errors.New("link: frame too large")
)

// Stream is a bidirectional frame stream. `Send` and `Recv` may be
// called concurrently with each other, but not with themselves. `Close`
// may be called at any time and unblocks both.
type Stream interface {
	Send(ctx context.Context, frame []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

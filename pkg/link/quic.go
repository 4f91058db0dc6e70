package link

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"google.golang.org/protobuf/encoding/protowire"
)

// ALPN is the application protocol negotiated by QUIC links.
const ALPN = "swarm"

var QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)

var (
	QErrClosed = QuicApplicationError{
		Code:   0x0,
		Prefix: "closed",
	}
	QErrProtocol = QuicApplicationError{
		Code:   0x1,
		Prefix: "protocol violation",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		Versions:           []quic.Version{quic.Version2, quic.Version1},
		MaxIncomingStreams: 1,
		MaxIdleTimeout:     1 * time.Minute,
		KeepAlivePeriod:    20 * time.Second,
	}
}

func withALPN(tlsConf *tls.Config) *tls.Config {
	tlsConf = tlsConf.Clone()
	tlsConf.NextProtos = []string{ALPN}
	return tlsConf
}

// quicStream carries length-prefixed frames over a single bidirectional
// QUIC stream, one connection per stream.
type quicStream struct {
	conn   quic.Connection
	stream quic.Stream

	closeOnce sync.Once
}

// DialQUIC connects to a `QUICListener`. tlsConf SHOULD enable mTLS.
func DialQUIC(ctx context.Context, addr string, tlsConf *tls.Config) (Stream, error) {
	conn, err := quic.DialAddr(ctx, addr, withALPN(tlsConf), quicConfig())
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		QErrClosed.Close(conn, "cannot open stream")
		return nil, err
	}
	return &quicStream{conn: conn, stream: stream}, nil
}

// streamAcceptTimeout bounds how long an accepted connection may wait
// before opening its stream.
const streamAcceptTimeout = 10 * time.Second

// QUICListener accepts QUIC links. Connections are accepted in the
// background and each one waits for its stream on its own goroutine, so a
// dialer that never opens a stream does not hold back the next ones.
type QUICListener struct {
	ln       *quic.Listener
	streamCh chan *quicStream

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func ListenQUIC(addr string, tlsConf *tls.Config) (*QUICListener, error) {
	ln, err := quic.ListenAddr(addr, withALPN(tlsConf), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("link: failed to allocate QUIC listener: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ql := &QUICListener{
		ln:       ln,
		streamCh: make(chan *quicStream),
		ctx:      ctx,
		cancel:   cancel,
	}
	ql.wg.Add(1)
	go ql.acceptConns()
	return ql, nil
}

func (ql *QUICListener) Addr() net.Addr {
	return ql.ln.Addr()
}

func (ql *QUICListener) acceptConns() {
	defer ql.wg.Done()
	for {
		conn, err := ql.ln.Accept(ql.ctx)
		if err != nil {
			// Only returned once the listener is closed.
			return
		}
		ql.wg.Add(1)
		go ql.acceptStream(conn)
	}
}

func (ql *QUICListener) acceptStream(conn quic.Connection) {
	defer ql.wg.Done()
	ctx, cancel := context.WithTimeout(ql.ctx, streamAcceptTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		QErrClosed.Close(conn, "no stream opened")
		return
	}
	qs := &quicStream{conn: conn, stream: stream}
	select {
	case ql.streamCh <- qs:
	case <-ql.ctx.Done():
		qs.Close()
	}
}

// Accept returns the next link. The stream is only visible once the
// dialer sent its first frame.
func (ql *QUICListener) Accept(ctx context.Context) (Stream, error) {
	select {
	case qs := <-ql.streamCh:
		return qs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ql.ctx.Done():
		return nil, ErrClosed
	}
}

// Close stops accepting and drops the connections still waiting for
// their stream.
func (ql *QUICListener) Close() error {
	var err error
	ql.closeOnce.Do(func() {
		ql.cancel()
		err = ql.ln.Close()
		ql.wg.Wait()
	})
	return err
}

func (qs *quicStream) Send(ctx context.Context, frame []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		qs.stream.SetWriteDeadline(dl)
	} else {
		qs.stream.SetWriteDeadline(time.Time{})
	}

	varintBuf := protowire.AppendVarint(nil, uint64(len(frame)))
	prefixedBuf := make([]byte, len(varintBuf)+len(frame))
	copy(prefixedBuf, varintBuf)
	copy(prefixedBuf[len(varintBuf):], frame)
	_, err := qs.stream.Write(prefixedBuf)
	return err
}

func (qs *quicStream) Recv(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		qs.stream.SetReadDeadline(time.Now())
	})
	defer stop()

	frame, err := qs.readFrame()
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return frame, err
}

func (qs *quicStream) readFrame() ([]byte, error) {
	buf := make([]byte, binary.MaxVarintLen64)
	n := 0
	for n < len(buf) {
		m, err := qs.stream.Read(buf[n : n+1])
		if err != nil {
			return nil, err
		}
		if m != 0 {
			byteRead := buf[n]
			n = m + n
			if byteRead < 0x80 {
				break
			}
		}
	}

	prefix, prefixSize := protowire.ConsumeVarint(buf[:n])
	if err := protowire.ParseError(prefixSize); err != nil {
		return nil, err
	}
	if prefix > MaxFrameSize {
		qs.stream.CancelRead(QErrStreamProtocolViolation)
		QErrProtocol.Close(qs.conn, "frame too large")
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, prefix)
	}

	frame := make([]byte, prefix)
	if _, err := io.ReadFull(qs.stream, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (qs *quicStream) Close() error {
	var err error
	qs.closeOnce.Do(func() {
		qs.stream.Close()
		err = QErrClosed.Close(qs.conn, "bye")
	})
	return err
}

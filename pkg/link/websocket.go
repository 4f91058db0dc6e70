package link

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsCloseGrace = time.Second

type wsStream struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

func newWSStream(conn *websocket.Conn) *wsStream {
	conn.SetReadLimit(MaxFrameSize)
	return &wsStream{conn: conn}
}

// DialWebSocket opens a stream to a `WebSocketHandler` listening at url,
// `ws://host:port/path` for instance.
func DialWebSocket(ctx context.Context, url string, header http.Header) (Stream, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return newWSStream(conn), nil
}

// DialWebSocketTLS is `DialWebSocket` for `wss://` servers requiring a
// client certificate.
func DialWebSocketTLS(ctx context.Context, url string, tlsConf *tls.Config) (Stream, error) {
	dialer := *websocket.DefaultDialer
	dialer.TLSClientConfig = tlsConf
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return newWSStream(conn), nil
}

// WebSocketHandler upgrades every request and hands the stream to
// accept. accept MUST NOT block.
func WebSocketHandler(accept func(Stream), logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		logger.Debug("websocket accepted", "remote", r.RemoteAddr)
		accept(newWSStream(conn))
	})
}

func (ws *wsStream) Send(ctx context.Context, frame []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		ws.conn.SetWriteDeadline(dl)
	} else {
		ws.conn.SetWriteDeadline(time.Time{})
	}
	return ws.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (ws *wsStream) Recv(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		ws.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	_, frame, err := ws.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return frame, nil
}

func (ws *wsStream) Close() error {
	var err error
	ws.closeOnce.Do(func() {
		_ = ws.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(wsCloseGrace),
		)
		err = ws.conn.Close()
	})
	return err
}

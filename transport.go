package signalr

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport moves raw frames for a single connection epoch. Dial opens the
// link, Receive blocks for the next inbound frame, Send writes one frame,
// Close tears the link down. Implementations must serialize Send calls so
// that one frame is fully written before the next begins.
type Transport interface {
	Dial(ctx context.Context, url string, headers http.Header) error
	Receive(ctx context.Context) ([]byte, error)
	Send(ctx context.Context, data []byte) error
	Close() error
}

// WebsocketTransport is the stock Transport over a gorilla WebSocket.
// The zero value is usable; fields must be set before Dial.
type WebsocketTransport struct {
	// TLSConfig is an optional TLS configuration for wss endpoints.
	TLSConfig *tls.Config

	// HandshakeTimeout bounds the WebSocket opening handshake. Zero means
	// defaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	// MaxMessageSize limits inbound frames in bytes. Zero disables the
	// limit.
	MaxMessageSize int64

	// Format selects text or binary frames for Send.
	Format TransferFormat

	mu   sync.Mutex // guards conn and serializes writes
	conn *websocket.Conn
}

const defaultHandshakeTimeout = 15 * time.Second

func (t *WebsocketTransport) Dial(ctx context.Context, rawurl string, headers http.Header) error {
	timeout := t.HandshakeTimeout
	if timeout == 0 {
		timeout = defaultHandshakeTimeout
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  t.TLSConfig,
		HandshakeTimeout: timeout,
	}

	conn, resp, err := dialer.DialContext(ctx, rawurl, headers)
	if err != nil {
		cerr := &ConnectionError{Op: "dial", Err: err}
		if resp != nil {
			cerr.Reason = resp.Status
		}
		return cerr
	}
	if t.MaxMessageSize > 0 {
		conn.SetReadLimit(t.MaxMessageSize)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return nil
}

// Receive blocks until the next inbound frame. It returns a ConnectionError
// when the socket closes; Close from another goroutine unblocks it.
func (t *WebsocketTransport) Receive(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ConnectionError{Op: "receive", Err: err}
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil, &ConnectionError{Op: "receive", Reason: "not connected"}
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		cerr := &ConnectionError{Op: "receive", Err: err}
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			cerr.Code = closeErr.Code
			cerr.Reason = closeErr.Text
		}
		return nil, cerr
	}
	return data, nil
}

func (t *WebsocketTransport) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return &ConnectionError{Op: "send", Err: err}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return &ConnectionError{Op: "send", Reason: "not connected"}
	}

	frameType := websocket.TextMessage
	if t.Format == TransferFormatBinary {
		frameType = websocket.BinaryMessage
	}
	if err := t.conn.WriteMessage(frameType, data); err != nil {
		return &ConnectionError{Op: "send", Err: err}
	}
	return nil
}

// Close performs a best-effort graceful close. It is idempotent.
func (t *WebsocketTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}

	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		deadline,
	)
	return conn.Close()
}

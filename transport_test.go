package signalr

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer upgrades every request and echoes text frames back until the
// client goes away.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebsocketTransportRoundTrip(t *testing.T) {
	srv := echoServer(t)
	ctx := context.Background()

	tr := &WebsocketTransport{}
	require.NoError(t, tr.Dial(ctx, wsURL(srv), nil))
	defer tr.Close()

	require.NoError(t, tr.Send(ctx, []byte("hello")))

	data, err := tr.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestWebsocketTransportDialFailure(t *testing.T) {
	tr := &WebsocketTransport{HandshakeTimeout: 200 * time.Millisecond}
	err := tr.Dial(context.Background(), "ws://127.0.0.1:1/hub", nil)

	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "dial", cerr.Op)
}

func TestWebsocketTransportSendWhenClosed(t *testing.T) {
	tr := &WebsocketTransport{}
	err := tr.Send(context.Background(), []byte("x"))

	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
}

func TestWebsocketTransportCloseIdempotent(t *testing.T) {
	srv := echoServer(t)

	tr := &WebsocketTransport{}
	require.NoError(t, tr.Dial(context.Background(), wsURL(srv), nil))

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
}

func TestWebsocketTransportCloseUnblocksReceive(t *testing.T) {
	srv := echoServer(t)

	tr := &WebsocketTransport{}
	require.NoError(t, tr.Dial(context.Background(), wsURL(srv), nil))

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.Receive(context.Background())
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, tr.Close())

	select {
	case err := <-errCh:
		var cerr *ConnectionError
		require.ErrorAs(t, err, &cerr)
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not unblock on Close")
	}
}

func TestWebsocketTransportReadLimit(t *testing.T) {
	srv := echoServer(t)
	ctx := context.Background()

	tr := &WebsocketTransport{MaxMessageSize: 8}
	require.NoError(t, tr.Dial(ctx, wsURL(srv), nil))
	defer tr.Close()

	require.NoError(t, tr.Send(ctx, []byte(strings.Repeat("a", 64))))

	_, err := tr.Receive(ctx)
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
}

func TestWebsocketTransportHeaders(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotAuth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer tok")

	tr := &WebsocketTransport{}
	require.NoError(t, tr.Dial(context.Background(), wsURL(srv), headers))
	defer tr.Close()

	assert.Equal(t, "Bearer tok", <-gotAuth)
}

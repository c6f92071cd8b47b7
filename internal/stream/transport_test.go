package stream

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fotonphotos/candlepipe/internal/candle"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{}

// newEchoServer answers a single client connection and relays to it
// whatever messages are sent on send.
func newEchoServer(t *testing.T, send <-chan []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for msg := range send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}))
	return srv
}

func TestTransport_DispatchesMatchedStreamToHandler(t *testing.T) {
	send := make(chan []byte, 4)
	srv := newEchoServer(t, send)
	defer srv.Close()
	defer close(send)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	tr := New(Config{FuturesBaseURL: wsURL, ReconnectInterval: 50 * time.Millisecond, MaxReconnectAttempts: 2}, zap.NewNop(), nil)
	defer tr.Close()

	var mu sync.Mutex
	var received []byte
	done := make(chan struct{})
	tr.Subscribe(candle.Futures, "btcusdt@kline_15m", func(streamName string, body []byte) {
		mu.Lock()
		received = body
		mu.Unlock()
		close(done)
	})

	send <- []byte(`{"stream":"btcusdt@kline_15m","data":{}}`)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("handler was never invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, string(received), "btcusdt@kline_15m")
}

func TestMarketConn_BuildURLJoinsStreamNames(t *testing.T) {
	c := newMarketConn(nil, candle.Futures, "wss://example.com", defaultConfig(), nil, zap.NewNop(), nil, nil)
	c.handlers["btcusdt@kline_15m"] = func(string, []byte) {}
	c.handlers["ethusdt@kline_15m"] = func(string, []byte) {}

	u := c.buildURL()
	assert.Contains(t, u, "wss://example.com/stream?streams=")
	assert.Contains(t, u, "btcusdt@kline_15m")
	assert.Contains(t, u, "ethusdt@kline_15m")
}

func TestMarketConn_UnsubscribeLastClosesConnection(t *testing.T) {
	c := newMarketConn(nil, candle.Spot, "wss://example.com", defaultConfig(), nil, zap.NewNop(), nil, nil)
	c.handlers["btcusdt@kline_15m"] = func(string, []byte) {}

	c.unsubscribe("btcusdt@kline_15m")

	select {
	case <-c.closeCh:
	default:
		t.Fatal("expected closeCh to be closed after last unsubscribe")
	}
}

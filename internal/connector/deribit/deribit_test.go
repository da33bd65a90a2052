package deribit

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketprism-collector/internal/connector"
	"marketprism-collector/internal/types"
)

// dialTestConn connects the adapter to a local WebSocket sink.
func dialTestConn(t *testing.T, a *Adapter) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	a.SetConnected(true)
}

func TestHeartbeatAndResubscribeConcurrentWriters(t *testing.T) {
	a := New(connector.AdapterConfig{Exchange: types.Deribit}, nil)
	dialTestConn(t, a)

	// Heartbeat replies come from the read goroutine while book
	// resubscribes run on manager goroutines; both share one connection.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			a.answerTestRequest()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			assert.NoError(t, a.ResubscribeBook("BTC-PERPETUAL"))
		}
	}()
	wg.Wait()
}

func TestHeartbeatTestRequestAnswered(t *testing.T) {
	a := New(connector.AdapterConfig{Exchange: types.Deribit}, nil)

	upgrader := websocket.Upgrader{}
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		var req rpcRequest
		if err := c.ReadJSON(&req); err == nil {
			got <- req.Method
		}
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	a.SetConnected(true)

	a.handleMessage([]byte(`{"jsonrpc":"2.0","method":"heartbeat","params":{"type":"test_request"}}`))
	assert.Equal(t, "public/test", <-got)
}

func TestResubscribeBookDisconnected(t *testing.T) {
	a := New(connector.AdapterConfig{Exchange: types.Deribit}, nil)
	assert.ErrorIs(t, a.ResubscribeBook("BTC-PERPETUAL"), types.ErrUpstreamDisconnected)
}

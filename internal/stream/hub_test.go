package stream

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hubFixture struct {
	hub    *Hub
	server *httptest.Server
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f := &hubFixture{hub: NewHub(), cancel: cancel}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.hub.Run(ctx)
	}()
	f.server = httptest.NewServer(f.hub)
	t.Cleanup(f.close)
	return f
}

func (f *hubFixture) close() {
	f.cancel()
	f.wg.Wait()
	f.server.Close()
}

func (f *hubFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_Broadcast(t *testing.T) {
	f := newHubFixture(t)

	a := f.dial(t)
	defer a.Close()
	b := f.dial(t)
	defer b.Close()
	waitFor(t, func() bool { return f.hub.ClientCount() == 2 })

	f.hub.Broadcast(TypeRefresh, map[string]any{"phase": 3})

	for _, conn := range []*websocket.Conn{a, b} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg struct {
			Type string         `json:"type"`
			Data map[string]int `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, TypeRefresh, msg.Type)
		assert.Equal(t, 3, msg.Data["phase"])
	}
}

func TestHub_PingPong(t *testing.T) {
	f := newHubFixture(t)

	conn := f.dial(t)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Message{Type: "ping"}))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, TypePong, msg.Type)
}

func TestHub_Disconnect(t *testing.T) {
	f := newHubFixture(t)

	conn := f.dial(t)
	waitFor(t, func() bool { return f.hub.ClientCount() == 1 })

	conn.Close()
	waitFor(t, func() bool { return f.hub.ClientCount() == 0 })
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	f := newHubFixture(t)

	conn := f.dial(t)
	defer conn.Close()
	waitFor(t, func() bool { return f.hub.ClientCount() == 1 })

	f.cancel()
	f.wg.Wait()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "server should close the connection")

	// Broadcasting after shutdown must not block
	f.hub.Broadcast(TypeError, "late")
}

func TestHub_RejectsForeignOrigin(t *testing.T) {
	f := newHubFixture(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	header := map[string][]string{"Origin": {"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, 403, resp.StatusCode)
	}
}

package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/m1nuzz/ralph-tui/internal/common/logger"
	"github.com/m1nuzz/ralph-tui/pkg/remote/protocol"
)

// fakeServer is a minimal protocol speaker for client tests.
type fakeServer struct {
	t          *testing.T
	httpServer *httptest.Server
	acceptTok  string // token accepted during auth; others rejected
	upgrader   websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn

	connections atomic.Int32
}

func newFakeServer(t *testing.T, acceptToken string) *fakeServer {
	fs := &fakeServer{t: t, acceptTok: acceptToken}
	fs.httpServer = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.httpServer.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.httpServer.URL, "http") + "/ws"
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fs.connections.Add(1)
	fs.mu.Lock()
	fs.conns = append(fs.conns, conn)
	fs.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case protocol.TypeAuth:
			var p protocol.AuthPayload
			_ = msg.ParsePayload(&p)
			payload := protocol.AuthResponsePayload{}
			if p.Token == fs.acceptTok {
				expiry := time.Now().Add(24 * time.Hour)
				payload.Success = true
				payload.ConnectionToken = "conn-token-1"
				payload.ExpiresAt = &expiry
			} else {
				payload.Error = "invalid or expired token"
			}
			resp, _ := protocol.NewResponse(msg.ID, protocol.TypeAuthResponse, payload)
			fs.send(conn, resp)

		case protocol.TypePing:
			resp, _ := protocol.NewResponse(msg.ID, protocol.TypePong, nil)
			fs.send(conn, resp)

		case protocol.TypeGetState:
			resp, _ := protocol.NewResponse(msg.ID, protocol.TypeStateResponse,
				protocol.StateResponsePayload{State: json.RawMessage(`{"status":"idle"}`)})
			fs.send(conn, resp)

		case protocol.TypePause:
			resp, _ := protocol.NewResponse(msg.ID, protocol.TypeOperationResult,
				protocol.OperationResultPayload{Operation: "pause", Success: false, Error: "invalid_state"})
			fs.send(conn, resp)
		}
	}
}

func (fs *fakeServer) send(conn *websocket.Conn, msg *protocol.Message) {
	data, err := json.Marshal(msg)
	require.NoError(fs.t, err)
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func (fs *fakeServer) dropAll() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, c := range fs.conns {
		_ = c.Close()
	}
	fs.conns = nil
}

func TestConnectAndRequest(t *testing.T) {
	fs := newFakeServer(t, "secret")
	c := New(fs.url(), "secret", Handler{}, logger.Default())

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()
	require.Equal(t, StateConnected, c.State())

	tok, expiry := c.ConnectionToken()
	require.Equal(t, "conn-token-1", tok)
	require.False(t, expiry.IsZero())

	state, err := c.GetState(context.Background())
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"idle"}`, string(state))
}

func TestAuthRejectionIsFatal(t *testing.T) {
	fs := newFakeServer(t, "secret")

	failed := make(chan struct{}, 1)
	c := New(fs.url(), "wrong", Handler{
		OnFailed: func() { failed <- struct{}{} },
	}, logger.Default())

	err := c.Connect(context.Background())
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrAuthRejected))
	require.Equal(t, StateDisconnected, c.State())

	// No reconnect follows a rejected connect.
	time.Sleep(100 * time.Millisecond)
	require.EqualValues(t, 1, fs.connections.Load())
}

func TestOperationResultRoundTrip(t *testing.T) {
	fs := newFakeServer(t, "secret")
	c := New(fs.url(), "secret", Handler{}, logger.Default())
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	res, err := c.Pause(context.Background())
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, "invalid_state", res.Error)
}

func TestReconnectAfterDrop(t *testing.T) {
	fs := newFakeServer(t, "secret")

	reconnected := make(chan struct{}, 4)
	var reconnectingEvents atomic.Int32
	c := New(fs.url(), "secret", Handler{
		OnConnected:    func() { reconnected <- struct{}{} },
		OnReconnecting: func(attempt int, delay time.Duration) { reconnectingEvents.Add(1) },
	}, logger.Default())
	c.SetBackoff(BackoffPolicy{
		InitialDelay:         5 * time.Millisecond,
		MaxDelay:             20 * time.Millisecond,
		Multiplier:           2,
		MaxRetries:           10,
		SilentRetryThreshold: 3,
	})

	require.NoError(t, c.Connect(context.Background()))
	<-reconnected

	fs.dropAll()

	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("client did not reconnect")
	}
	require.Equal(t, StateConnected, c.State())
	// Reconnect succeeded on attempt 1, inside the silent threshold.
	require.EqualValues(t, 0, reconnectingEvents.Load())
	c.Disconnect()
}

func TestIntentionalDisconnectDoesNotReconnect(t *testing.T) {
	fs := newFakeServer(t, "secret")
	c := New(fs.url(), "secret", Handler{}, logger.Default())
	require.NoError(t, c.Connect(context.Background()))

	c.Disconnect()
	time.Sleep(100 * time.Millisecond)

	require.Equal(t, StateDisconnected, c.State())
	require.EqualValues(t, 1, fs.connections.Load())
}

func TestReconnectGivesUpAfterMaxRetries(t *testing.T) {
	fs := newFakeServer(t, "secret")

	failed := make(chan struct{})
	var visible atomic.Int32
	c := New(fs.url(), "secret", Handler{
		OnFailed:       func() { close(failed) },
		OnReconnecting: func(attempt int, delay time.Duration) { visible.Add(1) },
	}, logger.Default())
	c.SetBackoff(BackoffPolicy{
		InitialDelay:         time.Millisecond,
		MaxDelay:             5 * time.Millisecond,
		Multiplier:           2,
		MaxRetries:           5,
		SilentRetryThreshold: 3,
	})

	require.NoError(t, c.Connect(context.Background()))
	// Kill the server entirely so every reconnect attempt fails.
	fs.httpServer.CloseClientConnections()
	fs.httpServer.Close()
	fs.dropAll()

	select {
	case <-failed:
	case <-time.After(5 * time.Second):
		t.Fatal("client never gave up")
	}
	require.Equal(t, StateDisconnected, c.State())
	// Attempts 4 and 5 are past the silent threshold.
	require.EqualValues(t, 2, visible.Load())
}

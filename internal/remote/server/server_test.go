package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/m1nuzz/ralph-tui/internal/agent/agenttest"
	"github.com/m1nuzz/ralph-tui/internal/common/logger"
	"github.com/m1nuzz/ralph-tui/internal/engine"
	"github.com/m1nuzz/ralph-tui/internal/events/bus"
	"github.com/m1nuzz/ralph-tui/internal/tracker"
	"github.com/m1nuzz/ralph-tui/pkg/remote/protocol"
)

type testEnv struct {
	t          *testing.T
	server     *Server
	httpServer *httptest.Server
	tokens     *TokenStore
	bus        bus.EventBus
	engine     *engine.Engine
	cancel     context.CancelFunc
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()

	log := logger.Default()
	tokens, err := LoadOrCreateTokenStore(filepath.Join(t.TempDir(), TokenFileName), false, log)
	require.NoError(t, err)

	tr := tracker.NewMemoryTracker([]tracker.Task{
		{ID: "a", Title: "Task A", Status: tracker.StatusPending, Priority: 2},
		{ID: "b", Title: "Task B", Status: tracker.StatusPending, Priority: 1},
	})
	eng := engine.New(agenttest.New("test"), tr, engine.Options{SessionID: "sess-1"})
	eventBus := bus.NewMemoryEventBus(log)

	if opts.WorkDir == "" {
		opts.WorkDir = t.TempDir()
	}
	if opts.AuthTimeout == 0 {
		opts.AuthTimeout = 2 * time.Second
	}
	opts.SessionID = "sess-1"

	srv := New(eng, tr, tokens, eventBus, nil, opts, log)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, srv.Bootstrap(ctx))

	hs := httptest.NewServer(srv.Router())
	env := &testEnv{t: t, server: srv, httpServer: hs, tokens: tokens, bus: eventBus, engine: eng, cancel: cancel}
	t.Cleanup(func() {
		hs.Close()
		cancel()
	})
	return env
}

func (env *testEnv) dial() *websocket.Conn {
	env.t.Helper()
	url := "ws" + strings.TrimPrefix(env.httpServer.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(env.t, err)
	require.Equal(env.t, http.StatusSwitchingProtocols, resp.StatusCode)
	env.t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ protocol.Type, payload any) *protocol.Message {
	t.Helper()
	msg, err := protocol.New(typ, payload)
	require.NoError(t, err)
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
	return msg
}

func read(t *testing.T, conn *websocket.Conn) *protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg protocol.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return &msg
}

// readType skips frames until one of the wanted type arrives.
func readType(t *testing.T, conn *websocket.Conn, typ protocol.Type) *protocol.Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg := read(t, conn)
		if msg.Type == typ {
			return msg
		}
	}
	t.Fatalf("never received %s", typ)
	return nil
}

func (env *testEnv) authenticate(conn *websocket.Conn) protocol.AuthResponsePayload {
	env.t.Helper()
	req := send(env.t, conn, protocol.TypeAuth, protocol.AuthPayload{
		Token:     env.tokens.ServerToken().Token,
		TokenType: protocol.TokenTypeServer,
	})
	resp := read(env.t, conn)
	require.Equal(env.t, protocol.TypeAuthResponse, resp.Type)
	require.Equal(env.t, req.ID, resp.ID)

	var p protocol.AuthResponsePayload
	require.NoError(env.t, resp.ParsePayload(&p))
	return p
}

func TestAuthHandshake(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := env.dial()

	p := env.authenticate(conn)
	require.True(t, p.Success)
	require.NotEmpty(t, p.ConnectionToken)
	require.NotNil(t, p.ExpiresAt)
	require.True(t, p.ExpiresAt.After(time.Now().Add(23*time.Hour)))
}

func TestAuthWithConnectionToken(t *testing.T) {
	env := newTestEnv(t, Options{})

	first := env.dial()
	p := env.authenticate(first)
	require.True(t, p.Success)

	// A second connection can authenticate with the issued
	// connection token instead of the server token.
	second := env.dial()
	req := send(t, second, protocol.TypeAuth, protocol.AuthPayload{
		Token:     p.ConnectionToken,
		TokenType: protocol.TokenTypeConnection,
	})
	resp := read(t, second)
	require.Equal(t, req.ID, resp.ID)
	var rp protocol.AuthResponsePayload
	require.NoError(t, resp.ParsePayload(&rp))
	require.True(t, rp.Success)
}

func TestAuthRejectsBadToken(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := env.dial()

	send(t, conn, protocol.TypeAuth, protocol.AuthPayload{Token: "bogus", TokenType: protocol.TokenTypeServer})
	resp := read(t, conn)
	require.Equal(t, protocol.TypeAuthResponse, resp.Type)
	var p protocol.AuthResponsePayload
	require.NoError(t, resp.ParsePayload(&p))
	require.False(t, p.Success)
	require.NotEmpty(t, p.Error)

	// The server closes shortly after the rejection.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func TestPreAuthMessageRejected(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := env.dial()

	send(t, conn, protocol.TypeGetState, nil)
	resp := read(t, conn)
	require.Equal(t, protocol.TypeError, resp.Type)
	var p protocol.ErrorPayload
	require.NoError(t, resp.ParsePayload(&p))
	require.Equal(t, protocol.ErrCodeNotAuthenticated, p.Code)
}

func TestAuthTimeout(t *testing.T) {
	env := newTestEnv(t, Options{AuthTimeout: 100 * time.Millisecond})
	conn := env.dial()

	// Never send auth; the server closes after the deadline and the
	// last message carries AUTH_TIMEOUT.
	resp := read(t, conn)
	require.Equal(t, protocol.TypeError, resp.Type)
	var p protocol.ErrorPayload
	require.NoError(t, resp.ParsePayload(&p))
	require.Equal(t, protocol.ErrCodeAuthTimeout, p.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func TestPingPong(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := env.dial()
	env.authenticate(conn)

	req := send(t, conn, protocol.TypePing, nil)
	resp := read(t, conn)
	require.Equal(t, protocol.TypePong, resp.Type)
	require.Equal(t, req.ID, resp.ID, "pong echoes the ping id for RTT measurement")
}

func TestUnknownMessageType(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := env.dial()
	env.authenticate(conn)

	send(t, conn, protocol.Type("frobnicate"), nil)
	resp := read(t, conn)
	require.Equal(t, protocol.TypeError, resp.Type)
	var p protocol.ErrorPayload
	require.NoError(t, resp.ParsePayload(&p))
	require.Equal(t, protocol.ErrCodeUnknownMessage, p.Code)
}

func TestGetStateAndTasks(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := env.dial()
	env.authenticate(conn)

	req := send(t, conn, protocol.TypeGetState, nil)
	resp := readType(t, conn, protocol.TypeStateResponse)
	require.Equal(t, req.ID, resp.ID)
	var sp protocol.StateResponsePayload
	require.NoError(t, resp.ParsePayload(&sp))
	var state map[string]any
	require.NoError(t, json.Unmarshal(sp.State, &state))
	require.Equal(t, "idle", state["status"])

	send(t, conn, protocol.TypeGetTasks, nil)
	resp = readType(t, conn, protocol.TypeTasksResponse)
	var tp protocol.TasksResponsePayload
	require.NoError(t, resp.ParsePayload(&tp))
	require.Len(t, tp.Tasks, 2)
}

func TestCommandDispatchInvalidState(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := env.dial()
	env.authenticate(conn)

	req := send(t, conn, protocol.TypePause, nil)
	resp := readType(t, conn, protocol.TypeOperationResult)
	require.Equal(t, req.ID, resp.ID)

	var p protocol.OperationResultPayload
	require.NoError(t, resp.ParsePayload(&p))
	require.Equal(t, "pause", p.Operation)
	require.False(t, p.Success)
	require.Equal(t, engine.ErrInvalidState.Error(), p.Error)
}

func TestAddIterationsCommand(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := env.dial()
	env.authenticate(conn)

	send(t, conn, protocol.TypeAddIterations, protocol.AddIterationsPayload{Count: 5})
	resp := readType(t, conn, protocol.TypeOperationResult)
	var p protocol.OperationResultPayload
	require.NoError(t, resp.ParsePayload(&p))
	require.True(t, p.Success)
	require.Equal(t, uint(5), env.engine.GetState().MaxIterations)
}

func TestSubscribeReceivesEngineEventsInOrder(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := env.dial()
	env.authenticate(conn)

	send(t, conn, protocol.TypeSubscribe, nil)
	// Subscribe has no reply; give the server a moment to apply it.
	time.Sleep(50 * time.Millisecond)

	kinds := []string{"iteration:started", "agent:output", "iteration:completed"}
	for _, kind := range kinds {
		ev := bus.NewEvent(kind, "engine", map[string]any{"kind": kind})
		require.NoError(t, env.bus.Publish(context.Background(), bus.BuildEngineSubject(kind), ev))
	}

	for _, want := range kinds {
		msg := readType(t, conn, protocol.TypeEngineEvent)
		var p protocol.EngineEventPayload
		require.NoError(t, msg.ParsePayload(&p))
		require.Equal(t, want, p.Kind)
	}
}

func TestUnsubscribeStopsEvents(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := env.dial()
	env.authenticate(conn)

	send(t, conn, protocol.TypeSubscribe, nil)
	time.Sleep(50 * time.Millisecond)
	send(t, conn, protocol.TypeUnsubscribe, nil)
	time.Sleep(50 * time.Millisecond)

	ev := bus.NewEvent("iteration:started", "engine", nil)
	require.NoError(t, env.bus.Publish(context.Background(), bus.BuildEngineSubject("iteration:started"), ev))

	// A ping still round-trips, and no engine_event precedes the pong.
	send(t, conn, protocol.TypePing, nil)
	msg := read(t, conn)
	require.Equal(t, protocol.TypePong, msg.Type)
}

func TestTokenRefresh(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := env.dial()
	auth := env.authenticate(conn)

	req := send(t, conn, protocol.TypeTokenRefresh, nil)
	resp := readType(t, conn, protocol.TypeTokenRefreshResponse)
	require.Equal(t, req.ID, resp.ID)

	var p protocol.TokenRefreshResponsePayload
	require.NoError(t, resp.ParsePayload(&p))
	require.True(t, p.Success)
	require.NotEmpty(t, p.ConnectionToken)
	require.NotEqual(t, auth.ConnectionToken, p.ConnectionToken)

	// The old token is revoked.
	require.False(t, env.tokens.Validate(auth.ConnectionToken))
	require.True(t, env.tokens.Validate(p.ConnectionToken))
}

func TestPromptPreview(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := env.dial()
	env.authenticate(conn)

	send(t, conn, protocol.TypeGetPromptPreview, nil)
	resp := readType(t, conn, protocol.TypePromptPreviewResponse)
	var p protocol.PromptPreviewResponsePayload
	require.NoError(t, resp.ParsePayload(&p))
	require.Empty(t, p.Error)
	require.Contains(t, p.Prompt, "Task A")
}

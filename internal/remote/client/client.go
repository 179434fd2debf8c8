// Package client implements the remote side of the control plane: a
// persistent WebSocket connection to an engine host with automatic
// reconnection, heartbeat, and connection-token refresh.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/m1nuzz/ralph-tui/internal/common/logger"
	"github.com/m1nuzz/ralph-tui/pkg/remote/protocol"
)

// Heartbeat and refresh cadence.
const (
	heartbeatInterval    = 15 * time.Second
	refreshCheckInterval = time.Minute
	refreshThreshold     = time.Hour
	handshakeTimeout     = 10 * time.Second
)

// State is the client connection lifecycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// ErrAuthRejected means the server refused the handshake; the client
// does not reconnect.
var ErrAuthRejected = errors.New("authentication rejected")

// ErrNotConnected is returned for requests while disconnected.
var ErrNotConnected = errors.New("not connected")

// Handler receives connection lifecycle and push events.
type Handler struct {
	OnConnected    func()
	OnDisconnected func(err error)
	// OnReconnecting fires for attempts beyond the silent threshold.
	OnReconnecting func(attempt int, delay time.Duration)
	OnFailed       func()
	OnEngineEvent  func(protocol.EngineEventPayload)
	OnServerStatus func(protocol.ServerStatusPayload)
}

// Client maintains one logical remote tab.
type Client struct {
	url         string
	serverToken string
	handler     Handler
	backoff     BackoffPolicy
	logger      *logger.Logger

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	connToken      string
	tokenExpiresAt time.Time
	intentional    bool
	refreshMsgID   string // non-empty while a refresh is in flight
	latency        time.Duration
	pings          map[string]time.Time
	pending        map[string]chan *protocol.Message
	connDone       chan struct{}

	writeMu sync.Mutex
}

// New creates a client for the given ws:// URL and server token.
func New(url, serverToken string, handler Handler, log *logger.Logger) *Client {
	return &Client{
		url:         url,
		serverToken: serverToken,
		handler:     handler,
		backoff:     DefaultBackoff(),
		logger:      log.WithFields(zap.String("component", "remote-client")),
		state:       StateDisconnected,
		pings:       make(map[string]time.Time),
		pending:     make(map[string]chan *protocol.Message),
	}
}

// SetBackoff overrides the reconnect policy (tests mostly).
func (c *Client) SetBackoff(p BackoffPolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backoff = p
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Latency returns the last measured round-trip time.
func (c *Client) Latency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latency
}

// ConnectionToken returns the current connection token and its expiry.
func (c *Client) ConnectionToken() (string, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connToken, c.tokenExpiresAt
}

// Connect dials and authenticates, then keeps the connection alive in
// the background (heartbeat, token refresh, reconnection). An auth
// rejection is fatal and reported as ErrAuthRejected.
func (c *Client) Connect(ctx context.Context) error {
	c.setState(StateConnecting)
	if err := c.connectOnce(ctx); err != nil {
		c.setState(StateDisconnected)
		return err
	}
	go c.supervise(ctx)
	return nil
}

// Disconnect closes the connection intentionally; no reconnect follows.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.intentional = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
		_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = conn.Close()
	}
	c.setState(StateDisconnected)
}

// connectOnce performs one dial + auth handshake.
func (c *Client) connectOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	authMsg, err := protocol.New(protocol.TypeAuth, protocol.AuthPayload{
		Token:     c.serverToken,
		TokenType: protocol.TokenTypeServer,
	})
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := writeJSON(conn, authMsg); err != nil {
		_ = conn.Close()
		return fmt.Errorf("send auth: %w", err)
	}

	// Await the matching auth_response.
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	resp, err := awaitResponse(conn, authMsg.ID, protocol.TypeAuthResponse)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("auth handshake: %w", err)
	}
	var p protocol.AuthResponsePayload
	if err := resp.ParsePayload(&p); err != nil {
		_ = conn.Close()
		return fmt.Errorf("parse auth_response: %w", err)
	}
	if !p.Success {
		_ = conn.Close()
		if p.Error != "" {
			return fmt.Errorf("%w: %s", ErrAuthRejected, p.Error)
		}
		return ErrAuthRejected
	}
	_ = conn.SetReadDeadline(time.Time{})

	c.mu.Lock()
	c.conn = conn
	c.connToken = p.ConnectionToken
	if p.ExpiresAt != nil {
		c.tokenExpiresAt = *p.ExpiresAt
	}
	c.connDone = make(chan struct{})
	done := c.connDone
	c.state = StateConnected
	c.mu.Unlock()

	go c.readLoop(conn, done)
	go c.heartbeatLoop(done)
	go c.refreshLoop(done)

	c.logger.Info("connected", zap.String("url", c.url))
	if c.handler.OnConnected != nil {
		c.handler.OnConnected()
	}
	return nil
}

// supervise watches for connection loss and reconnects with backoff.
func (c *Client) supervise(ctx context.Context) {
	for {
		c.mu.Lock()
		done := c.connDone
		c.mu.Unlock()
		if done == nil {
			return
		}

		select {
		case <-ctx.Done():
			c.Disconnect()
			return
		case <-done:
		}

		c.mu.Lock()
		intentional := c.intentional
		c.mu.Unlock()
		if intentional {
			c.setState(StateDisconnected)
			return
		}

		if c.handler.OnDisconnected != nil {
			c.handler.OnDisconnected(errors.New("connection lost"))
		}
		if !c.reconnect(ctx) {
			return
		}
	}
}

// reconnect runs the backoff schedule. Returns false when the client
// gave up or the failure is fatal.
func (c *Client) reconnect(ctx context.Context) bool {
	c.mu.Lock()
	policy := c.backoff
	c.mu.Unlock()

	c.setState(StateReconnecting)
	for attempt := 1; attempt <= policy.MaxRetries; attempt++ {
		delay := policy.Delay(attempt)
		if !policy.Silent(attempt) && c.handler.OnReconnecting != nil {
			c.handler.OnReconnecting(attempt, delay)
		}
		c.logger.Debug("scheduling reconnect",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))

		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return false
		case <-time.After(delay):
		}

		err := c.connectOnce(ctx)
		if err == nil {
			return true
		}
		if errors.Is(err, ErrAuthRejected) {
			c.logger.Error("reconnect rejected by server", zap.Error(err))
			c.setState(StateDisconnected)
			if c.handler.OnFailed != nil {
				c.handler.OnFailed()
			}
			return false
		}
		c.logger.Debug("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}

	c.setState(StateDisconnected)
	c.logger.Error("reconnect budget exhausted")
	if c.handler.OnFailed != nil {
		c.handler.OnFailed()
	}
	return false
}

// readLoop routes inbound messages until the connection drops.
func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		_ = conn.Close()
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		close(done)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("malformed message from server", zap.Error(err))
			continue
		}
		c.handleMessage(&msg)
	}
}

func (c *Client) handleMessage(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypePong:
		c.mu.Lock()
		if sent, ok := c.pings[msg.ID]; ok {
			delete(c.pings, msg.ID)
			c.latency = time.Since(sent)
		}
		c.mu.Unlock()
		return

	case protocol.TypeEngineEvent:
		var p protocol.EngineEventPayload
		if err := msg.ParsePayload(&p); err == nil && c.handler.OnEngineEvent != nil {
			c.handler.OnEngineEvent(p)
		}
		return

	case protocol.TypeServerStatus:
		var p protocol.ServerStatusPayload
		if err := msg.ParsePayload(&p); err == nil && c.handler.OnServerStatus != nil {
			c.handler.OnServerStatus(p)
		}
		return

	case protocol.TypeTokenRefreshResponse:
		c.handleRefreshResponse(msg)
		// fall through to pending routing as well, in case a caller
		// issued the refresh explicitly.
	}

	// Route responses to pending requests by id.
	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.mu.Unlock()
	if ok {
		ch <- msg
	}
}

func (c *Client) handleRefreshResponse(msg *protocol.Message) {
	var p protocol.TokenRefreshResponsePayload
	if err := msg.ParsePayload(&p); err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.ID != c.refreshMsgID {
		return
	}
	c.refreshMsgID = ""
	if !p.Success {
		// Keep the existing token; the connection survives until it
		// actually expires.
		c.logger.Warn("token refresh rejected", zap.String("error", p.Error))
		return
	}
	c.connToken = p.ConnectionToken
	if p.ExpiresAt != nil {
		c.tokenExpiresAt = *p.ExpiresAt
	}
	c.logger.Debug("connection token refreshed", zap.Time("expires_at", c.tokenExpiresAt))
}

// heartbeatLoop sends protocol pings and measures RTT.
func (c *Client) heartbeatLoop(done chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		msg, err := protocol.New(protocol.TypePing, nil)
		if err != nil {
			continue
		}
		c.mu.Lock()
		c.pings[msg.ID] = time.Now()
		c.mu.Unlock()
		if err := c.write(msg); err != nil {
			return
		}
	}
}

// refreshLoop rotates the connection token when its remaining lifetime
// drops under the threshold. At most one refresh is in flight.
func (c *Client) refreshLoop(done chan struct{}) {
	ticker := time.NewTicker(refreshCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		c.maybeRefreshToken()
	}
}

func (c *Client) maybeRefreshToken() {
	c.mu.Lock()
	needs := c.refreshMsgID == "" &&
		!c.tokenExpiresAt.IsZero() &&
		time.Until(c.tokenExpiresAt) < refreshThreshold
	c.mu.Unlock()
	if !needs {
		return
	}

	msg, err := protocol.New(protocol.TypeTokenRefresh, nil)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.refreshMsgID = msg.ID
	c.mu.Unlock()

	if err := c.write(msg); err != nil {
		c.mu.Lock()
		c.refreshMsgID = ""
		c.mu.Unlock()
	}
}

// Request sends a message and waits for the response echoing its id.
func (c *Client) Request(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	ch := make(chan *protocol.Message, 1)
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[msg.ID] = ch
	c.mu.Unlock()

	if err := c.write(msg); err != nil {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Send fires a message without awaiting a response.
func (c *Client) Send(msg *protocol.Message) error {
	return c.write(msg)
}

func (c *Client) write(msg *protocol.Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeJSON(conn, msg)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func writeJSON(conn *websocket.Conn, msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// awaitResponse reads frames until one matches the id and type.
func awaitResponse(conn *websocket.Conn, id string, t protocol.Type) (*protocol.Message, error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == t && msg.ID == id {
			return &msg, nil
		}
		if msg.Type == protocol.TypeError {
			var p protocol.ErrorPayload
			_ = msg.ParsePayload(&p)
			return nil, fmt.Errorf("server error %s: %s", p.Code, p.Message)
		}
	}
}

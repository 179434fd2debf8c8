package server

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/m1nuzz/ralph-tui/internal/common/logger"
	"github.com/m1nuzz/ralph-tui/pkg/remote/protocol"
)

// connState tracks the per-connection state machine:
// connected -> authenticated -> (subscribed?) -> closed.
type connState int

const (
	stateConnected connState = iota
	stateAuthenticated
	stateClosed
)

// conn is one remote connection. Writes are serialized behind the send
// queue so frames never interleave.
type conn struct {
	id     string
	ws     *gorillaws.Conn
	server *Server
	logger *logger.Logger

	send      chan []byte
	closeOnce sync.Once

	mu         sync.Mutex
	state      connState
	subscribed bool
	connToken  string

	authTimer *time.Timer
}

func newConn(id string, ws *gorillaws.Conn, s *Server) *conn {
	c := &conn{
		id:     id,
		ws:     ws,
		server: s,
		logger: s.logger.WithFields(zap.String("conn_id", id)),
		send:   make(chan []byte, 256),
	}
	// Auth must arrive within the deadline or the connection closes.
	c.authTimer = time.AfterFunc(s.opts.AuthTimeout, c.authTimeout)
	return c
}

func (c *conn) getState() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *conn) isAuthenticated() bool {
	return c.getState() == stateAuthenticated
}

func (c *conn) isSubscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateAuthenticated && c.subscribed
}

// authTimeout fires when no valid auth arrived in time.
func (c *conn) authTimeout() {
	if c.getState() != stateConnected {
		return
	}
	c.logger.Info("auth timeout, closing connection")
	c.sendError("", protocol.ErrCodeAuthTimeout, "authentication not completed in time")
	// Give the write pump a moment to flush the error.
	time.AfterFunc(100*time.Millisecond, func() { c.close(protocol.ErrCodeAuthTimeout) })
}

// close tears down the connection once.
func (c *conn) close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = stateClosed
		c.mu.Unlock()

		c.authTimer.Stop()
		c.logger.Debug("closing connection", zap.String("reason", reason))

		deadline := time.Now().Add(time.Second)
		msg := gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, reason)
		_ = c.ws.WriteControl(gorillaws.CloseMessage, msg, deadline)
		_ = c.ws.Close()

		c.server.removeConn(c)
	})
}

// readPump reads frames until the connection drops.
func (c *conn) readPump(ctx context.Context) {
	defer c.close("read loop ended")

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(heartbeatTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(heartbeatTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				// 90s without traffic: three missed heartbeats.
				c.logger.Info("heartbeat timeout")
				c.close(protocol.ErrCodeHeartbeatTimeout)
				return
			}
			if gorillaws.IsUnexpectedCloseError(err,
				gorillaws.CloseGoingAway,
				gorillaws.CloseNoStatusReceived,
				gorillaws.CloseNormalClosure,
				gorillaws.CloseAbnormalClosure) {
				c.logger.Error("read error", zap.Error(err))
			}
			return
		}
		// Any traffic counts against the heartbeat deadline.
		_ = c.ws.SetReadDeadline(time.Now().Add(heartbeatTimeout))

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("malformed message", zap.Error(err))
			c.sendError("", protocol.ErrCodeBadRequest, "invalid message format")
			continue
		}

		c.handleMessage(ctx, &msg)
	}
}

// writePump serializes outbound frames and drives the ws-level
// heartbeat ping.
func (c *conn) writePump() {
	ticker := time.NewTicker(heartbeatInterval)
	defer func() {
		ticker.Stop()
		c.close("write loop ended")
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				return
			}
			if err := c.ws.WriteMessage(gorillaws.TextMessage, data); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(gorillaws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendMessage queues one message; a full queue drops the connection
// rather than stalling the server.
func (c *conn) sendMessage(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal message", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("send queue full, closing connection")
		c.close("send queue overflow")
	}
}

func (c *conn) sendError(requestID, code, message string) {
	msg, err := protocol.NewError(requestID, code, message)
	if err != nil {
		return
	}
	c.sendMessage(msg)
}

// handleMessage applies the connection state machine to one message.
func (c *conn) handleMessage(ctx context.Context, msg *protocol.Message) {
	switch c.getState() {
	case stateConnected:
		if msg.Type != protocol.TypeAuth {
			c.sendError(msg.ID, protocol.ErrCodeNotAuthenticated, "authenticate first")
			// Give the write pump a moment to flush the error.
			time.AfterFunc(100*time.Millisecond, func() { c.close(protocol.ErrCodeNotAuthenticated) })
			return
		}
		c.handleAuth(msg)

	case stateAuthenticated:
		c.handleAuthenticated(ctx, msg)

	case stateClosed:
	}
}

// handleAuth validates the handshake and issues a connection token.
func (c *conn) handleAuth(msg *protocol.Message) {
	var p protocol.AuthPayload
	if err := msg.ParsePayload(&p); err != nil {
		c.sendError(msg.ID, protocol.ErrCodeBadRequest, "invalid auth payload")
		c.close(protocol.ErrCodeBadRequest)
		return
	}

	if !c.server.tokens.Validate(p.Token) {
		resp, _ := protocol.NewResponse(msg.ID, protocol.TypeAuthResponse, protocol.AuthResponsePayload{
			Success: false,
			Error:   "invalid or expired token",
		})
		c.sendMessage(resp)
		// Give the write pump a moment to flush the rejection.
		time.AfterFunc(100*time.Millisecond, func() { c.close(protocol.ErrCodeAuthFailed) })
		return
	}

	token, expiry := c.server.tokens.IssueConnectionToken()
	c.mu.Lock()
	c.state = stateAuthenticated
	c.connToken = token
	c.mu.Unlock()
	c.authTimer.Stop()

	resp, _ := protocol.NewResponse(msg.ID, protocol.TypeAuthResponse, protocol.AuthResponsePayload{
		Success:         true,
		ConnectionToken: token,
		ExpiresAt:       &expiry,
	})
	c.sendMessage(resp)
	c.logger.Info("connection authenticated", zap.String("token_type", p.TokenType))
}

// handleAuthenticated dispatches post-auth traffic.
func (c *conn) handleAuthenticated(ctx context.Context, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypePing:
		resp, _ := protocol.NewResponse(msg.ID, protocol.TypePong, nil)
		c.sendMessage(resp)

	case protocol.TypeTokenRefresh:
		c.handleTokenRefresh(msg)

	case protocol.TypeSubscribe:
		c.mu.Lock()
		c.subscribed = true
		c.mu.Unlock()

	case protocol.TypeUnsubscribe:
		c.mu.Lock()
		c.subscribed = false
		c.mu.Unlock()

	case protocol.TypePause, protocol.TypeResume, protocol.TypeInterrupt,
		protocol.TypeRefreshTasks, protocol.TypeAddIterations,
		protocol.TypeRemoveIterations, protocol.TypeContinue:
		select {
		case c.server.cmdQueue <- queuedCommand{conn: c, msg: msg}:
		default:
			c.sendError(msg.ID, protocol.ErrCodeInternalError, "command queue full")
		}

	default:
		// Queries and unknown types route through the dispatcher,
		// which answers unknown types with UNKNOWN_MESSAGE.
		resp, err := c.server.dispatcher.Dispatch(ctx, msg)
		c.reply(msg, resp, err)
	}
}

func (c *conn) reply(req *protocol.Message, resp *protocol.Message, err error) {
	if err != nil {
		c.logger.Error("handler error", zap.String("type", string(req.Type)), zap.Error(err))
		c.sendError(req.ID, protocol.ErrCodeInternalError, err.Error())
		return
	}
	if resp != nil {
		c.sendMessage(resp)
	}
}

// handleTokenRefresh rotates the connection token.
func (c *conn) handleTokenRefresh(msg *protocol.Message) {
	c.mu.Lock()
	old := c.connToken
	c.mu.Unlock()

	token, expiry, err := c.server.tokens.RefreshConnectionToken(old)
	if err != nil {
		resp, _ := protocol.NewResponse(msg.ID, protocol.TypeTokenRefreshResponse, protocol.TokenRefreshResponsePayload{
			Success: false,
			Error:   err.Error(),
		})
		c.sendMessage(resp)
		return
	}

	c.mu.Lock()
	c.connToken = token
	c.mu.Unlock()

	resp, _ := protocol.NewResponse(msg.ID, protocol.TypeTokenRefreshResponse, protocol.TokenRefreshResponsePayload{
		Success:         true,
		ConnectionToken: token,
		ExpiresAt:       &expiry,
	})
	c.sendMessage(resp)
}

// Package server implements the engine host's side of the remote
// control plane: an authenticated WebSocket endpoint exposing engine
// state, the engine event stream, serialized control commands, and
// config push.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/m1nuzz/ralph-tui/internal/common/logger"
	"github.com/m1nuzz/ralph-tui/internal/engine"
	"github.com/m1nuzz/ralph-tui/internal/events/bus"
	"github.com/m1nuzz/ralph-tui/internal/history"
	"github.com/m1nuzz/ralph-tui/internal/tracker"
	"github.com/m1nuzz/ralph-tui/pkg/remote/protocol"
)

// DefaultPort is the remote control plane's default TCP port.
const DefaultPort = 7890

// Timeouts of the connection state machine.
const (
	defaultAuthTimeout = 10 * time.Second
	heartbeatInterval  = 30 * time.Second
	heartbeatTimeout   = 90 * time.Second
	writeWait          = 30 * time.Second
	maxMessageSize     = 1024 * 1024
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Auth happens at the message layer; the origin is not trusted
		// either way.
		return true
	},
}

// EngineController is the slice of the engine the server drives.
// *engine.Engine satisfies it; tests substitute fakes.
type EngineController interface {
	GetState() engine.State
	Pause() error
	Resume() error
	Interrupt() error
	Continue(ctx context.Context) error
	AddIterations(n uint) error
	RemoveIterations(n uint) error
	RefreshTasks(ctx context.Context) error
	PromptPreview(ctx context.Context) (string, error)
}

// Options configures the server.
type Options struct {
	Port        int
	WorkDir     string // remote cwd for project-scope config
	SessionID   string
	AuthTimeout time.Duration // defaults to 10s
}

// queuedCommand is one engine-control message waiting its turn.
type queuedCommand struct {
	conn *conn
	msg  *protocol.Message
}

// Server accepts remote connections and dispatches their messages.
type Server struct {
	engine  EngineController
	tracker tracker.Tracker
	tokens  *TokenStore
	bus     bus.EventBus
	history *history.Store // optional
	logger  *logger.Logger
	opts    Options

	startedAt time.Time

	mu    sync.RWMutex
	conns map[*conn]bool

	dispatcher *protocol.Dispatcher
	cmdQueue   chan queuedCommand
	httpServer *http.Server
}

// New creates a server. The history store may be nil.
func New(eng EngineController, tr tracker.Tracker, tokens *TokenStore, eventBus bus.EventBus, hist *history.Store, opts Options, log *logger.Logger) *Server {
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.AuthTimeout == 0 {
		opts.AuthTimeout = defaultAuthTimeout
	}
	s := &Server{
		engine:   eng,
		tracker:  tr,
		tokens:   tokens,
		bus:      eventBus,
		history:  hist,
		logger:   log.WithFields(zap.String("component", "remote-server")),
		opts:     opts,
		conns:    make(map[*conn]bool),
		cmdQueue: make(chan queuedCommand, 64),
	}
	s.dispatcher = s.buildDispatcher()
	return s
}

// buildDispatcher registers the query handlers. Connection-bound types
// (auth, ping, subscribe, token_refresh) and engine commands are
// handled by the connection itself.
func (s *Server) buildDispatcher() *protocol.Dispatcher {
	d := protocol.NewDispatcher()
	d.RegisterFunc(protocol.TypeGetState, func(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
		return s.stateResponse(msg.ID)
	})
	d.RegisterFunc(protocol.TypeGetTasks, func(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
		return s.tasksResponse(ctx, msg.ID)
	})
	d.RegisterFunc(protocol.TypeGetPromptPreview, func(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
		return s.promptPreviewResponse(ctx, msg.ID)
	})
	d.RegisterFunc(protocol.TypeGetIterationOutput, func(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
		return s.iterationOutputResponse(ctx, msg)
	})
	d.RegisterFunc(protocol.TypeCheckConfig, func(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
		return s.checkConfigResponse(msg.ID)
	})
	d.RegisterFunc(protocol.TypePushConfig, func(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
		return s.pushConfigResponse(msg)
	})
	return d
}

// Router builds the gin router exposing the upgrade route.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/ws", s.handleConnection)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "ralph-tui"})
	})
	return router
}

// Bootstrap subscribes to the event bus and starts the background
// workers. Run calls it; tests that serve Router directly call it too.
func (s *Server) Bootstrap(ctx context.Context) error {
	s.startedAt = time.Now().UTC()

	sub, err := s.bus.Subscribe(bus.SubjectWildcard, func(_ context.Context, ev *bus.Event) error {
		s.forwardEngineEvent(ev)
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe to engine events: %w", err)
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()

	go s.commandWorker(ctx)
	go s.statusLoop(ctx)
	return nil
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Bootstrap(ctx); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.opts.Port),
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("remote server listening", zap.Int("port", s.opts.Port))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown error", zap.Error(err))
	}
	s.closeAll()
	return nil
}

// handleConnection upgrades HTTP to WebSocket and runs the pumps.
func (s *Server) handleConnection(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	cn := newConn(uuid.New().String(), ws, s)
	s.mu.Lock()
	s.conns[cn] = true
	s.mu.Unlock()

	s.logger.Debug("connection established",
		zap.String("conn_id", cn.id),
		zap.String("remote_addr", c.Request.RemoteAddr))

	go cn.writePump()
	cn.readPump(c.Request.Context())
}

// removeConn drops a connection from the set. The connection token is
// NOT revoked here: it stays valid for its 24h lifetime so the client
// can re-authenticate with it after a reconnect.
func (s *Server) removeConn(cn *conn) {
	s.mu.Lock()
	delete(s.conns, cn)
	s.mu.Unlock()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for cn := range s.conns {
		conns = append(conns, cn)
	}
	s.mu.Unlock()
	for _, cn := range conns {
		cn.close("server shutdown")
	}
}

// forwardEngineEvent serializes one engine event to every subscribed
// connection, in bus delivery order.
func (s *Server) forwardEngineEvent(ev *bus.Event) {
	msg, err := protocol.New(protocol.TypeEngineEvent, protocol.EngineEventPayload{
		Kind:      ev.Type,
		Timestamp: ev.Timestamp,
		Data:      ev.Data,
	})
	if err != nil {
		s.logger.Error("failed to build engine_event", zap.Error(err))
		return
	}

	s.mu.RLock()
	conns := make([]*conn, 0, len(s.conns))
	for cn := range s.conns {
		conns = append(conns, cn)
	}
	s.mu.RUnlock()

	for _, cn := range conns {
		if cn.isSubscribed() {
			cn.sendMessage(msg)
		}
	}
}

// statusLoop pushes server_status to authenticated connections.
func (s *Server) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.RLock()
		conns := make([]*conn, 0, len(s.conns))
		for cn := range s.conns {
			conns = append(conns, cn)
		}
		s.mu.RUnlock()

		subscribers := 0
		for _, cn := range conns {
			if cn.isSubscribed() {
				subscribers++
			}
		}

		payload := protocol.ServerStatusPayload{
			UptimeSeconds:    int64(time.Since(s.startedAt).Seconds()),
			EngineStatus:     string(s.engine.GetState().Status),
			ConnectedClients: len(conns),
			Subscribers:      subscribers,
		}
		msg, err := protocol.New(protocol.TypeServerStatus, payload)
		if err != nil {
			continue
		}
		for _, cn := range conns {
			if cn.isAuthenticated() {
				cn.sendMessage(msg)
			}
		}
	}
}

// commandWorker serializes engine-control commands: one in flight at a
// time, extras processed in arrival order.
func (s *Server) commandWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case qc := <-s.cmdQueue:
			s.executeCommand(ctx, qc)
		}
	}
}

func (s *Server) executeCommand(ctx context.Context, qc queuedCommand) {
	op := string(qc.msg.Type)
	var err error

	switch qc.msg.Type {
	case protocol.TypePause:
		err = s.engine.Pause()
	case protocol.TypeResume:
		err = s.engine.Resume()
	case protocol.TypeInterrupt:
		err = s.engine.Interrupt()
	case protocol.TypeContinue:
		err = s.engine.Continue(ctx)
	case protocol.TypeRefreshTasks:
		err = s.engine.RefreshTasks(ctx)
	case protocol.TypeAddIterations:
		var p protocol.AddIterationsPayload
		if err = qc.msg.ParsePayload(&p); err == nil {
			err = s.engine.AddIterations(p.Count)
		}
	case protocol.TypeRemoveIterations:
		var p protocol.RemoveIterationsPayload
		if err = qc.msg.ParsePayload(&p); err == nil {
			err = s.engine.RemoveIterations(p.Count)
		}
	default:
		err = fmt.Errorf("not an engine command: %s", qc.msg.Type)
	}

	payload := protocol.OperationResultPayload{Operation: op, Success: err == nil}
	if err != nil {
		payload.Error = err.Error()
	}
	resp, buildErr := protocol.NewResponse(qc.msg.ID, protocol.TypeOperationResult, payload)
	if buildErr != nil {
		s.logger.Error("failed to build operation_result", zap.Error(buildErr))
		return
	}
	qc.conn.sendMessage(resp)
}

// stateResponse builds the full engine snapshot reply.
func (s *Server) stateResponse(requestID string) (*protocol.Message, error) {
	snapshot := s.engine.GetState()
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}
	return protocol.NewResponse(requestID, protocol.TypeStateResponse, protocol.StateResponsePayload{State: data})
}

// tasksResponse builds the task list reply.
func (s *Server) tasksResponse(ctx context.Context, requestID string) (*protocol.Message, error) {
	tasks, err := s.tracker.Tasks(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.Task, len(tasks))
	for i, t := range tasks {
		out[i] = protocol.Task{
			ID:          t.ID,
			Title:       t.Title,
			Description: t.Description,
			Status:      string(t.Status),
			Priority:    t.Priority,
		}
	}
	return protocol.NewResponse(requestID, protocol.TypeTasksResponse, protocol.TasksResponsePayload{Tasks: out})
}

// promptPreviewResponse builds the next-prompt reply.
func (s *Server) promptPreviewResponse(ctx context.Context, requestID string) (*protocol.Message, error) {
	prompt, err := s.engine.PromptPreview(ctx)
	payload := protocol.PromptPreviewResponsePayload{Prompt: prompt}
	if err != nil {
		payload.Error = err.Error()
	}
	return protocol.NewResponse(requestID, protocol.TypePromptPreviewResponse, payload)
}

// iterationOutputResponse looks up archived output for one iteration.
func (s *Server) iterationOutputResponse(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	var p protocol.GetIterationOutputPayload
	if err := msg.ParsePayload(&p); err != nil {
		return protocol.NewError(msg.ID, protocol.ErrCodeBadRequest, "invalid payload: "+err.Error())
	}

	payload := protocol.IterationOutputResponsePayload{Iteration: p.Iteration}

	// The in-flight iteration is served from live state; older ones
	// from the history archive.
	st := s.engine.GetState()
	if p.Iteration == st.CurrentIteration && st.CurrentTask != nil {
		payload.Output = st.CurrentOutput
		payload.Stderr = st.CurrentStderr
		payload.Found = true
	} else if s.history != nil {
		out, err := s.history.Get(ctx, s.opts.SessionID, p.Iteration)
		switch {
		case err == nil:
			payload.Output = out.Output
			payload.Stderr = out.Stderr
			payload.Found = true
		case err == history.ErrNotFound:
			payload.Found = false
		default:
			payload.Error = err.Error()
		}
	}

	return protocol.NewResponse(msg.ID, protocol.TypeIterationOutputResponse, payload)
}

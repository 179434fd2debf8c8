// Package protocol defines the wire format of the remote control plane:
// a JSON message envelope exchanged over a single full-duplex WebSocket
// connection, one JSON value per text frame. Request/response pairs
// correlate by id; the response echoes the request's id.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type enumerates every message on the wire.
type Type string

const (
	TypeAuth                 Type = "auth"
	TypeAuthResponse         Type = "auth_response"
	TypeTokenRefresh         Type = "token_refresh"
	TypeTokenRefreshResponse Type = "token_refresh_response"
	TypePing                 Type = "ping"
	TypePong                 Type = "pong"
	TypeError                Type = "error"
	TypeServerStatus         Type = "server_status"

	TypeSubscribe   Type = "subscribe"
	TypeUnsubscribe Type = "unsubscribe"
	TypeEngineEvent Type = "engine_event"

	TypeGetState      Type = "get_state"
	TypeStateResponse Type = "state_response"
	TypeGetTasks      Type = "get_tasks"
	TypeTasksResponse Type = "tasks_response"

	TypePause            Type = "pause"
	TypeResume           Type = "resume"
	TypeInterrupt        Type = "interrupt"
	TypeRefreshTasks     Type = "refresh_tasks"
	TypeAddIterations    Type = "add_iterations"
	TypeRemoveIterations Type = "remove_iterations"
	TypeContinue         Type = "continue"
	TypeOperationResult  Type = "operation_result"

	TypeGetPromptPreview        Type = "get_prompt_preview"
	TypePromptPreviewResponse   Type = "prompt_preview_response"
	TypeGetIterationOutput      Type = "get_iteration_output"
	TypeIterationOutputResponse Type = "iteration_output_response"

	TypeCheckConfig         Type = "check_config"
	TypeCheckConfigResponse Type = "check_config_response"
	TypePushConfig          Type = "push_config"
	TypePushConfigResponse  Type = "push_config_response"
)

// Error codes carried by error payloads and close reasons.
const (
	ErrCodeUnknownMessage   = "UNKNOWN_MESSAGE"
	ErrCodeNotAuthenticated = "NOT_AUTHENTICATED"
	ErrCodeAuthTimeout      = "AUTH_TIMEOUT"
	ErrCodeAuthFailed       = "AUTH_FAILED"
	ErrCodeHeartbeatTimeout = "HEARTBEAT_TIMEOUT"
	ErrCodeBadRequest       = "BAD_REQUEST"
	ErrCodeInternalError    = "INTERNAL_ERROR"
)

// Message is the envelope every frame carries.
type Message struct {
	Type      Type            `json:"type"`
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New creates a message with a fresh id.
func New(t Type, payload any) (*Message, error) {
	return build(t, uuid.New().String(), payload)
}

// NewResponse creates a message that echoes the request's id.
func NewResponse(requestID string, t Type, payload any) (*Message, error) {
	return build(t, requestID, payload)
}

// NewError creates an error message; id may echo an offending request.
func NewError(requestID, code, message string) (*Message, error) {
	id := requestID
	if id == "" {
		id = uuid.New().String()
	}
	return build(TypeError, id, ErrorPayload{Code: code, Message: message})
}

func build(t Type, id string, payload any) (*Message, error) {
	m := &Message{
		Type:      t,
		ID:        id,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		m.Payload = data
	}
	return m, nil
}

// ParsePayload decodes the payload into v; a nil payload is a no-op.
func (m *Message) ParsePayload(v any) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

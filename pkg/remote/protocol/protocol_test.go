package protocol

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	expires := time.Now().UTC().Truncate(time.Second)
	cases := []struct {
		name    string
		typ     Type
		payload any
		decoded any
	}{
		{"auth", TypeAuth, AuthPayload{Token: "tok", TokenType: TokenTypeServer}, &AuthPayload{}},
		{"auth_response", TypeAuthResponse, AuthResponsePayload{Success: true, ConnectionToken: "ct", ExpiresAt: &expires}, &AuthResponsePayload{}},
		{"token_refresh_response", TypeTokenRefreshResponse, TokenRefreshResponsePayload{Success: true, ConnectionToken: "ct2", ExpiresAt: &expires}, &TokenRefreshResponsePayload{}},
		{"error", TypeError, ErrorPayload{Code: ErrCodeUnknownMessage, Message: "nope"}, &ErrorPayload{}},
		{"server_status", TypeServerStatus, ServerStatusPayload{UptimeSeconds: 5, EngineStatus: "running", ConnectedClients: 2}, &ServerStatusPayload{}},
		{"engine_event", TypeEngineEvent, EngineEventPayload{Kind: "iteration:started", Timestamp: expires, Data: map[string]any{"iteration": float64(1)}}, &EngineEventPayload{}},
		{"tasks_response", TypeTasksResponse, TasksResponsePayload{Tasks: []Task{{ID: "a", Title: "A", Status: "pending", Priority: 2}}}, &TasksResponsePayload{}},
		{"add_iterations", TypeAddIterations, AddIterationsPayload{Count: 3}, &AddIterationsPayload{}},
		{"operation_result", TypeOperationResult, OperationResultPayload{Operation: "pause", Success: false, Error: "invalid_state"}, &OperationResultPayload{}},
		{"iteration_output_response", TypeIterationOutputResponse, IterationOutputResponsePayload{Iteration: 2, Output: "x", Found: true}, &IterationOutputResponsePayload{}},
		{"push_config", TypePushConfig, PushConfigPayload{Scope: ScopeGlobal, ConfigContent: "a = 1", Overwrite: true}, &PushConfigPayload{}},
		{"push_config_response", TypePushConfigResponse, PushConfigResponsePayload{Success: true, ConfigPath: "/x/config.toml", RequiresRestart: true}, &PushConfigResponsePayload{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := New(tc.typ, tc.payload)
			require.NoError(t, err)
			require.NotEmpty(t, msg.ID)
			require.False(t, msg.Timestamp.IsZero())

			data, err := json.Marshal(msg)
			require.NoError(t, err)

			var back Message
			require.NoError(t, json.Unmarshal(data, &back))
			require.Equal(t, tc.typ, back.Type)
			require.Equal(t, msg.ID, back.ID)

			require.NoError(t, back.ParsePayload(tc.decoded))
			// Compare through JSON so pointer fields and maps line up.
			wantJSON, _ := json.Marshal(tc.payload)
			gotJSON, _ := json.Marshal(tc.decoded)
			require.JSONEq(t, string(wantJSON), string(gotJSON))
		})
	}
}

func TestEnvelopeRoundTripAllTypes(t *testing.T) {
	all := []Type{
		TypeAuth, TypeAuthResponse, TypeTokenRefresh, TypeTokenRefreshResponse,
		TypePing, TypePong, TypeError, TypeServerStatus,
		TypeSubscribe, TypeUnsubscribe, TypeEngineEvent,
		TypeGetState, TypeStateResponse, TypeGetTasks, TypeTasksResponse,
		TypePause, TypeResume, TypeInterrupt, TypeRefreshTasks,
		TypeAddIterations, TypeRemoveIterations, TypeContinue, TypeOperationResult,
		TypeGetPromptPreview, TypePromptPreviewResponse,
		TypeGetIterationOutput, TypeIterationOutputResponse,
		TypeCheckConfig, TypeCheckConfigResponse,
		TypePushConfig, TypePushConfigResponse,
	}
	for _, typ := range all {
		msg, err := New(typ, nil)
		require.NoError(t, err)

		data, err := json.Marshal(msg)
		require.NoError(t, err)
		var back Message
		require.NoError(t, json.Unmarshal(data, &back))

		require.Equal(t, msg.Type, back.Type)
		require.Equal(t, msg.ID, back.ID)
		require.True(t, msg.Timestamp.Equal(back.Timestamp))
	}
}

func TestResponseEchoesID(t *testing.T) {
	req, err := New(TypeGetState, nil)
	require.NoError(t, err)

	resp, err := NewResponse(req.ID, TypeStateResponse, StateResponsePayload{State: json.RawMessage(`{}`)})
	require.NoError(t, err)
	require.Equal(t, req.ID, resp.ID)
}

func TestDispatcherUnknownType(t *testing.T) {
	d := NewDispatcher()
	msg, err := New(Type("bogus"), nil)
	require.NoError(t, err)

	resp, err := d.Dispatch(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, TypeError, resp.Type)
	require.Equal(t, msg.ID, resp.ID)

	var p ErrorPayload
	require.NoError(t, resp.ParsePayload(&p))
	require.Equal(t, ErrCodeUnknownMessage, p.Code)
}

func TestDispatcherRoutes(t *testing.T) {
	d := NewDispatcher()
	d.RegisterFunc(TypePing, func(ctx context.Context, msg *Message) (*Message, error) {
		return NewResponse(msg.ID, TypePong, nil)
	})

	require.True(t, d.HasHandler(TypePing))
	require.False(t, d.HasHandler(TypePong))

	msg, _ := New(TypePing, nil)
	resp, err := d.Dispatch(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, TypePong, resp.Type)
	require.Equal(t, msg.ID, resp.ID)
}

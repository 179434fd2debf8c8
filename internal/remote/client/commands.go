package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/m1nuzz/ralph-tui/pkg/remote/protocol"
)

// Subscribe opts into the engine event stream.
func (c *Client) Subscribe() error {
	msg, err := protocol.New(protocol.TypeSubscribe, nil)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// Unsubscribe opts out of the engine event stream.
func (c *Client) Unsubscribe() error {
	msg, err := protocol.New(protocol.TypeUnsubscribe, nil)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// GetState fetches the full engine snapshot as raw JSON.
func (c *Client) GetState(ctx context.Context) (json.RawMessage, error) {
	msg, err := protocol.New(protocol.TypeGetState, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Request(ctx, msg)
	if err != nil {
		return nil, err
	}
	var p protocol.StateResponsePayload
	if err := resp.ParsePayload(&p); err != nil {
		return nil, err
	}
	return p.State, nil
}

// GetTasks fetches the task list snapshot.
func (c *Client) GetTasks(ctx context.Context) ([]protocol.Task, error) {
	msg, err := protocol.New(protocol.TypeGetTasks, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Request(ctx, msg)
	if err != nil {
		return nil, err
	}
	var p protocol.TasksResponsePayload
	if err := resp.ParsePayload(&p); err != nil {
		return nil, err
	}
	return p.Tasks, nil
}

// control sends an engine-control command and decodes the result.
func (c *Client) control(ctx context.Context, t protocol.Type, payload any) (*protocol.OperationResultPayload, error) {
	msg, err := protocol.New(t, payload)
	if err != nil {
		return nil, err
	}
	resp, err := c.Request(ctx, msg)
	if err != nil {
		return nil, err
	}
	if resp.Type != protocol.TypeOperationResult {
		return nil, fmt.Errorf("unexpected response type %s", resp.Type)
	}
	var p protocol.OperationResultPayload
	if err := resp.ParsePayload(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Pause requests an engine pause.
func (c *Client) Pause(ctx context.Context) (*protocol.OperationResultPayload, error) {
	return c.control(ctx, protocol.TypePause, nil)
}

// Resume requests an engine resume.
func (c *Client) Resume(ctx context.Context) (*protocol.OperationResultPayload, error) {
	return c.control(ctx, protocol.TypeResume, nil)
}

// Interrupt interrupts the in-flight agent.
func (c *Client) Interrupt(ctx context.Context) (*protocol.OperationResultPayload, error) {
	return c.control(ctx, protocol.TypeInterrupt, nil)
}

// RefreshTasks re-reads the tracker on the engine host.
func (c *Client) RefreshTasks(ctx context.Context) (*protocol.OperationResultPayload, error) {
	return c.control(ctx, protocol.TypeRefreshTasks, nil)
}

// AddIterations raises the iteration budget.
func (c *Client) AddIterations(ctx context.Context, n uint) (*protocol.OperationResultPayload, error) {
	return c.control(ctx, protocol.TypeAddIterations, protocol.AddIterationsPayload{Count: n})
}

// RemoveIterations lowers the iteration budget.
func (c *Client) RemoveIterations(ctx context.Context, n uint) (*protocol.OperationResultPayload, error) {
	return c.control(ctx, protocol.TypeRemoveIterations, protocol.RemoveIterationsPayload{Count: n})
}

// Continue resumes a terminated loop.
func (c *Client) Continue(ctx context.Context) (*protocol.OperationResultPayload, error) {
	return c.control(ctx, protocol.TypeContinue, nil)
}

// GetPromptPreview fetches the next iteration's prompt.
func (c *Client) GetPromptPreview(ctx context.Context) (*protocol.PromptPreviewResponsePayload, error) {
	msg, err := protocol.New(protocol.TypeGetPromptPreview, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Request(ctx, msg)
	if err != nil {
		return nil, err
	}
	var p protocol.PromptPreviewResponsePayload
	if err := resp.ParsePayload(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetIterationOutput fetches historic iteration output.
func (c *Client) GetIterationOutput(ctx context.Context, iteration uint) (*protocol.IterationOutputResponsePayload, error) {
	msg, err := protocol.New(protocol.TypeGetIterationOutput, protocol.GetIterationOutputPayload{Iteration: iteration})
	if err != nil {
		return nil, err
	}
	resp, err := c.Request(ctx, msg)
	if err != nil {
		return nil, err
	}
	var p protocol.IterationOutputResponsePayload
	if err := resp.ParsePayload(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// CheckConfig reports remote config file state.
func (c *Client) CheckConfig(ctx context.Context) (*protocol.CheckConfigResponsePayload, error) {
	msg, err := protocol.New(protocol.TypeCheckConfig, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Request(ctx, msg)
	if err != nil {
		return nil, err
	}
	var p protocol.CheckConfigResponsePayload
	if err := resp.ParsePayload(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// PushConfig writes a config file on the engine host.
func (c *Client) PushConfig(ctx context.Context, scope, content string, overwrite bool) (*protocol.PushConfigResponsePayload, error) {
	msg, err := protocol.New(protocol.TypePushConfig, protocol.PushConfigPayload{
		Scope:         scope,
		ConfigContent: content,
		Overwrite:     overwrite,
	})
	if err != nil {
		return nil, err
	}
	resp, err := c.Request(ctx, msg)
	if err != nil {
		return nil, err
	}
	var p protocol.PushConfigResponsePayload
	if err := resp.ParsePayload(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

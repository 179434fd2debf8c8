package agent

import "context"

// Starter launches one subprocess execution. proc.Runner satisfies it
// through StarterFunc (proc imports this package for the event types,
// so the dependency cannot point the other way).
type Starter interface {
	Start(ctx context.Context, req ExecuteRequest) (Execution, error)
}

// StarterFunc adapts a function to the Starter interface.
type StarterFunc func(ctx context.Context, req ExecuteRequest) (Execution, error)

// Start implements Starter.
func (f StarterFunc) Start(ctx context.Context, req ExecuteRequest) (Execution, error) {
	return f(ctx, req)
}

// CLIAgent adapts a plain argv-driven coding agent: the prompt goes to
// stdin, output streams back line by line. Adapters with richer
// protocols implement Agent directly instead.
type CLIAgent struct {
	id      string
	starter Starter
}

// NewCLIAgent creates an agent over a subprocess starter.
func NewCLIAgent(id string, starter Starter) *CLIAgent {
	return &CLIAgent{id: id, starter: starter}
}

// ID identifies the adapter plugin.
func (a *CLIAgent) ID() string {
	return a.id
}

// Execute starts one invocation.
func (a *CLIAgent) Execute(ctx context.Context, req ExecuteRequest) (Execution, error) {
	return a.starter.Start(ctx, req)
}

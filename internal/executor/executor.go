// Package executor runs one unit of agent work (a queue command or a group
// session) and reports its outcome and cost.
package executor

import (
	"context"
)

// Request describes one unit of work.
type Request struct {
	// ProjectPath is the working directory for the agent.
	ProjectPath string
	// Prompt is the instruction text.
	Prompt string
	// Template names a configured prompt template that wraps Prompt.
	Template string
	// Model overrides the agent's default model when set.
	Model string
	// ResumeSessionID continues an existing agent session when set.
	ResumeSessionID string
}

// Result is what the agent reported. Cost is meaningful even when Execute
// returns an error.
type Result struct {
	SessionID string
	CostUSD   float64
	Output    string
}

// Executor performs a Request. A non-nil error means the unit failed.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, req Request) (Result, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

package model

import (
	"time"
)

// QueueStatus is the lifecycle state of a CommandQueue.
type QueueStatus string

const (
	// QueuePending indicates the queue has been created but never run.
	QueuePending QueueStatus = "pending"

	// QueueRunning indicates a runner is executing the queue's commands.
	QueueRunning QueueStatus = "running"

	// QueuePaused indicates execution halted at a command boundary and
	// can be resumed.
	QueuePaused QueueStatus = "paused"

	// QueueCompleted indicates every command completed successfully.
	QueueCompleted QueueStatus = "completed"

	// QueueFailed indicates a command failed; the rest were skipped.
	QueueFailed QueueStatus = "failed"

	// QueueStopped indicates the queue was stopped and cannot be resumed.
	QueueStopped QueueStatus = "stopped"
)

// String returns the string representation of the queue status.
func (s QueueStatus) String() string {
	return string(s)
}

// IsTerminal returns true if this status represents a final state.
func (s QueueStatus) IsTerminal() bool {
	return s == QueueCompleted || s == QueueFailed || s == QueueStopped
}

// Runnable reports whether run may advance a queue in this status.
func (s QueueStatus) Runnable() bool {
	return s == QueuePending || s == QueuePaused
}

// ValidQueueStatus reports whether s names a known queue status.
func ValidQueueStatus(s string) bool {
	switch QueueStatus(s) {
	case QueuePending, QueueRunning, QueuePaused, QueueCompleted, QueueFailed, QueueStopped:
		return true
	}
	return false
}

// CommandStatus is the execution state of a QueueCommand.
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandRunning   CommandStatus = "running"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
	CommandSkipped   CommandStatus = "skipped"
)

// String returns the string representation of the command status.
func (s CommandStatus) String() string {
	return string(s)
}

// IsTerminal returns true if this status represents a final state.
func (s CommandStatus) IsTerminal() bool {
	return s == CommandCompleted || s == CommandFailed || s == CommandSkipped
}

// SessionMode selects whether a command continues the queue's current agent
// session or starts a fresh one.
type SessionMode string

const (
	SessionContinue SessionMode = "continue"
	SessionNew      SessionMode = "new"
)

// ParseSessionMode validates a session mode string. Empty means continue.
func ParseSessionMode(s string) (SessionMode, bool) {
	switch SessionMode(s) {
	case "", SessionContinue:
		return SessionContinue, true
	case SessionNew:
		return SessionNew, true
	}
	return "", false
}

// QueueCommand is one prompt in a CommandQueue.
type QueueCommand struct {
	ID          string        `json:"id"`
	Prompt      string        `json:"prompt"`
	SessionMode SessionMode   `json:"sessionMode"`
	Status      CommandStatus `json:"status"`
	SessionID   string        `json:"sessionId,omitempty"`
	CostUSD     *float64      `json:"costUsd,omitempty"`
	StartedAt   *time.Time    `json:"startedAt,omitempty"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// GetID implements Item.
func (c *QueueCommand) GetID() string {
	return c.ID
}

// Cost returns the recorded cost, or zero.
func (c *QueueCommand) Cost() float64 {
	if c.CostUSD == nil {
		return 0
	}
	return *c.CostUSD
}

// NewQueueCommand returns a pending command with a fresh id.
func NewQueueCommand(prompt string, mode SessionMode) QueueCommand {
	if mode == "" {
		mode = SessionContinue
	}
	return QueueCommand{
		ID:          NewID(),
		Prompt:      prompt,
		SessionMode: mode,
		Status:      CommandPending,
	}
}

// CommandQueue is an ordered, sequentially executed list of prompts against
// one project.
type CommandQueue struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	ProjectPath      string         `json:"projectPath"`
	Status           QueueStatus    `json:"status"`
	Commands         []QueueCommand `json:"commands"`
	CurrentIndex     int            `json:"currentIndex"`
	CurrentSessionID string         `json:"currentSessionId,omitempty"`
	TotalCostUSD     float64        `json:"totalCostUsd"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
	StartedAt        *time.Time     `json:"startedAt,omitempty"`
	CompletedAt      *time.Time     `json:"completedAt,omitempty"`
}

// GetID implements Entity.
func (q *CommandQueue) GetID() string {
	return q.ID
}

// Touch implements Entity.
func (q *CommandQueue) Touch(now time.Time) {
	q.UpdatedAt = now
}

// Clone returns a deep copy of q.
func (q *CommandQueue) Clone() *CommandQueue {
	c := *q
	c.Commands = make([]QueueCommand, len(q.Commands))
	copy(c.Commands, q.Commands)
	return &c
}

// RecomputeTotalCost sets TotalCostUSD to the sum of all command costs.
func (q *CommandQueue) RecomputeTotalCost() {
	var total float64
	for i := range q.Commands {
		total += q.Commands[i].Cost()
	}
	q.TotalCostUSD = total
}

// CommandIndex returns the position of the command with the given id, or -1.
func (q *CommandQueue) CommandIndex(id string) int {
	for i := range q.Commands {
		if q.Commands[i].ID == id {
			return i
		}
	}
	return -1
}

// SkipRemaining marks every pending command skipped.
func (q *CommandQueue) SkipRemaining(now time.Time) int {
	n := 0
	for i := range q.Commands {
		if q.Commands[i].Status == CommandPending {
			q.Commands[i].Status = CommandSkipped
			q.Commands[i].CompletedAt = &now
			n++
		}
	}
	return n
}

// QueueStats counts commands per status.
type QueueStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Stats returns command counts for q.
func (q *CommandQueue) Stats() QueueStats {
	s := QueueStats{Total: len(q.Commands)}
	for i := range q.Commands {
		switch q.Commands[i].Status {
		case CommandPending:
			s.Pending++
		case CommandRunning:
			s.Running++
		case CommandCompleted:
			s.Completed++
		case CommandFailed:
			s.Failed++
		case CommandSkipped:
			s.Skipped++
		}
	}
	return s
}

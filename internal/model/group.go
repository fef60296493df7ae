package model

import (
	"time"
)

// GroupStatus is the lifecycle state of a SessionGroup.
type GroupStatus string

const (
	GroupCreated   GroupStatus = "created"
	GroupRunning   GroupStatus = "running"
	GroupPaused    GroupStatus = "paused"
	GroupCompleted GroupStatus = "completed"
	GroupFailed    GroupStatus = "failed"
	GroupArchived  GroupStatus = "archived"
)

// String returns the string representation of the group status.
func (s GroupStatus) String() string {
	return string(s)
}

// IsTerminal returns true if this status represents a final state.
func (s GroupStatus) IsTerminal() bool {
	return s == GroupCompleted || s == GroupFailed || s == GroupArchived
}

// Runnable reports whether run may advance a group in this status.
func (s GroupStatus) Runnable() bool {
	return s == GroupCreated || s == GroupPaused
}

// ValidGroupStatus reports whether s names a known group status.
func ValidGroupStatus(s string) bool {
	switch GroupStatus(s) {
	case GroupCreated, GroupRunning, GroupPaused, GroupCompleted, GroupFailed, GroupArchived:
		return true
	}
	return false
}

// SessionStatus is the execution state of a GroupSession.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionSkipped   SessionStatus = "skipped"
)

// String returns the string representation of the session status.
func (s SessionStatus) String() string {
	return string(s)
}

// IsTerminal returns true if this status represents a final state.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionSkipped
}

// BudgetPolicy is the action taken when a group's spend reaches its budget.
type BudgetPolicy string

const (
	// BudgetPause halts scheduling; in-flight sessions finish.
	BudgetPause BudgetPolicy = "pause"
	// BudgetStop skips everything not yet started and fails the group.
	BudgetStop BudgetPolicy = "stop"
	// BudgetWarn only reports.
	BudgetWarn BudgetPolicy = "warn"
)

// ValidBudgetPolicy reports whether s names a known policy.
func ValidBudgetPolicy(s string) bool {
	switch BudgetPolicy(s) {
	case BudgetPause, BudgetStop, BudgetWarn:
		return true
	}
	return false
}

// PauseReasonBudget is recorded when budget enforcement pauses a group.
const PauseReasonBudget = "budget exceeded"

// GroupConfig holds per-group execution limits.
type GroupConfig struct {
	Model                 string       `json:"model,omitempty" yaml:"model,omitempty"`
	MaxBudgetUSD          float64      `json:"maxBudgetUsd" yaml:"maxBudgetUsd"`
	MaxConcurrentSessions int          `json:"maxConcurrentSessions" yaml:"maxConcurrentSessions"`
	OnBudgetExceeded      BudgetPolicy `json:"onBudgetExceeded" yaml:"onBudgetExceeded"`
	WarningThreshold      float64      `json:"warningThreshold" yaml:"warningThreshold"`
}

// DefaultGroupConfig returns the limits used when none are configured.
func DefaultGroupConfig() GroupConfig {
	return GroupConfig{
		MaxBudgetUSD:          0,
		MaxConcurrentSessions: 3,
		OnBudgetExceeded:      BudgetPause,
		WarningThreshold:      0.8,
	}
}

// GroupSession is one unit of work inside a SessionGroup.
type GroupSession struct {
	ID              string        `json:"id"`
	ProjectPath     string        `json:"projectPath"`
	Prompt          string        `json:"prompt"`
	Template        string        `json:"template,omitempty"`
	DependsOn       []string      `json:"dependsOn"`
	Status          SessionStatus `json:"status"`
	ClaudeSessionID string        `json:"claudeSessionId,omitempty"`
	CostUSD         *float64      `json:"costUsd,omitempty"`
	StartedAt       *time.Time    `json:"startedAt,omitempty"`
	CompletedAt     *time.Time    `json:"completedAt,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// GetID implements Item.
func (s *GroupSession) GetID() string {
	return s.ID
}

// Cost returns the recorded cost, or zero.
func (s *GroupSession) Cost() float64 {
	if s.CostUSD == nil {
		return 0
	}
	return *s.CostUSD
}

// SessionGroup is a DAG of sessions executed with bounded concurrency under a
// budget.
type SessionGroup struct {
	ID           string         `json:"id"`
	Slug         string         `json:"slug"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Status       GroupStatus    `json:"status"`
	PauseReason  string         `json:"pauseReason,omitempty"`
	Sessions     []GroupSession `json:"sessions"`
	Config       GroupConfig    `json:"config"`
	TotalCostUSD float64        `json:"totalCostUsd"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	StartedAt    *time.Time     `json:"startedAt,omitempty"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
}

// GetID implements Entity.
func (g *SessionGroup) GetID() string {
	return g.ID
}

// Touch implements Entity.
func (g *SessionGroup) Touch(now time.Time) {
	g.UpdatedAt = now
}

// Clone returns a deep copy of g.
func (g *SessionGroup) Clone() *SessionGroup {
	c := *g
	c.Sessions = make([]GroupSession, len(g.Sessions))
	for i, s := range g.Sessions {
		s.DependsOn = append([]string(nil), s.DependsOn...)
		c.Sessions[i] = s
	}
	return &c
}

// Session returns the session with the given id, or nil.
func (g *SessionGroup) Session(id string) *GroupSession {
	for i := range g.Sessions {
		if g.Sessions[i].ID == id {
			return &g.Sessions[i]
		}
	}
	return nil
}

// RecomputeTotalCost sets TotalCostUSD to the sum of all session costs.
func (g *SessionGroup) RecomputeTotalCost() {
	var total float64
	for i := range g.Sessions {
		total += g.Sessions[i].Cost()
	}
	g.TotalCostUSD = total
}

// Dependents returns the ids of sessions that list id in DependsOn.
func (g *SessionGroup) Dependents(id string) []string {
	var out []string
	for i := range g.Sessions {
		for _, dep := range g.Sessions[i].DependsOn {
			if dep == id {
				out = append(out, g.Sessions[i].ID)
				break
			}
		}
	}
	return out
}

// GroupProgress counts sessions per status.
type GroupProgress struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Done returns the number of sessions in a terminal state.
func (p GroupProgress) Done() int {
	return p.Completed + p.Failed + p.Skipped
}

// Progress returns session counts for g.
func (g *SessionGroup) Progress() GroupProgress {
	p := GroupProgress{Total: len(g.Sessions)}
	for i := range g.Sessions {
		switch g.Sessions[i].Status {
		case SessionPending:
			p.Pending++
		case SessionActive:
			p.Active++
		case SessionCompleted:
			p.Completed++
		case SessionFailed:
			p.Failed++
		case SessionSkipped:
			p.Skipped++
		}
	}
	return p
}

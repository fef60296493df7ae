// Package queue manages command queues: ordered prompts executed one at a
// time against a single project, with pause, resume and stop taking effect at
// command boundaries.
package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/Iron-Ham/ccorch/internal/errors"
	"github.com/Iron-Ham/ccorch/internal/logging"
	"github.com/Iron-Ham/ccorch/internal/model"
	"github.com/Iron-Ham/ccorch/internal/repository"
)

// Manager creates, inspects and edits queues. Every mutation goes through
// the repository's lock-guarded update path.
type Manager struct {
	repo   *repository.QueueRepository
	logger *logging.Logger
	now    func() time.Time
}

// NewManager creates a Manager over repo.
func NewManager(repo *repository.QueueRepository, logger *logging.Logger) *Manager {
	return &Manager{
		repo:   repo,
		logger: logging.OrNop(logger).WithComponent("queue"),
		now:    time.Now,
	}
}

// Repository returns the underlying repository.
func (m *Manager) Repository() *repository.QueueRepository {
	return m.repo
}

// CreateInput describes a new queue.
type CreateInput struct {
	Name        string
	ProjectPath string
	Prompts     []string
	// SessionMode applies to every initial prompt. Empty means continue.
	SessionMode model.SessionMode
}

// Create validates in and persists a pending queue.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*model.CommandQueue, error) {
	if strings.TrimSpace(in.ProjectPath) == "" {
		return nil, errors.NewValidationError("project path is required").WithField("projectPath")
	}
	project, err := filepath.Abs(in.ProjectPath)
	if err != nil {
		return nil, errors.NewValidationError("invalid project path").WithField("projectPath").WithCause(err)
	}
	mode, ok := model.ParseSessionMode(string(in.SessionMode))
	if !ok {
		return nil, errors.NewValidationError("unknown session mode").WithField("sessionMode").WithValue(in.SessionMode)
	}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = filepath.Base(project)
	}

	now := m.now()
	q := &model.CommandQueue{
		ID:          model.NewID(),
		Name:        name,
		ProjectPath: project,
		Status:      model.QueuePending,
		Commands:    make([]model.QueueCommand, 0, len(in.Prompts)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for i, p := range in.Prompts {
		if strings.TrimSpace(p) == "" {
			return nil, errors.NewValidationError("prompt must not be empty").WithField(fmt.Sprintf("prompts[%d]", i))
		}
		q.Commands = append(q.Commands, model.NewQueueCommand(p, mode))
	}

	if err := m.repo.Create(ctx, q); err != nil {
		return nil, err
	}
	m.logger.WithQueue(q.ID).Info("queue created", "name", q.Name, "commands", len(q.Commands))
	return q, nil
}

// Get returns the queue with the given id.
func (m *Manager) Get(ctx context.Context, id string) (*model.CommandQueue, error) {
	return m.repo.FindByID(ctx, id)
}

// List returns queues matching f.
func (m *Manager) List(ctx context.Context, f repository.QueueFilter) ([]*model.CommandQueue, error) {
	return m.repo.ListFiltered(ctx, f)
}

// Delete removes a queue. A running queue cannot be deleted.
func (m *Manager) Delete(ctx context.Context, id string) error {
	err := m.repo.DeleteIf(ctx, id, func(q *model.CommandQueue) error {
		if q.Status == model.QueueRunning {
			return errors.NewQueueError("cannot delete a running queue; pause or stop it first", errors.ErrInvalidTransition).
				WithQueueID(id).WithStatus(string(q.Status))
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.WithQueue(id).Info("queue deleted")
	return nil
}

// AddCommand appends a pending command. Terminal queues are refused.
func (m *Manager) AddCommand(ctx context.Context, id, prompt string, mode model.SessionMode) (*model.CommandQueue, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, errors.NewValidationError("prompt must not be empty").WithField("prompt")
	}
	parsed, ok := model.ParseSessionMode(string(mode))
	if !ok {
		return nil, errors.NewValidationError("unknown session mode").WithField("sessionMode").WithValue(mode)
	}

	q, err := m.repo.Update(ctx, id, func(q *model.CommandQueue) error {
		if q.Status.IsTerminal() {
			return errors.NewQueueError("cannot add commands to a finished queue", errors.ErrInvalidTransition).
				WithQueueID(id).WithStatus(string(q.Status))
		}
		q.Commands = append(q.Commands, model.NewQueueCommand(prompt, parsed))
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.WithQueue(id).Debug("command added", "index", len(q.Commands)-1)
	return q, nil
}

// checkEditable reports whether the command at index may be removed or
// moved: it must exist, sit at or after currentIndex, and not have started.
func checkEditable(q *model.CommandQueue, index int, field string) error {
	if index < 0 || index >= len(q.Commands) {
		return errors.NewValidationError(fmt.Sprintf("index out of range [0, %d)", len(q.Commands))).
			WithField(field).WithValue(index).WithCause(errors.ErrInvalidIndex)
	}
	if index < q.CurrentIndex || q.Commands[index].Status != model.CommandPending {
		return errors.NewValidationError("command has already started").
			WithField(field).WithValue(index).WithCause(errors.ErrInvalidIndex)
	}
	return nil
}

// RemoveCommand deletes the not-yet-started command at index.
func (m *Manager) RemoveCommand(ctx context.Context, id string, index int) (*model.CommandQueue, error) {
	q, err := m.repo.Update(ctx, id, func(q *model.CommandQueue) error {
		if q.Status.IsTerminal() {
			return errors.NewQueueError("cannot edit a finished queue", errors.ErrInvalidTransition).
				WithQueueID(id).WithStatus(string(q.Status))
		}
		if err := checkEditable(q, index, "index"); err != nil {
			return err
		}
		q.Commands = append(q.Commands[:index], q.Commands[index+1:]...)
		q.RecomputeTotalCost()
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.WithQueue(id).Debug("command removed", "index", index)
	return q, nil
}

// MoveCommand moves the not-yet-started command at from to position to.
// Both positions must hold pending commands at or after currentIndex.
func (m *Manager) MoveCommand(ctx context.Context, id string, from, to int) (*model.CommandQueue, error) {
	q, err := m.repo.Update(ctx, id, func(q *model.CommandQueue) error {
		if q.Status.IsTerminal() {
			return errors.NewQueueError("cannot edit a finished queue", errors.ErrInvalidTransition).
				WithQueueID(id).WithStatus(string(q.Status))
		}
		if err := checkEditable(q, from, "from"); err != nil {
			return err
		}
		if err := checkEditable(q, to, "to"); err != nil {
			return err
		}
		if from == to {
			return nil
		}
		cmd := q.Commands[from]
		q.Commands = append(q.Commands[:from], q.Commands[from+1:]...)
		q.Commands = append(q.Commands[:to], append([]model.QueueCommand{cmd}, q.Commands[to:]...)...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.WithQueue(id).Debug("command moved", "from", from, "to", to)
	return q, nil
}

// Pause requests that a running queue halt at the next command boundary.
func (m *Manager) Pause(ctx context.Context, id string) (*model.CommandQueue, error) {
	q, err := m.repo.Update(ctx, id, func(q *model.CommandQueue) error {
		if q.Status != model.QueueRunning {
			return errors.NewQueueError("only a running queue can be paused", errors.ErrInvalidTransition).
				WithQueueID(id).WithStatus(string(q.Status))
		}
		q.Status = model.QueuePaused
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.WithQueue(id).Info("queue paused", "current_index", q.CurrentIndex)
	return q, nil
}

// Stop ends a running or paused queue permanently. Commands that have not
// started are marked skipped; an in-flight command is left to finish.
func (m *Manager) Stop(ctx context.Context, id string) (*model.CommandQueue, error) {
	q, err := m.repo.Update(ctx, id, func(q *model.CommandQueue) error {
		if q.Status != model.QueueRunning && q.Status != model.QueuePaused {
			return errors.NewQueueError("only a running or paused queue can be stopped", errors.ErrInvalidTransition).
				WithQueueID(id).WithStatus(string(q.Status))
		}
		now := m.now()
		q.Status = model.QueueStopped
		q.CompletedAt = &now
		q.SkipRemaining(now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.WithQueue(id).Info("queue stopped", "current_index", q.CurrentIndex)
	return q, nil
}

// Stats returns command counts for q.
func (m *Manager) Stats(q *model.CommandQueue) model.QueueStats {
	return q.Stats()
}

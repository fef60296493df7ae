package queue

import (
	"context"
	"sync"
	"time"

	"github.com/Iron-Ham/ccorch/internal/errors"
	"github.com/Iron-Ham/ccorch/internal/executor"
	"github.com/Iron-Ham/ccorch/internal/logging"
	"github.com/Iron-Ham/ccorch/internal/model"
	"github.com/Iron-Ham/ccorch/internal/repository"
)

// errBoundary ends a run at a command boundary after someone else paused or
// stopped the queue.
var errBoundary = errors.New("queue left running state")

// Callbacks observe progress. They run synchronously on the runner's
// goroutine and must not be relied upon for correctness. Any may be nil.
type Callbacks struct {
	OnCommandStart    func(q *model.CommandQueue, index int)
	OnCommandComplete func(q *model.CommandQueue, index int)
	OnCommandFail     func(q *model.CommandQueue, index int, err error)
}

func (c Callbacks) start(q *model.CommandQueue, i int) {
	if c.OnCommandStart != nil {
		c.OnCommandStart(q, i)
	}
}

func (c Callbacks) complete(q *model.CommandQueue, i int) {
	if c.OnCommandComplete != nil {
		c.OnCommandComplete(q, i)
	}
}

func (c Callbacks) fail(q *model.CommandQueue, i int, err error) {
	if c.OnCommandFail != nil {
		c.OnCommandFail(q, i, err)
	}
}

// Runner executes queues sequentially. A run holds the queue's run claim for
// its whole life, so at most one run per queue id is active across processes.
type Runner struct {
	repo   *repository.QueueRepository
	exec   executor.Executor
	logger *logging.Logger
	now    func() time.Time

	mu     sync.Mutex
	active map[string]struct{}
}

// NewRunner creates a Runner that performs commands with exec.
func NewRunner(repo *repository.QueueRepository, exec executor.Executor, logger *logging.Logger) *Runner {
	return &Runner{
		repo:   repo,
		exec:   exec,
		logger: logging.OrNop(logger).WithComponent("queue-runner"),
		now:    time.Now,
		active: make(map[string]struct{}),
	}
}

func (r *Runner) claim(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[id]; ok {
		return false
	}
	r.active[id] = struct{}{}
	return true
}

func (r *Runner) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, id)
}

// IsActive reports whether this runner is currently executing id.
func (r *Runner) IsActive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[id]
	return ok
}

// Run executes a pending or paused queue from its current index until it
// completes, fails, or is paused or stopped at a command boundary. The
// returned queue is the last persisted state. A failed command is an outcome,
// not an error; errors report that the run itself could not proceed.
func (r *Runner) Run(ctx context.Context, id string, cb Callbacks) (*model.CommandQueue, error) {
	return r.run(ctx, id, cb, func(s model.QueueStatus) bool { return s.Runnable() })
}

// Resume continues a paused queue.
func (r *Runner) Resume(ctx context.Context, id string, cb Callbacks) (*model.CommandQueue, error) {
	return r.run(ctx, id, cb, func(s model.QueueStatus) bool { return s == model.QueuePaused })
}

func (r *Runner) run(ctx context.Context, id string, cb Callbacks, allowed func(model.QueueStatus) bool) (*model.CommandQueue, error) {
	if !r.claim(id) {
		return nil, errors.NewQueueError("queue is already running in this process", errors.ErrAlreadyRunning).WithQueueID(id)
	}
	defer r.release(id)

	log := r.logger.WithQueue(id)

	owner, err := r.repo.ClaimRun(ctx, id)
	if err != nil {
		if errors.IsLockContention(err) {
			return nil, errors.NewQueueError("queue is being run by another process", errors.ErrAlreadyRunning).WithQueueID(id)
		}
		return nil, err
	}
	defer func() {
		if err := owner.Release(); err != nil {
			log.Warn("run claim release failed", "error", err)
		}
	}()

	q, err := r.repo.Update(ctx, id, func(q *model.CommandQueue) error {
		// Running without a live claim holder means the owner crashed;
		// recovery pauses it before it can be resumed.
		if q.Status == model.QueueRunning {
			return errors.NewQueueError("queue is already running", errors.ErrAlreadyRunning).
				WithQueueID(id).WithStatus(string(q.Status))
		}
		if !allowed(q.Status) {
			return errors.NewQueueError("queue cannot be started", errors.ErrInvalidTransition).
				WithQueueID(id).WithStatus(string(q.Status))
		}
		now := r.now()
		q.Status = model.QueueRunning
		if q.StartedAt == nil {
			q.StartedAt = &now
		}
		q.CompletedAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info("queue run started", "current_index", q.CurrentIndex, "commands", len(q.Commands))

	for {
		if ctx.Err() != nil {
			return r.pauseOnCancel(ctx, id)
		}

		index := -1
		q, err = r.repo.Update(ctx, id, func(q *model.CommandQueue) error {
			if q.Status != model.QueueRunning {
				return errBoundary
			}
			for q.CurrentIndex < len(q.Commands) && q.Commands[q.CurrentIndex].Status.IsTerminal() {
				q.CurrentIndex++
			}
			now := r.now()
			if q.CurrentIndex >= len(q.Commands) {
				q.Status = model.QueueCompleted
				q.CompletedAt = &now
				return nil
			}
			index = q.CurrentIndex
			cmd := &q.Commands[index]
			// The run claim is ours, so whoever marked it running has exited.
			if cmd.Status == model.CommandRunning {
				log.Warn("re-executing command left running by an exited process", "index", index, "command_id", cmd.ID)
			}
			cmd.Status = model.CommandRunning
			cmd.StartedAt = &now
			cmd.Error = ""
			return nil
		})
		if errors.Is(err, errBoundary) {
			q, err = r.repo.FindByID(ctx, id)
			if err != nil {
				return nil, err
			}
			log.Info("queue run ended at boundary", "status", string(q.Status), "current_index", q.CurrentIndex)
			return q, nil
		}
		if err != nil {
			return nil, err
		}
		if index < 0 {
			log.Info("queue completed", "total_cost_usd", q.TotalCostUSD)
			return q, nil
		}

		cb.start(q, index)
		q, err = r.execute(ctx, q, index, cb, log)
		if err != nil {
			return nil, err
		}
		if q.Status != model.QueueRunning {
			log.Info("queue run ended", "status", string(q.Status), "current_index", q.CurrentIndex)
			return q, nil
		}
	}
}

// execute runs the command at index to a terminal state and persists the
// outcome. The agent call is not interrupted by ctx.
func (r *Runner) execute(ctx context.Context, q *model.CommandQueue, index int, cb Callbacks, log *logging.Logger) (*model.CommandQueue, error) {
	cmd := q.Commands[index]
	req := executor.Request{
		ProjectPath: q.ProjectPath,
		Prompt:      cmd.Prompt,
	}
	if cmd.SessionMode == model.SessionContinue {
		req.ResumeSessionID = q.CurrentSessionID
	}

	log.Info("command started", "index", index, "command_id", cmd.ID, "mode", string(cmd.SessionMode))
	res, execErr := r.exec.Execute(context.WithoutCancel(ctx), req)

	// Persisting the outcome must succeed even if the caller gave up.
	saveCtx := context.WithoutCancel(ctx)
	updated, err := r.repo.UpdateCommand(saveCtx, q.ID, cmd.ID, func(q *model.CommandQueue, c *model.QueueCommand) error {
		now := r.now()
		cost := res.CostUSD
		c.CostUSD = &cost
		c.CompletedAt = &now
		if res.SessionID != "" {
			c.SessionID = res.SessionID
			q.CurrentSessionID = res.SessionID
		}

		if execErr != nil {
			c.Status = model.CommandFailed
			c.Error = execErr.Error()
			q.SkipRemaining(now)
			if q.Status == model.QueueRunning || q.Status == model.QueuePaused {
				q.Status = model.QueueFailed
				q.CompletedAt = &now
			}
		} else {
			c.Status = model.CommandCompleted
		}
		q.CurrentIndex = q.CommandIndex(c.ID) + 1
		q.RecomputeTotalCost()

		if execErr == nil && q.CurrentIndex >= len(q.Commands) && q.Status == model.QueueRunning {
			q.Status = model.QueueCompleted
			q.CompletedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if execErr != nil {
		log.Warn("command failed", "index", index, "command_id", cmd.ID, "error", execErr, "cost_usd", res.CostUSD)
		cb.fail(updated, index, execErr)
		return updated, nil
	}
	log.Info("command completed", "index", index, "command_id", cmd.ID, "cost_usd", res.CostUSD)
	cb.complete(updated, index)
	return updated, nil
}

// pauseOnCancel leaves a cancelled run paused so it can be resumed.
func (r *Runner) pauseOnCancel(ctx context.Context, id string) (*model.CommandQueue, error) {
	q, err := r.repo.Update(context.WithoutCancel(ctx), id, func(q *model.CommandQueue) error {
		if q.Status == model.QueueRunning {
			q.Status = model.QueuePaused
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.WithQueue(id).Info("queue run interrupted", "status", string(q.Status), "current_index", q.CurrentIndex)
	return q, ctx.Err()
}

// Package recovery reconciles persisted state after a crash. A queue or
// group still marked running whose run claim has no live holder has lost its
// runner; recovery pauses it so it can be resumed explicitly.
package recovery

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/ccorch/internal/errors"
	"github.com/Iron-Ham/ccorch/internal/logging"
	"github.com/Iron-Ham/ccorch/internal/model"
	"github.com/Iron-Ham/ccorch/internal/repository"
)

// Failure records an entity that was found running but could not be paused.
type Failure struct {
	ID  string
	Err error
}

// Result summarizes one recovery pass.
type Result struct {
	// Found is the number of entities observed in the running state.
	Found int
	// Recovered lists the ids that were paused.
	Recovered []string
	// Owned lists running ids whose runner is still alive. They are left
	// untouched.
	Owned    []string
	Failures []Failure
}

// Report combines the queue and group passes.
type Report struct {
	Queues Result
	Groups Result
}

// Total returns the number of entities paused across both passes.
func (r Report) Total() int {
	return len(r.Queues.Recovered) + len(r.Groups.Recovered)
}

// Service pauses orphaned running entities.
type Service struct {
	queues *repository.QueueRepository
	groups *repository.GroupRepository
	logger *logging.Logger
}

// New creates a recovery Service. Either repository may be nil to skip its
// pass.
func New(queues *repository.QueueRepository, groups *repository.GroupRepository, logger *logging.Logger) *Service {
	return &Service{
		queues: queues,
		groups: groups,
		logger: logging.OrNop(logger).WithComponent("recovery"),
	}
}

// errNotRunning aborts an update for an entity that left the running state
// between the scan and the write.
var errNotRunning = errors.New("no longer running")

// RecoverStaleQueues pauses every running queue that no live process is
// running. Only a listing failure aborts the pass.
func (s *Service) RecoverStaleQueues(ctx context.Context) (Result, error) {
	if s.queues == nil {
		return Result{}, nil
	}
	return pauseRunning(ctx, s.queues.Store, s.logger.With("kind", "queue"),
		func(q *model.CommandQueue) bool { return q.Status == model.QueueRunning },
		func(q *model.CommandQueue) { q.Status = model.QueuePaused },
	)
}

// RecoverStaleGroups pauses every running group that no live process is
// running. Only a listing failure aborts the pass.
func (s *Service) RecoverStaleGroups(ctx context.Context) (Result, error) {
	if s.groups == nil {
		return Result{}, nil
	}
	return pauseRunning(ctx, s.groups.Store, s.logger.With("kind", "group"),
		func(g *model.SessionGroup) bool { return g.Status == model.GroupRunning },
		func(g *model.SessionGroup) { g.Status = model.GroupPaused },
	)
}

// RecoverAll runs both passes concurrently.
func (s *Service) RecoverAll(ctx context.Context) (Report, error) {
	var report Report
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		r, err := s.RecoverStaleQueues(ctx)
		report.Queues = r
		return err
	})
	eg.Go(func() error {
		r, err := s.RecoverStaleGroups(ctx)
		report.Groups = r
		return err
	})
	if err := eg.Wait(); err != nil {
		return report, err
	}
	if n := report.Total(); n > 0 {
		s.logger.Info("recovered stale entities", "queues", len(report.Queues.Recovered), "groups", len(report.Groups.Recovered))
	}
	return report, nil
}

func pauseRunning[T any, P repository.EntityPtr[T]](
	ctx context.Context,
	store *repository.Store[T, P],
	log *logging.Logger,
	running func(P) bool,
	pause func(P),
) (Result, error) {
	all, err := store.List(ctx)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, e := range all {
		if !running(e) {
			continue
		}
		res.Found++
		id := e.GetID()
		// Holding the claim keeps a runner from starting while we pause.
		owner, err := store.ClaimRun(ctx, id)
		if err != nil {
			if errors.IsLockContention(err) {
				res.Owned = append(res.Owned, id)
				log.Debug("entity has a live runner", "id", id)
			} else {
				res.Failures = append(res.Failures, Failure{ID: id, Err: err})
				log.Warn("failed to claim entity", "id", id, "error", err)
			}
			continue
		}
		_, err = store.Update(ctx, id, func(cur P) error {
			if !running(cur) {
				return errNotRunning
			}
			pause(cur)
			return nil
		})
		if relErr := owner.Release(); relErr != nil {
			log.Warn("run claim release failed", "id", id, "error", relErr)
		}
		switch {
		case err == nil:
			res.Recovered = append(res.Recovered, id)
			log.Info("paused stale entity", "id", id)
		case errors.Is(err, errNotRunning) || errors.IsNotFound(err):
			log.Debug("entity changed during recovery", "id", id)
		default:
			res.Failures = append(res.Failures, Failure{ID: id, Err: err})
			log.Warn("failed to recover entity", "id", id, "error", err)
		}
	}
	return res, nil
}

package group

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/Iron-Ham/ccorch/internal/errors"
	"github.com/Iron-Ham/ccorch/internal/executor"
	"github.com/Iron-Ham/ccorch/internal/logging"
	"github.com/Iron-Ham/ccorch/internal/model"
	"github.com/Iron-Ham/ccorch/internal/repository"
)

// PauseReasonInterrupted is recorded when a run's context is cancelled.
const PauseReasonInterrupted = "interrupted"

// Callbacks observe progress. They run on the scheduling goroutine, never
// concurrently with each other. Any may be nil.
type Callbacks struct {
	OnSessionStart    func(g *model.SessionGroup, s model.GroupSession)
	OnSessionComplete func(g *model.SessionGroup, s model.GroupSession)
	OnSessionFail     func(g *model.SessionGroup, s model.GroupSession, err error)
	OnBudgetWarning   func(g *model.SessionGroup, spent, limit float64)
	OnBudgetExceeded  func(g *model.SessionGroup, spent, limit float64)
}

// RunOptions tune a single run.
type RunOptions struct {
	// RespectDependencies gates each session on its dependencies completing.
	// When false every pending session is eligible immediately and failures
	// do not skip dependents.
	RespectDependencies bool
	Callbacks           Callbacks
}

// DefaultRunOptions returns options that honor dependency edges.
func DefaultRunOptions() RunOptions {
	return RunOptions{RespectDependencies: true}
}

type outcome struct {
	sessionID string
	result    executor.Result
	err       error
}

// Runner executes groups. At most one run per group id is active in a
// process.
type Runner struct {
	repo   *repository.GroupRepository
	exec   executor.Executor
	logger *logging.Logger
	now    func() time.Time

	mu     sync.Mutex
	active map[string]struct{}
}

// NewRunner creates a Runner that performs sessions with exec.
func NewRunner(repo *repository.GroupRepository, exec executor.Executor, logger *logging.Logger) *Runner {
	return &Runner{
		repo:   repo,
		exec:   exec,
		logger: logging.OrNop(logger).WithComponent("group-runner"),
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

// Run executes a created or paused group until every session is terminal or
// the group is paused or stopped. The returned group is the last persisted
// state. Failed sessions are outcomes, not errors.
func (r *Runner) Run(ctx context.Context, id string, opts RunOptions) (*model.SessionGroup, error) {
	return r.run(ctx, id, opts, func(s model.GroupStatus) bool { return s.Runnable() })
}

// Resume continues a paused group.
func (r *Runner) Resume(ctx context.Context, id string, opts RunOptions) (*model.SessionGroup, error) {
	return r.run(ctx, id, opts, func(s model.GroupStatus) bool { return s == model.GroupPaused })
}

// run is a single-goroutine scheduler. It owns every write to the group;
// workers only call the executor and report on results.
type run struct {
	r    *Runner
	id   string
	opts RunOptions
	log  *logging.Logger

	g        *model.SessionGroup
	orphans  []string
	inFlight map[string]bool
	results  chan outcome
	wg       conc.WaitGroup

	warned   bool
	exceeded bool
}

func (r *Runner) run(ctx context.Context, id string, opts RunOptions, allowed func(model.GroupStatus) bool) (*model.SessionGroup, error) {
	if !r.claim(id) {
		return nil, errors.NewGroupError("group is already running in this process", errors.ErrAlreadyRunning).WithGroupID(id)
	}
	defer r.release(id)

	rn := &run{
		r:        r,
		id:       id,
		opts:     opts,
		log:      r.logger.WithGroup(id),
		inFlight: make(map[string]bool),
	}
	owner, err := r.repo.ClaimRun(ctx, id)
	if err != nil {
		if errors.IsLockContention(err) {
			return nil, errors.NewGroupError("group is being run by another process", errors.ErrAlreadyRunning).WithGroupID(id)
		}
		return nil, err
	}
	defer func() {
		if err := owner.Release(); err != nil {
			rn.log.Warn("run claim release failed", "error", err)
		}
	}()
	if err := rn.start(ctx, allowed); err != nil {
		return nil, err
	}
	defer rn.wg.Wait()
	return rn.loop(ctx)
}

// start moves the group to running. The caller holds the run claim, so
// sessions still active belong to an exited process. They never reported a
// result and go back to pending to be re-run ahead of everything else.
func (rn *run) start(ctx context.Context, allowed func(model.GroupStatus) bool) error {
	var orphans []string
	g, err := rn.r.repo.Update(ctx, rn.id, func(g *model.SessionGroup) error {
		if g.Status == model.GroupRunning {
			return errors.NewGroupError("group is already running", errors.ErrAlreadyRunning).
				WithGroupID(rn.id).WithStatus(string(g.Status))
		}
		if !allowed(g.Status) {
			return errors.NewGroupError("group cannot be started", errors.ErrInvalidTransition).
				WithGroupID(rn.id).WithStatus(string(g.Status))
		}
		c := g.Config
		if c.MaxBudgetUSD > 0 && g.TotalCostUSD >= c.MaxBudgetUSD && c.OnBudgetExceeded != model.BudgetWarn {
			return errors.NewGroupError(
				fmt.Sprintf("budget of $%.2f already spent; raise maxBudgetUsd to continue", c.MaxBudgetUSD),
				errors.ErrInvalidTransition).WithGroupID(rn.id).WithStatus(string(g.Status))
		}

		orphans = orphans[:0]
		for i := range g.Sessions {
			s := &g.Sessions[i]
			if s.Status == model.SessionActive {
				s.Status = model.SessionPending
				s.StartedAt = nil
				orphans = append(orphans, s.ID)
			}
		}
		now := rn.r.now()
		g.Status = model.GroupRunning
		g.PauseReason = ""
		if g.StartedAt == nil {
			g.StartedAt = &now
		}
		g.CompletedAt = nil
		if rn.opts.RespectDependencies {
			skipBlocked(g, now)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, sid := range orphans {
		rn.log.Warn("re-running session left active by an exited process", "session_id", sid)
	}
	rn.g = g
	rn.orphans = orphans
	limit := max(g.Config.MaxConcurrentSessions, 1)
	rn.results = make(chan outcome, limit)
	rn.log.Info("group run started", "sessions", len(g.Sessions), "max_concurrent", limit)
	return nil
}

func (rn *run) loop(ctx context.Context) (*model.SessionGroup, error) {
	halted := false
	canceled := false
	for {
		if !halted {
			if ctx.Err() != nil {
				halted, canceled = true, true
			} else if err := rn.fill(ctx); err != nil {
				if !errors.Is(err, errBoundary) {
					rn.drain()
					return nil, err
				}
				halted = true
			}
		}
		if len(rn.inFlight) == 0 {
			break
		}

		var out outcome
		select {
		case out = <-rn.results:
		case <-ctx.Done():
			if !halted {
				halted, canceled = true, true
				rn.log.Info("group run interrupted; waiting for in-flight sessions", "in_flight", len(rn.inFlight))
			}
			out = <-rn.results
		}
		delete(rn.inFlight, out.sessionID)

		running, err := rn.settle(ctx, out)
		if err != nil {
			rn.drain()
			return nil, err
		}
		if !running {
			halted = true
		}
	}
	return rn.finish(ctx, canceled)
}

// drain waits for in-flight workers after a fatal persistence error. Their
// results are discarded; the sessions stay active and are re-run on the
// next start.
func (rn *run) drain() {
	for len(rn.inFlight) > 0 {
		out := <-rn.results
		delete(rn.inFlight, out.sessionID)
	}
}

// errBoundary stops scheduling after someone else paused or stopped the
// group.
var errBoundary = errors.New("group left running state")

// fill starts as many eligible sessions as free slots allow, in one write.
func (rn *run) fill(ctx context.Context) error {
	free := max(rn.g.Config.MaxConcurrentSessions, 1) - len(rn.inFlight)
	if free <= 0 || len(eligible(rn.g, rn.opts.RespectDependencies, rn.orphans)) == 0 {
		return nil
	}

	var started []model.GroupSession
	g, err := rn.r.repo.Update(ctx, rn.id, func(g *model.SessionGroup) error {
		if g.Status != model.GroupRunning {
			return errBoundary
		}
		started = started[:0]
		slots := max(g.Config.MaxConcurrentSessions, 1) - len(rn.inFlight)
		now := rn.r.now()
		for _, sid := range eligible(g, rn.opts.RespectDependencies, rn.orphans) {
			if len(started) >= slots {
				break
			}
			s := g.Session(sid)
			s.Status = model.SessionActive
			s.StartedAt = &now
			s.CompletedAt = nil
			s.Error = ""
			started = append(started, *s)
		}
		return nil
	})
	if err != nil {
		return err
	}
	rn.g = g

	for _, s := range started {
		rn.inFlight[s.ID] = true
		rn.orphans = slices.DeleteFunc(rn.orphans, func(id string) bool { return id == s.ID })
		rn.log.Info("session started", "session_id", s.ID, "project", s.ProjectPath)
		if cb := rn.opts.Callbacks.OnSessionStart; cb != nil {
			cb(g, s)
		}
		rn.launch(ctx, g, s)
	}
	return nil
}

// launch runs one session on a worker. Cancelling ctx does not interrupt
// the agent; its result is always delivered.
func (rn *run) launch(ctx context.Context, g *model.SessionGroup, s model.GroupSession) {
	req := executor.Request{
		ProjectPath: s.ProjectPath,
		Prompt:      s.Prompt,
		Template:    s.Template,
		Model:       g.Config.Model,
	}
	execCtx := context.WithoutCancel(ctx)
	rn.wg.Go(func() {
		var res executor.Result
		var err error
		var pc panics.Catcher
		pc.Try(func() { res, err = rn.r.exec.Execute(execCtx, req) })
		if rec := pc.Recovered(); rec != nil {
			err = rec.AsError()
		}
		rn.results <- outcome{sessionID: s.ID, result: res, err: err}
	})
}

// settle persists one outcome, propagates skips and enforces the budget in
// the same write. It reports whether the group is still running.
func (rn *run) settle(ctx context.Context, out outcome) (bool, error) {
	var (
		warn, exceed bool
		skipped      []string
	)
	saveCtx := context.WithoutCancel(ctx)
	g, err := rn.r.repo.UpdateSession(saveCtx, rn.id, out.sessionID, func(g *model.SessionGroup, s *model.GroupSession) error {
		warn, exceed, skipped = false, false, nil
		now := rn.r.now()
		cost := out.result.CostUSD
		s.CostUSD = &cost
		s.CompletedAt = &now
		if out.result.SessionID != "" {
			s.ClaudeSessionID = out.result.SessionID
		}
		if out.err != nil {
			s.Status = model.SessionFailed
			s.Error = out.err.Error()
		} else {
			s.Status = model.SessionCompleted
		}
		g.RecomputeTotalCost()
		if rn.opts.RespectDependencies {
			skipped = skipBlocked(g, now)
		}

		c := g.Config
		if c.MaxBudgetUSD <= 0 {
			return nil
		}
		if !rn.warned && g.TotalCostUSD >= c.WarningThreshold*c.MaxBudgetUSD {
			warn = true
		}
		if !rn.exceeded && g.TotalCostUSD >= c.MaxBudgetUSD {
			exceed = true
			if g.Status == model.GroupRunning {
				switch c.OnBudgetExceeded {
				case model.BudgetPause:
					g.Status = model.GroupPaused
					g.PauseReason = model.PauseReasonBudget
				case model.BudgetStop:
					skipped = append(skipped, skipPending(g, now)...)
					g.Status = model.GroupFailed
					g.CompletedAt = &now
				}
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	rn.g = g

	s := *g.Session(out.sessionID)
	if out.err != nil {
		rn.log.Warn("session failed", "session_id", s.ID, "error", out.err, "cost_usd", out.result.CostUSD)
		if cb := rn.opts.Callbacks.OnSessionFail; cb != nil {
			cb(g, s, out.err)
		}
	} else {
		rn.log.Info("session completed", "session_id", s.ID, "cost_usd", out.result.CostUSD)
		if cb := rn.opts.Callbacks.OnSessionComplete; cb != nil {
			cb(g, s)
		}
	}
	for _, sid := range skipped {
		rn.log.Info("session skipped", "session_id", sid)
	}

	c := g.Config
	if warn {
		rn.warned = true
		rn.log.Warn("budget warning", "spent_usd", g.TotalCostUSD, "limit_usd", c.MaxBudgetUSD)
		if cb := rn.opts.Callbacks.OnBudgetWarning; cb != nil {
			cb(g, g.TotalCostUSD, c.MaxBudgetUSD)
		}
	}
	if exceed {
		rn.exceeded = true
		rn.log.Warn("budget exceeded", "spent_usd", g.TotalCostUSD, "limit_usd", c.MaxBudgetUSD,
			"policy", string(c.OnBudgetExceeded))
		if cb := rn.opts.Callbacks.OnBudgetExceeded; cb != nil {
			cb(g, g.TotalCostUSD, c.MaxBudgetUSD)
		}
	}
	return g.Status == model.GroupRunning, nil
}

// finish writes the end state once nothing is in flight. A cancelled run
// with work left is paused so it can be resumed.
func (rn *run) finish(ctx context.Context, canceled bool) (*model.SessionGroup, error) {
	interrupted := false
	g, err := rn.r.repo.Update(context.WithoutCancel(ctx), rn.id, func(g *model.SessionGroup) error {
		interrupted = false
		if g.Status != model.GroupRunning {
			return nil
		}
		now := rn.r.now()
		if canceled && g.Progress().Pending > 0 {
			interrupted = true
			g.Status = model.GroupPaused
			g.PauseReason = PauseReasonInterrupted
			return nil
		}
		// Anything still pending can never become eligible.
		skipPending(g, now)
		g.Status = model.GroupCompleted
		for _, s := range g.Sessions {
			if s.Status == model.SessionFailed {
				g.Status = model.GroupFailed
				break
			}
		}
		g.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	p := g.Progress()
	rn.log.Info("group run ended", "status", string(g.Status), "completed", p.Completed,
		"failed", p.Failed, "skipped", p.Skipped, "total_cost_usd", g.TotalCostUSD)
	if interrupted {
		return g, ctx.Err()
	}
	return g, nil
}

// eligible returns pending sessions ready to start: first the re-queued
// orphans, then the rest in definition order.
func eligible(g *model.SessionGroup, respectDeps bool, orphans []string) []string {
	ready := func(s *model.GroupSession) bool {
		if s.Status != model.SessionPending {
			return false
		}
		if !respectDeps {
			return true
		}
		for _, dep := range s.DependsOn {
			d := g.Session(dep)
			if d == nil || d.Status != model.SessionCompleted {
				return false
			}
		}
		return true
	}

	var out []string
	for _, id := range orphans {
		if s := g.Session(id); s != nil && ready(s) {
			out = append(out, id)
		}
	}
	for i := range g.Sessions {
		s := &g.Sessions[i]
		if ready(s) && !slices.Contains(out, s.ID) {
			out = append(out, s.ID)
		}
	}
	return out
}

// skipBlocked marks pending sessions skipped when any dependency failed or
// was skipped, repeating until no more change.
func skipBlocked(g *model.SessionGroup, now time.Time) []string {
	var skipped []string
	for changed := true; changed; {
		changed = false
		for i := range g.Sessions {
			s := &g.Sessions[i]
			if s.Status != model.SessionPending {
				continue
			}
			for _, dep := range s.DependsOn {
				d := g.Session(dep)
				if d == nil || d.Status == model.SessionFailed || d.Status == model.SessionSkipped {
					s.Status = model.SessionSkipped
					s.CompletedAt = &now
					s.Error = "dependency " + dep + " did not complete"
					skipped = append(skipped, s.ID)
					changed = true
					break
				}
			}
		}
	}
	return skipped
}

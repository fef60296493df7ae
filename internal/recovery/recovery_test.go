package recovery

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/Iron-Ham/ccorch/internal/errors"
	"github.com/Iron-Ham/ccorch/internal/filelock"
	"github.com/Iron-Ham/ccorch/internal/model"
	"github.com/Iron-Ham/ccorch/internal/repository"
)

type fixture struct {
	locks  *filelock.Service
	queues *repository.QueueRepository
	groups *repository.GroupRepository
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	locks := filelock.NewService(filelock.Options{
		Timeout:       100 * time.Millisecond,
		RetryInterval: time.Millisecond,
		MaxRetries:    5,
		StaleAfter:    filelock.DefaultStaleAfter,
	})
	queues, err := repository.NewQueueRepository(dir, locks)
	if err != nil {
		t.Fatal(err)
	}
	groups, err := repository.NewGroupRepository(dir, locks)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{locks: locks, queues: queues, groups: groups, svc: New(queues, groups, nil)}
}

func (f *fixture) queue(t *testing.T, status model.QueueStatus) *model.CommandQueue {
	t.Helper()
	now := time.Now().Add(-time.Hour)
	cost := 0.4
	q := &model.CommandQueue{
		ID:               model.NewID(),
		Name:             "q",
		ProjectPath:      "/tmp/project",
		Status:           status,
		CurrentIndex:     1,
		CurrentSessionID: "sess-1",
		TotalCostUSD:     0.4,
		Commands: []model.QueueCommand{
			{ID: "c1", Prompt: "one", SessionMode: model.SessionContinue, Status: model.CommandCompleted, CostUSD: &cost},
			{ID: "c2", Prompt: "two", SessionMode: model.SessionContinue, Status: model.CommandRunning},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := f.queues.Create(context.Background(), q); err != nil {
		t.Fatal(err)
	}
	return q
}

func (f *fixture) group(t *testing.T, status model.GroupStatus) *model.SessionGroup {
	t.Helper()
	now := time.Now().Add(-time.Hour)
	g := &model.SessionGroup{
		ID:     model.NewID(),
		Slug:   "g",
		Name:   "g",
		Status: status,
		Sessions: []model.GroupSession{
			{ID: "a", ProjectPath: "/tmp/a", Prompt: "p", Status: model.SessionActive},
		},
		Config:    model.DefaultGroupConfig(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := f.groups.Create(context.Background(), g); err != nil {
		t.Fatal(err)
	}
	return g
}

func TestRecoverAll_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q1 := f.queue(t, model.QueueRunning)
	q2 := f.queue(t, model.QueueRunning)
	f.queue(t, model.QueuePending)
	f.queue(t, model.QueueCompleted)
	g1 := f.group(t, model.GroupRunning)
	f.group(t, model.GroupPaused)

	report, err := f.svc.RecoverAll(ctx)
	if err != nil {
		t.Fatalf("RecoverAll() error = %v", err)
	}
	if report.Queues.Found != 2 || len(report.Queues.Recovered) != 2 {
		t.Errorf("queues = %+v, want 2 found and recovered", report.Queues)
	}
	if report.Groups.Found != 1 || !slices.Equal(report.Groups.Recovered, []string{g1.ID}) {
		t.Errorf("groups = %+v", report.Groups)
	}
	if report.Total() != 3 {
		t.Errorf("Total() = %d", report.Total())
	}
	for _, id := range []string{q1.ID, q2.ID} {
		if !slices.Contains(report.Queues.Recovered, id) {
			t.Errorf("queue %s not recovered", id)
		}
	}

	again, err := f.svc.RecoverAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again.Total() != 0 || again.Queues.Found != 0 || again.Groups.Found != 0 {
		t.Errorf("second pass = %+v, want nothing to do", again)
	}
}

func TestRecoverStaleQueues_PreservesEverythingElse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.queue(t, model.QueueRunning)

	if _, err := f.svc.RecoverStaleQueues(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := f.queues.FindByID(ctx, q.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.QueuePaused {
		t.Errorf("status = %s, want paused", got.Status)
	}
	if !got.UpdatedAt.After(q.UpdatedAt) {
		t.Error("updatedAt should be refreshed")
	}
	if got.CurrentIndex != 1 || got.CurrentSessionID != "sess-1" || got.TotalCostUSD != 0.4 {
		t.Errorf("position or cost changed: %+v", got)
	}
	if got.Commands[1].Status != model.CommandRunning {
		t.Errorf("in-flight command status = %s, want running left for the next run", got.Commands[1].Status)
	}
}

func TestRecoverStaleGroups_LeavesSessionsAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.group(t, model.GroupRunning)

	if _, err := f.svc.RecoverStaleGroups(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := f.groups.FindByID(ctx, g.ID)
	if got.Status != model.GroupPaused {
		t.Errorf("status = %s", got.Status)
	}
	if got.Sessions[0].Status != model.SessionActive {
		t.Errorf("session status = %s", got.Sessions[0].Status)
	}
}

func TestRecoverStaleQueues_PerEntityFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	locked := f.queue(t, model.QueueRunning)
	free := f.queue(t, model.QueueRunning)

	// This process is alive, so the lock is not reclaimable.
	h, err := f.locks.Acquire(ctx, f.queues.Path(locked.ID))
	if err != nil {
		t.Fatal(err)
	}
	defer h.Release()

	res, err := f.svc.RecoverStaleQueues(ctx)
	if err != nil {
		t.Fatalf("RecoverStaleQueues() error = %v", err)
	}
	if res.Found != 2 {
		t.Errorf("Found = %d, want 2", res.Found)
	}
	if !slices.Equal(res.Recovered, []string{free.ID}) {
		t.Errorf("Recovered = %v, want only %s", res.Recovered, free.ID)
	}
	if len(res.Failures) != 1 || res.Failures[0].ID != locked.ID || !errors.IsLockContention(res.Failures[0].Err) {
		t.Errorf("Failures = %+v", res.Failures)
	}

	got, _ := f.queues.FindByID(ctx, locked.ID)
	if got.Status != model.QueueRunning {
		t.Errorf("locked queue status = %s, want untouched", got.Status)
	}
}

func TestRecoverAll_SkipsLiveRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owned := f.queue(t, model.QueueRunning)
	orphan := f.queue(t, model.QueueRunning)
	g := f.group(t, model.GroupRunning)

	qh, err := f.queues.ClaimRun(ctx, owned.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer qh.Release()
	gh, err := f.groups.ClaimRun(ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer gh.Release()

	report, err := f.svc.RecoverAll(ctx)
	if err != nil {
		t.Fatalf("RecoverAll() error = %v", err)
	}
	if !slices.Equal(report.Queues.Recovered, []string{orphan.ID}) || !slices.Equal(report.Queues.Owned, []string{owned.ID}) {
		t.Errorf("queues = %+v, want %s recovered and %s owned", report.Queues, orphan.ID, owned.ID)
	}
	if len(report.Groups.Recovered) != 0 || !slices.Equal(report.Groups.Owned, []string{g.ID}) {
		t.Errorf("groups = %+v, want only %s owned", report.Groups, g.ID)
	}
	if len(report.Queues.Failures)+len(report.Groups.Failures) != 0 {
		t.Errorf("unexpected failures: %+v", report)
	}

	got, _ := f.queues.FindByID(ctx, owned.ID)
	if got.Status != model.QueueRunning {
		t.Errorf("owned queue status = %s, want running", got.Status)
	}
	gotGroup, _ := f.groups.FindByID(ctx, g.ID)
	if gotGroup.Status != model.GroupRunning {
		t.Errorf("owned group status = %s, want running", gotGroup.Status)
	}
}

func TestService_NilRepositories(t *testing.T) {
	report, err := New(nil, nil, nil).RecoverAll(context.Background())
	if err != nil || report.Total() != 0 {
		t.Errorf("RecoverAll() = %+v, %v", report, err)
	}
}

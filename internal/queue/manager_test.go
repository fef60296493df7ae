package queue

import (
	"context"
	"testing"

	"github.com/Iron-Ham/ccorch/internal/errors"
	"github.com/Iron-Ham/ccorch/internal/model"
)

func prompts(q *model.CommandQueue) []string {
	var out []string
	for _, c := range q.Commands {
		out = append(out, c.Prompt)
	}
	return out
}

func TestManager_Create(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	q := h.create(t, "one", "two")
	if q.Status != model.QueuePending || q.CurrentIndex != 0 || len(q.Commands) != 2 {
		t.Errorf("Create() = %+v", q)
	}
	for _, c := range q.Commands {
		if c.Status != model.CommandPending || c.SessionMode != model.SessionContinue || c.ID == "" {
			t.Errorf("command = %+v", c)
		}
	}

	tests := []struct {
		name string
		in   CreateInput
	}{
		{"no project", CreateInput{Name: "x"}},
		{"blank prompt", CreateInput{ProjectPath: t.TempDir(), Prompts: []string{"ok", "  "}}},
		{"bad mode", CreateInput{ProjectPath: t.TempDir(), SessionMode: "fork"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.manager.Create(ctx, tt.in); !errors.IsValidation(err) {
				t.Errorf("Create() error = %v, want validation", err)
			}
		})
	}

	dir := t.TempDir()
	unnamed, err := h.manager.Create(ctx, CreateInput{ProjectPath: dir})
	if err != nil {
		t.Fatal(err)
	}
	if unnamed.Name == "" {
		t.Error("name should default to the project directory name")
	}
}

func TestManager_AddCommand(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.create(t, "one")

	got, err := h.manager.AddCommand(ctx, q.ID, "two", model.SessionNew)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Commands) != 2 || got.Commands[1].SessionMode != model.SessionNew {
		t.Errorf("AddCommand() = %+v", got.Commands)
	}

	if _, err := h.manager.AddCommand(ctx, q.ID, "", ""); !errors.IsValidation(err) {
		t.Errorf("empty prompt error = %v", err)
	}
	if _, err := h.manager.AddCommand(ctx, "missing", "x", ""); !errors.Is(err, errors.ErrQueueNotFound) {
		t.Errorf("missing queue error = %v", err)
	}

	if _, err := NewRunner(h.repo, &recorder{}, nil).Run(ctx, q.ID, Callbacks{}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.manager.AddCommand(ctx, q.ID, "three", ""); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("AddCommand on completed queue error = %v", err)
	}
}

func TestManager_RemoveAndMove(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.create(t, "a", "b", "c", "d")

	// Pretend the first command has already run.
	if _, err := h.repo.Update(ctx, q.ID, func(q *model.CommandQueue) error {
		q.Status = model.QueuePaused
		q.Commands[0].Status = model.CommandCompleted
		q.CurrentIndex = 1
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	got, err := h.manager.MoveCommand(ctx, q.ID, 3, 1)
	if err != nil {
		t.Fatalf("MoveCommand() error = %v", err)
	}
	if want := "[a d b c]"; fmtSlice(prompts(got)) != want {
		t.Errorf("after move = %v, want %s", prompts(got), want)
	}

	got, err = h.manager.MoveCommand(ctx, q.ID, 1, 3)
	if err != nil {
		t.Fatal(err)
	}
	if want := "[a b c d]"; fmtSlice(prompts(got)) != want {
		t.Errorf("after move back = %v, want %s", prompts(got), want)
	}

	got, err = h.manager.RemoveCommand(ctx, q.ID, 2)
	if err != nil {
		t.Fatalf("RemoveCommand() error = %v", err)
	}
	if want := "[a b d]"; fmtSlice(prompts(got)) != want {
		t.Errorf("after remove = %v, want %s", prompts(got), want)
	}

	invalid := []struct {
		name string
		fn   func() error
	}{
		{"remove started", func() error { _, err := h.manager.RemoveCommand(ctx, q.ID, 0); return err }},
		{"remove out of range", func() error { _, err := h.manager.RemoveCommand(ctx, q.ID, 9); return err }},
		{"remove negative", func() error { _, err := h.manager.RemoveCommand(ctx, q.ID, -1); return err }},
		{"move from started", func() error { _, err := h.manager.MoveCommand(ctx, q.ID, 0, 2); return err }},
		{"move onto started", func() error { _, err := h.manager.MoveCommand(ctx, q.ID, 2, 0); return err }},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn()
			if !errors.IsValidation(err) || !errors.Is(err, errors.ErrInvalidIndex) {
				t.Errorf("error = %v, want validation with ErrInvalidIndex", err)
			}
		})
	}

	after, _ := h.manager.Get(ctx, q.ID)
	if fmtSlice(prompts(after)) != "[a b d]" {
		t.Error("rejected edits must not change the queue")
	}
}

func fmtSlice(s []string) string {
	out := "["
	for i, v := range s {
		if i > 0 {
			out += " "
		}
		out += v
	}
	return out + "]"
}

func TestManager_PauseStopTransitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.create(t, "a", "b")

	if _, err := h.manager.Pause(ctx, q.ID); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("Pause(pending) error = %v", err)
	}
	if _, err := h.manager.Stop(ctx, q.ID); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("Stop(pending) error = %v", err)
	}

	if _, err := h.repo.Update(ctx, q.ID, func(q *model.CommandQueue) error {
		q.Status = model.QueueRunning
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	paused, err := h.manager.Pause(ctx, q.ID)
	if err != nil || paused.Status != model.QueuePaused {
		t.Fatalf("Pause() = %v, %v", paused, err)
	}

	stopped, err := h.manager.Stop(ctx, q.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stopped.Status != model.QueueStopped || stopped.CompletedAt == nil {
		t.Errorf("Stop() status = %s", stopped.Status)
	}
	if s := h.manager.Stats(stopped); s.Skipped != 2 {
		t.Errorf("Stats() = %+v, want 2 skipped", s)
	}
	if _, err := h.manager.Pause(ctx, "missing"); !errors.IsNotFound(err) {
		t.Errorf("Pause(missing) error = %v", err)
	}
}

func TestManager_Delete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.create(t, "a")

	if _, err := h.repo.Update(ctx, q.ID, func(q *model.CommandQueue) error {
		q.Status = model.QueueRunning
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := h.manager.Delete(ctx, q.ID); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("Delete(running) error = %v", err)
	}

	if _, err := h.manager.Pause(ctx, q.ID); err != nil {
		t.Fatal(err)
	}
	if err := h.manager.Delete(ctx, q.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := h.manager.Get(ctx, q.ID); !errors.IsNotFound(err) {
		t.Errorf("Get() after delete error = %v", err)
	}
}

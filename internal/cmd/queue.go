package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/ccorch/internal/errors"
	"github.com/Iron-Ham/ccorch/internal/model"
	"github.com/Iron-Ham/ccorch/internal/queue"
	"github.com/Iron-Ham/ccorch/internal/repository"
	"github.com/Iron-Ham/ccorch/internal/watch"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	Aliases: []string{"q"},
	Short:   "Manage command queues",
	Long: `A queue is an ordered list of prompts executed one at a time against a
single project directory. Each command either continues the previous agent
session or starts a new one. Pause, resume and stop take effect between
commands; a command that has started always runs to completion.`,
}

var queueCreateCmd = &cobra.Command{
	Use:   "create [prompt...]",
	Short: "Create a queue",
	Example: `  ccorch queue create --name refactor "split the parser" "add tests for the parser"
  ccorch queue create --project ~/src/api --new-session "audit dependencies"`,
	RunE: runQueueCreate,
}

var queueAddCmd = &cobra.Command{
	Use:   "add <queue> <prompt>",
	Short: "Append a command to a queue",
	Args:  cobra.ExactArgs(2),
	RunE:  runQueueAdd,
}

var queueListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List queues",
	RunE:    runQueueList,
}

var queueShowCmd = &cobra.Command{
	Use:   "show <queue>",
	Short: "Show a queue and its commands",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueShow,
}

var queueRunCmd = runnerCommand(&cobra.Command{
	Use:   "run <queue>",
	Short: "Run a pending or paused queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRun,
})

var queueResumeCmd = runnerCommand(&cobra.Command{
	Use:   "resume <queue>",
	Short: "Resume a paused queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueResume,
})

var queuePauseCmd = &cobra.Command{
	Use:   "pause <queue>",
	Short: "Pause a running queue after its current command",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueuePause,
}

var queueStopCmd = &cobra.Command{
	Use:   "stop <queue>",
	Short: "Stop a queue and skip its remaining commands",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueStop,
}

var queueRemoveCmd = &cobra.Command{
	Use:   "remove <queue> <index>",
	Short: "Remove a command that has not started",
	Args:  cobra.ExactArgs(2),
	RunE:  runQueueRemove,
}

var queueMoveCmd = &cobra.Command{
	Use:   "move <queue> <from> <to>",
	Short: "Reorder commands that have not started",
	Args:  cobra.ExactArgs(3),
	RunE:  runQueueMove,
}

var queueDeleteCmd = &cobra.Command{
	Use:   "delete <queue>",
	Short: "Delete a queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueDelete,
}

var (
	queueName       string
	queueProject    string
	queueFilterDir  string
	queueNewSession bool
	queueStatus     string
	queueSort       string
	queueAscending  bool
	queueWatch      bool
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueCreateCmd, queueAddCmd, queueListCmd, queueShowCmd,
		queueRunCmd, queueResumeCmd, queuePauseCmd, queueStopCmd,
		queueRemoveCmd, queueMoveCmd, queueDeleteCmd)

	queueCreateCmd.Flags().StringVarP(&queueName, "name", "n", "", "queue name (default: project directory name)")
	queueCreateCmd.Flags().StringVarP(&queueProject, "project", "p", ".", "project directory commands run in")
	queueCreateCmd.Flags().BoolVar(&queueNewSession, "new-session", false, "start a new agent session for each command")

	queueAddCmd.Flags().BoolVar(&queueNewSession, "new-session", false, "start a new agent session for this command")

	queueListCmd.Flags().StringVar(&queueStatus, "status", "", "only queues with this status")
	queueListCmd.Flags().StringVarP(&queueFilterDir, "project", "p", "", "only queues for this project")
	queueListCmd.Flags().StringVar(&queueSort, "sort", repository.SortCreatedAt, "sort by createdAt, updatedAt or name")
	queueListCmd.Flags().BoolVar(&queueAscending, "asc", false, "sort ascending")

	queueShowCmd.Flags().BoolVarP(&queueWatch, "watch", "w", false, "redraw whenever the queue changes")
}

func sessionMode() model.SessionMode {
	if queueNewSession {
		return model.SessionNew
	}
	return model.SessionContinue
}

// resolveQueueID accepts a full id or a unique id prefix.
func resolveQueueID(ctx context.Context, arg string) (string, error) {
	repo := current.queueRepo
	if repo.Exists(arg) {
		return arg, nil
	}
	all, err := repo.List(ctx)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, q := range all {
		if strings.HasPrefix(q.ID, arg) {
			matches = append(matches, q.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", errors.NewNotFoundError("queue", arg)
	case 1:
		return matches[0], nil
	default:
		return "", errors.NewValidationError(fmt.Sprintf("ambiguous queue id %q matches %d queues", arg, len(matches))).WithField("queue")
	}
}

func parseIndex(s, name string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.NewValidationError("must be an integer").WithField(name).WithValue(s).WithCause(errors.ErrInvalidIndex)
	}
	return n, nil
}

func runQueueCreate(cmd *cobra.Command, args []string) error {
	q, err := current.queues.Create(cmd.Context(), queue.CreateInput{
		Name:        queueName,
		ProjectPath: queueProject,
		Prompts:     args,
		SessionMode: sessionMode(),
	})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created queue %s\n\n", q.ID)
	renderQueue(out, q)
	return nil
}

func runQueueAdd(cmd *cobra.Command, args []string) error {
	id, err := resolveQueueID(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	q, err := current.queues.AddCommand(cmd.Context(), id, args[1], sessionMode())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added command %d to %s\n", len(q.Commands)-1, q.Name)
	return nil
}

func runQueueList(cmd *cobra.Command, _ []string) error {
	if queueStatus != "" && !model.ValidQueueStatus(queueStatus) {
		return errors.NewValidationError("unknown queue status").WithField("status").WithValue(queueStatus)
	}
	f := repository.QueueFilter{
		Status:    model.QueueStatus(queueStatus),
		SortBy:    queueSort,
		Ascending: queueAscending,
	}
	if queueFilterDir != "" {
		abs, err := filepath.Abs(queueFilterDir)
		if err != nil {
			return err
		}
		f.ProjectPath = abs
	}
	queues, err := current.queues.List(cmd.Context(), f)
	if err != nil {
		return err
	}
	renderQueueList(cmd.OutOrStdout(), queues)
	return nil
}

func runQueueShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := resolveQueueID(ctx, args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	draw := func() error {
		q, err := current.queues.Get(ctx, id)
		if err != nil {
			return err
		}
		if queueWatch {
			clearScreen(out)
		}
		renderQueue(out, q)
		return nil
	}
	if err := draw(); err != nil {
		return err
	}
	if !queueWatch {
		return nil
	}
	return watch.EntityWithOptions(ctx, current.queueRepo.Dir(), id, func() {
		if err := draw(); err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "Error: "+errors.UserMessage(err))
		}
	}, watch.Options{Logger: current.logger})
}

func queueProgress(w io.Writer) queue.Callbacks {
	return queue.Callbacks{
		OnCommandStart: func(q *model.CommandQueue, i int) {
			c := q.Commands[i]
			fmt.Fprintf(w, "%s [%d/%d] %s\n", status("running"), i+1, len(q.Commands), truncate(c.Prompt, promptWidth))
		},
		OnCommandComplete: func(q *model.CommandQueue, i int) {
			fmt.Fprintf(w, "%s [%d/%d] %s\n", status("completed"), i+1, len(q.Commands), money(q.Commands[i].Cost()))
		},
		OnCommandFail: func(q *model.CommandQueue, i int, err error) {
			fmt.Fprintf(w, "%s [%d/%d] %s\n", status("failed"), i+1, len(q.Commands), truncate(err.Error(), promptWidth*2))
		},
	}
}

func runQueueRun(cmd *cobra.Command, args []string) error {
	return driveQueue(cmd, args[0], false)
}

func runQueueResume(cmd *cobra.Command, args []string) error {
	return driveQueue(cmd, args[0], true)
}

func driveQueue(cmd *cobra.Command, arg string, resume bool) error {
	ctx := cmd.Context()
	id, err := resolveQueueID(ctx, arg)
	if err != nil {
		return err
	}
	runner, err := current.queueRunner()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	run := runner.Run
	if resume {
		run = runner.Resume
	}
	q, err := run(ctx, id, queueProgress(out))
	if q != nil {
		s := q.Stats()
		fmt.Fprintf(out, "\nQueue %s %s: %d completed, %d failed, %d skipped, %s\n",
			q.Name, status(string(q.Status)), s.Completed, s.Failed, s.Skipped, money(q.TotalCostUSD))
	}
	if errors.Is(err, context.Canceled) {
		fmt.Fprintf(out, "Interrupted. Resume with 'ccorch queue resume %s'.\n", model.ShortID(id))
		return nil
	}
	return err
}

func runQueuePause(cmd *cobra.Command, args []string) error {
	id, err := resolveQueueID(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	q, err := current.queues.Pause(cmd.Context(), id)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queue %s will pause after its current command\n", q.Name)
	return nil
}

func runQueueStop(cmd *cobra.Command, args []string) error {
	id, err := resolveQueueID(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	q, err := current.queues.Stop(cmd.Context(), id)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queue %s stopped; %d commands skipped\n", q.Name, q.Stats().Skipped)
	return nil
}

func runQueueRemove(cmd *cobra.Command, args []string) error {
	id, err := resolveQueueID(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	index, err := parseIndex(args[1], "index")
	if err != nil {
		return err
	}
	if _, err := current.queues.RemoveCommand(cmd.Context(), id, index); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed command %d\n", index)
	return nil
}

func runQueueMove(cmd *cobra.Command, args []string) error {
	id, err := resolveQueueID(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	from, err := parseIndex(args[1], "from")
	if err != nil {
		return err
	}
	to, err := parseIndex(args[2], "to")
	if err != nil {
		return err
	}
	q, err := current.queues.MoveCommand(cmd.Context(), id, from, to)
	if err != nil {
		return err
	}
	renderQueue(cmd.OutOrStdout(), q)
	return nil
}

func runQueueDelete(cmd *cobra.Command, args []string) error {
	id, err := resolveQueueID(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if err := current.queues.Delete(cmd.Context(), id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted queue %s\n", id)
	return nil
}

func clearScreen(w io.Writer) {
	if w == os.Stdout {
		fmt.Fprint(w, "\033[H\033[2J")
	}
}

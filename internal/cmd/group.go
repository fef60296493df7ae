package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/ccorch/internal/errors"
	"github.com/Iron-Ham/ccorch/internal/group"
	"github.com/Iron-Ham/ccorch/internal/model"
	"github.com/Iron-Ham/ccorch/internal/repository"
	"github.com/Iron-Ham/ccorch/internal/watch"
)

var groupCmd = &cobra.Command{
	Use:     "group",
	Aliases: []string{"g"},
	Short:   "Manage session groups",
	Long: `A group is a set of agent sessions, each with its own project and prompt,
that may depend on one another. Sessions whose dependencies have completed
run in parallel up to the group's concurrency limit. Spend is tracked against
an optional budget; when it is reached the group pauses, stops or only warns
according to its policy.

Groups can be defined in a YAML plan file:

  name: billing migration
  config:
    maxBudgetUsd: 20
    maxConcurrentSessions: 2
  sessions:
    - id: schema
      projectPath: ./billing
      prompt: add the invoices table
    - id: api
      projectPath: ./api
      prompt: expose invoices over the API
      dependsOn: [schema]`,
}

var groupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a group from flags or a plan file",
	Example: `  ccorch group create --plan billing.yaml
  ccorch group create --name "docs sweep" --budget 5 --parallel 4`,
	Args: cobra.NoArgs,
	RunE: runGroupCreate,
}

var groupAddCmd = &cobra.Command{
	Use:   "add <group>",
	Short: "Add a session to a group",
	Example: `  ccorch group add docs-sweep --id api --project ./api --prompt "document the handlers"
  ccorch group add docs-sweep --id web --project ./web --template review --depends-on api`,
	Args: cobra.ExactArgs(1),
	RunE: runGroupAdd,
}

var groupListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List groups",
	RunE:    runGroupList,
}

var groupShowCmd = &cobra.Command{
	Use:   "show <group>",
	Short: "Show a group and its sessions",
	Args:  cobra.ExactArgs(1),
	RunE:  runGroupShow,
}

var groupRunCmd = runnerCommand(&cobra.Command{
	Use:   "run <group>",
	Short: "Run a created or paused group",
	Args:  cobra.ExactArgs(1),
	RunE:  runGroupRun,
})

var groupResumeCmd = runnerCommand(&cobra.Command{
	Use:   "resume <group>",
	Short: "Resume a paused group",
	Args:  cobra.ExactArgs(1),
	RunE:  runGroupResume,
})

var groupPauseCmd = &cobra.Command{
	Use:   "pause <group>",
	Short: "Stop starting new sessions; running ones finish",
	Args:  cobra.ExactArgs(1),
	RunE:  runGroupPause,
}

var groupStopCmd = &cobra.Command{
	Use:   "stop <group>",
	Short: "Skip every session that has not started and fail the group",
	Args:  cobra.ExactArgs(1),
	RunE:  runGroupStop,
}

var groupArchiveCmd = &cobra.Command{
	Use:   "archive <group>",
	Short: "Hide a finished group from listings",
	Args:  cobra.ExactArgs(1),
	RunE:  runGroupArchive,
}

var groupDeleteCmd = &cobra.Command{
	Use:   "delete <group>",
	Short: "Delete a group",
	Args:  cobra.ExactArgs(1),
	RunE:  runGroupDelete,
}

var groupRemoveSessionCmd = &cobra.Command{
	Use:   "remove-session <group> <session>",
	Short: "Remove a session nothing depends on",
	Args:  cobra.ExactArgs(2),
	RunE:  runGroupRemoveSession,
}

var groupExportCmd = &cobra.Command{
	Use:   "export <group> <file>",
	Short: "Write a group's definition as a plan file",
	Args:  cobra.ExactArgs(2),
	RunE:  runGroupExport,
}

var groupConfigCmd = &cobra.Command{
	Use:   "config <group>",
	Short: "Change a group's model, budget or concurrency",
	Example: `  ccorch group config billing-migration --budget 40
  ccorch group config billing-migration --policy stop --threshold 0.9`,
	Args: cobra.ExactArgs(1),
	RunE: runGroupConfig,
}

var (
	groupPlanFile    string
	groupName        string
	groupDescription string

	groupModel     string
	groupBudget    float64
	groupParallel  int
	groupPolicy    string
	groupThreshold float64

	groupSessionID string
	groupProject   string
	groupPrompt    string
	groupTemplate  string
	groupDependsOn []string

	groupStatus     string
	groupAll        bool
	groupSort       string
	groupAscending  bool
	groupWatch      bool
	groupIgnoreDeps bool
	groupReason     string
)

func addGroupConfigFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&groupModel, "model", "", "model passed to every session")
	cmd.Flags().Float64Var(&groupBudget, "budget", 0, "maximum spend in USD, 0 for no limit")
	cmd.Flags().IntVar(&groupParallel, "parallel", 0, "maximum sessions running at once")
	cmd.Flags().StringVar(&groupPolicy, "policy", "", "what to do when the budget is reached: pause, stop or warn")
	cmd.Flags().Float64Var(&groupThreshold, "threshold", 0, "fraction of the budget that triggers a warning")
}

func init() {
	rootCmd.AddCommand(groupCmd)
	groupCmd.AddCommand(groupCreateCmd, groupAddCmd, groupListCmd, groupShowCmd,
		groupRunCmd, groupResumeCmd, groupPauseCmd, groupStopCmd, groupArchiveCmd,
		groupDeleteCmd, groupRemoveSessionCmd, groupExportCmd, groupConfigCmd)

	groupCreateCmd.Flags().StringVarP(&groupPlanFile, "plan", "f", "", "YAML plan file defining the group")
	groupCreateCmd.Flags().StringVarP(&groupName, "name", "n", "", "group name (overrides the plan)")
	groupCreateCmd.Flags().StringVar(&groupDescription, "description", "", "group description")
	addGroupConfigFlags(groupCreateCmd)
	addGroupConfigFlags(groupConfigCmd)

	groupAddCmd.Flags().StringVar(&groupSessionID, "id", "", "session id (default: generated)")
	groupAddCmd.Flags().StringVarP(&groupProject, "project", "p", ".", "project directory the session runs in")
	groupAddCmd.Flags().StringVar(&groupPrompt, "prompt", "", "prompt text")
	groupAddCmd.Flags().StringVarP(&groupTemplate, "template", "t", "", "configured prompt template to render")
	groupAddCmd.Flags().StringSliceVar(&groupDependsOn, "depends-on", nil, "session ids that must complete first")

	groupListCmd.Flags().StringVar(&groupStatus, "status", "", "only groups with this status")
	groupListCmd.Flags().BoolVarP(&groupAll, "all", "a", false, "include archived groups")
	groupListCmd.Flags().StringVar(&groupSort, "sort", repository.SortCreatedAt, "sort by createdAt, updatedAt or name")
	groupListCmd.Flags().BoolVar(&groupAscending, "asc", false, "sort ascending")

	groupShowCmd.Flags().BoolVarP(&groupWatch, "watch", "w", false, "redraw whenever the group changes")

	for _, c := range []*cobra.Command{groupRunCmd, groupResumeCmd} {
		c.Flags().BoolVar(&groupIgnoreDeps, "ignore-deps", false, "start sessions without waiting for their dependencies")
	}
	groupPauseCmd.Flags().StringVar(&groupReason, "reason", "", "note recorded with the pause")
}

// configFromFlags sets the fields of c whose flags were given explicitly.
func configFromFlags(cmd *cobra.Command, c group.ConfigInput) group.ConfigInput {
	f := cmd.Flags()
	if f.Changed("model") {
		c.Model = &groupModel
	}
	if f.Changed("budget") {
		c.MaxBudgetUSD = &groupBudget
	}
	if f.Changed("parallel") {
		c.MaxConcurrentSessions = &groupParallel
	}
	if f.Changed("policy") {
		p := model.BudgetPolicy(groupPolicy)
		c.OnBudgetExceeded = &p
	}
	if f.Changed("threshold") {
		c.WarningThreshold = &groupThreshold
	}
	return c
}

func runGroupCreate(cmd *cobra.Command, _ []string) error {
	var in group.CreateInput
	if groupPlanFile != "" {
		plan, err := group.LoadPlan(groupPlanFile)
		if err != nil {
			return err
		}
		in = plan
	}
	if cmd.Flags().Changed("name") {
		in.Name = groupName
	}
	if cmd.Flags().Changed("description") {
		in.Description = groupDescription
	}
	in.Config = configFromFlags(cmd, in.Config)

	g, err := current.groups.Create(cmd.Context(), in)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created group %s\n\n", g.Slug)
	renderGroup(out, g)
	return nil
}

func runGroupAdd(cmd *cobra.Command, args []string) error {
	g, err := current.groups.AddSession(cmd.Context(), args[0], group.SessionInput{
		ID:          groupSessionID,
		ProjectPath: groupProject,
		Prompt:      groupPrompt,
		Template:    groupTemplate,
		DependsOn:   groupDependsOn,
	})
	if err != nil {
		return err
	}
	s := g.Sessions[len(g.Sessions)-1]
	fmt.Fprintf(cmd.OutOrStdout(), "Added session %s to %s\n", s.ID, g.Slug)
	return nil
}

func runGroupList(cmd *cobra.Command, _ []string) error {
	if groupStatus != "" && !model.ValidGroupStatus(groupStatus) {
		return errors.NewValidationError("unknown group status").WithField("status").WithValue(groupStatus)
	}
	groups, err := current.groups.List(cmd.Context(), repository.GroupFilter{
		Status:          model.GroupStatus(groupStatus),
		IncludeArchived: groupAll,
		SortBy:          groupSort,
		Ascending:       groupAscending,
	})
	if err != nil {
		return err
	}
	renderGroupList(cmd.OutOrStdout(), groups)
	return nil
}

func runGroupShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	g, err := current.groups.Get(ctx, args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	renderGroup(out, g)
	if !groupWatch {
		return nil
	}
	id := g.ID
	return watch.EntityWithOptions(ctx, current.groupRepo.Dir(), id, func() {
		g, err := current.groups.Get(ctx, id)
		if err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "Error: "+errors.UserMessage(err))
			return
		}
		clearScreen(out)
		renderGroup(out, g)
	}, watch.Options{Logger: current.logger})
}

func groupProgress(w io.Writer) group.Callbacks {
	return group.Callbacks{
		OnSessionStart: func(_ *model.SessionGroup, s model.GroupSession) {
			fmt.Fprintf(w, "%s %s %s\n", status("active"), s.ID, mutedStyle.Render(truncate(s.Prompt, promptWidth)))
		},
		OnSessionComplete: func(g *model.SessionGroup, s model.GroupSession) {
			p := g.Progress()
			fmt.Fprintf(w, "%s %s %s (%d/%d)\n", status("completed"), s.ID, money(s.Cost()), p.Done(), p.Total)
		},
		OnSessionFail: func(_ *model.SessionGroup, s model.GroupSession, err error) {
			fmt.Fprintf(w, "%s %s %s\n", status("failed"), s.ID, truncate(err.Error(), promptWidth*2))
		},
		OnBudgetWarning: func(_ *model.SessionGroup, spent, limit float64) {
			fmt.Fprintf(w, "%s spent %s of %s\n", statusStyle("stopped").Render("budget"), money(spent), money(limit))
		},
		OnBudgetExceeded: func(g *model.SessionGroup, spent, limit float64) {
			fmt.Fprintf(w, "%s spent %s, limit %s; policy %s\n", status("failed"), money(spent), money(limit), g.Config.OnBudgetExceeded)
		},
	}
}

func runGroupRun(cmd *cobra.Command, args []string) error {
	return driveGroup(cmd, args[0], false)
}

func runGroupResume(cmd *cobra.Command, args []string) error {
	return driveGroup(cmd, args[0], true)
}

func driveGroup(cmd *cobra.Command, ref string, resume bool) error {
	ctx := cmd.Context()
	g, err := current.groups.Get(ctx, ref)
	if err != nil {
		return err
	}
	runner, err := current.groupRunner()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	opts := group.RunOptions{
		RespectDependencies: !groupIgnoreDeps,
		Callbacks:           groupProgress(out),
	}
	run := runner.Run
	if resume {
		run = runner.Resume
	}
	slug := g.Slug
	g, err = run(ctx, g.ID, opts)
	if g != nil {
		p := g.Progress()
		reason := ""
		if g.PauseReason != "" {
			reason = " (" + g.PauseReason + ")"
		}
		fmt.Fprintf(out, "\nGroup %s %s%s: %d completed, %d failed, %d skipped, %s\n",
			g.Slug, status(string(g.Status)), reason, p.Completed, p.Failed, p.Skipped, budget(g))
	}
	if errors.Is(err, context.Canceled) {
		fmt.Fprintf(out, "Interrupted. Resume with 'ccorch group resume %s'.\n", slug)
		return nil
	}
	return err
}

func runGroupPause(cmd *cobra.Command, args []string) error {
	g, err := current.groups.Pause(cmd.Context(), args[0], groupReason)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Group %s paused; running sessions will finish\n", g.Slug)
	return nil
}

func runGroupStop(cmd *cobra.Command, args []string) error {
	g, err := current.groups.Stop(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Group %s stopped; %d sessions skipped\n", g.Slug, g.Progress().Skipped)
	return nil
}

func runGroupArchive(cmd *cobra.Command, args []string) error {
	g, err := current.groups.Archive(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Archived group %s\n", g.Slug)
	return nil
}

func runGroupDelete(cmd *cobra.Command, args []string) error {
	if err := current.groups.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted group %s\n", args[0])
	return nil
}

func runGroupRemoveSession(cmd *cobra.Command, args []string) error {
	g, err := current.groups.RemoveSession(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed session %s from %s\n", args[1], g.Slug)
	return nil
}

func runGroupExport(cmd *cobra.Command, args []string) error {
	g, err := current.groups.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if err := group.ExportPlan(g, args[1]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", args[1])
	return nil
}

func runGroupConfig(cmd *cobra.Command, args []string) error {
	u := configFromFlags(cmd, group.ConfigInput{})
	g, err := current.groups.UpdateConfig(cmd.Context(), args[0], u)
	if err != nil {
		return err
	}
	renderGroup(cmd.OutOrStdout(), g)
	return nil
}

package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/charmbracelet/x/ansi"
	"github.com/dustin/go-humanize"

	"github.com/Iron-Ham/ccorch/internal/model"
)

var (
	colorPrimary = lipgloss.Color("#A78BFA")
	colorOK      = lipgloss.Color("#10B981")
	colorWarning = lipgloss.Color("#F59E0B")
	colorError   = lipgloss.Color("#F87171")
	colorPaused  = lipgloss.Color("#60A5FA")
	colorMuted   = lipgloss.Color("#9CA3AF")
	colorBorder  = lipgloss.Color("#6B7280")

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)
	labelStyle  = lipgloss.NewStyle().Foreground(colorMuted).Width(12)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorMuted)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

// promptWidth bounds prompt previews in tables.
const promptWidth = 48

// statusStyle colors a queue, command, group or session status.
func statusStyle(status string) lipgloss.Style {
	s := lipgloss.NewStyle()
	switch status {
	case "running", "active":
		return s.Foreground(colorOK).Bold(true)
	case "completed":
		return s.Foreground(colorPrimary)
	case "paused":
		return s.Foreground(colorPaused)
	case "failed":
		return s.Foreground(colorError)
	case "stopped", "skipped", "archived":
		return s.Foreground(colorWarning)
	default:
		return s.Foreground(colorMuted)
	}
}

func status(s string) string {
	return statusStyle(s).Render(s)
}

// truncate shortens s to width terminal columns, keeping escape sequences
// intact.
func truncate(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	if width <= 3 {
		return "..."
	}
	if lipgloss.Width(s) <= width {
		return s
	}
	return ansi.Truncate(s, width, "...")
}

func money(v float64) string {
	return "$" + humanize.FormatFloat("#,###.##", v)
}

func ago(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return humanize.Time(*t)
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorBorder)).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func field(w io.Writer, label string, value any) {
	fmt.Fprintf(w, "%s %v\n", labelStyle.Render(label), value)
}

func renderQueueList(w io.Writer, queues []*model.CommandQueue) {
	if len(queues) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No queues. Create one with 'ccorch queue create'."))
		return
	}
	t := newTable("ID", "NAME", "STATUS", "PROGRESS", "COST", "UPDATED")
	for _, q := range queues {
		s := q.Stats()
		t.Row(
			model.ShortID(q.ID),
			truncate(q.Name, 24),
			status(string(q.Status)),
			fmt.Sprintf("%d/%d", s.Completed, s.Total),
			money(q.TotalCostUSD),
			humanize.Time(q.UpdatedAt),
		)
	}
	fmt.Fprintln(w, t.Render())
}

func renderQueue(w io.Writer, q *model.CommandQueue) {
	fmt.Fprintln(w, titleStyle.Render(q.Name))
	field(w, "ID", q.ID)
	field(w, "Status", status(string(q.Status)))
	field(w, "Project", q.ProjectPath)
	field(w, "Position", fmt.Sprintf("%d of %d", min(q.CurrentIndex+1, len(q.Commands)), len(q.Commands)))
	field(w, "Cost", money(q.TotalCostUSD))
	field(w, "Created", humanize.Time(q.CreatedAt))
	field(w, "Started", ago(q.StartedAt))
	field(w, "Finished", ago(q.CompletedAt))
	if q.CurrentSessionID != "" {
		field(w, "Session", q.CurrentSessionID)
	}
	if len(q.Commands) == 0 {
		return
	}

	fmt.Fprintln(w)
	t := newTable("#", "STATUS", "MODE", "PROMPT", "COST")
	for i, c := range q.Commands {
		marker := fmt.Sprintf("%d", i)
		if i == q.CurrentIndex && !q.Status.IsTerminal() {
			marker = "> " + marker
		}
		prompt := truncate(c.Prompt, promptWidth)
		if c.Error != "" {
			prompt += "\n" + lipgloss.NewStyle().Foreground(colorError).Render(truncate(c.Error, promptWidth))
		}
		cost := "-"
		if c.CostUSD != nil {
			cost = money(*c.CostUSD)
		}
		t.Row(marker, status(string(c.Status)), string(c.SessionMode), prompt, cost)
	}
	fmt.Fprintln(w, t.Render())
}

func renderGroupList(w io.Writer, groups []*model.SessionGroup) {
	if len(groups) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No groups. Create one with 'ccorch group create'."))
		return
	}
	t := newTable("SLUG", "NAME", "STATUS", "PROGRESS", "COST", "UPDATED")
	for _, g := range groups {
		p := g.Progress()
		t.Row(
			g.Slug,
			truncate(g.Name, 24),
			status(string(g.Status)),
			fmt.Sprintf("%d/%d", p.Done(), p.Total),
			budget(g),
			humanize.Time(g.UpdatedAt),
		)
	}
	fmt.Fprintln(w, t.Render())
}

func budget(g *model.SessionGroup) string {
	if g.Config.MaxBudgetUSD <= 0 {
		return money(g.TotalCostUSD)
	}
	return money(g.TotalCostUSD) + " / " + money(g.Config.MaxBudgetUSD)
}

func renderGroup(w io.Writer, g *model.SessionGroup) {
	fmt.Fprintln(w, titleStyle.Render(g.Name))
	field(w, "ID", g.ID)
	field(w, "Slug", g.Slug)
	st := status(string(g.Status))
	if g.PauseReason != "" {
		st += mutedStyle.Render(" (" + g.PauseReason + ")")
	}
	field(w, "Status", st)
	if g.Description != "" {
		field(w, "About", g.Description)
	}
	p := g.Progress()
	field(w, "Progress", fmt.Sprintf("%d/%d done, %d active, %d failed, %d skipped", p.Done(), p.Total, p.Active, p.Failed, p.Skipped))
	field(w, "Budget", budget(g))
	field(w, "Parallel", g.Config.MaxConcurrentSessions)
	if g.Config.Model != "" {
		field(w, "Model", g.Config.Model)
	}
	field(w, "Created", humanize.Time(g.CreatedAt))
	field(w, "Finished", ago(g.CompletedAt))
	if len(g.Sessions) == 0 {
		return
	}

	fmt.Fprintln(w)
	t := newTable("SESSION", "STATUS", "DEPENDS ON", "PROMPT", "COST")
	for _, s := range g.Sessions {
		prompt := s.Prompt
		if s.Template != "" {
			prompt = "[" + s.Template + "] " + prompt
		}
		prompt = truncate(prompt, promptWidth)
		if s.Error != "" {
			prompt += "\n" + lipgloss.NewStyle().Foreground(colorError).Render(truncate(s.Error, promptWidth))
		}
		deps := "-"
		if len(s.DependsOn) > 0 {
			deps = strings.Join(s.DependsOn, ", ")
		}
		cost := "-"
		if s.CostUSD != nil {
			cost = money(*s.CostUSD)
		}
		t.Row(s.ID, status(string(s.Status)), deps, prompt, cost)
	}
	fmt.Fprintln(w, t.Render())
}

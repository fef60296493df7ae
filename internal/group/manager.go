// Package group manages session groups: sets of agent sessions with
// dependency edges, executed with bounded concurrency under a budget.
package group

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

// SessionInput describes one session of a new group or plan file.
type SessionInput struct {
	ID          string   `yaml:"id,omitempty"`
	ProjectPath string   `yaml:"projectPath"`
	Prompt      string   `yaml:"prompt,omitempty"`
	Template    string   `yaml:"template,omitempty"`
	DependsOn   []string `yaml:"dependsOn,omitempty"`
}

// CreateInput describes a new group. Config fields left unset inherit the
// manager's defaults; a field set to zero keeps the zero, so
// maxBudgetUsd: 0 disables budget enforcement.
type CreateInput struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description,omitempty"`
	Config      ConfigInput    `yaml:"config,omitempty"`
	Sessions    []SessionInput `yaml:"sessions"`
}

// ConfigInput selects config fields to set. Nil fields are left to the
// config it is applied to.
type ConfigInput struct {
	Model                 *string             `yaml:"model,omitempty"`
	MaxBudgetUSD          *float64            `yaml:"maxBudgetUsd,omitempty"`
	MaxConcurrentSessions *int                `yaml:"maxConcurrentSessions,omitempty"`
	OnBudgetExceeded      *model.BudgetPolicy `yaml:"onBudgetExceeded,omitempty"`
	WarningThreshold      *float64            `yaml:"warningThreshold,omitempty"`
}

// FullConfig returns a ConfigInput that sets every field of c.
func FullConfig(c model.GroupConfig) ConfigInput {
	return ConfigInput{
		Model:                 &c.Model,
		MaxBudgetUSD:          &c.MaxBudgetUSD,
		MaxConcurrentSessions: &c.MaxConcurrentSessions,
		OnBudgetExceeded:      &c.OnBudgetExceeded,
		WarningThreshold:      &c.WarningThreshold,
	}
}

// Apply returns base with every set field of in replaced.
func (in ConfigInput) Apply(base model.GroupConfig) model.GroupConfig {
	if in.Model != nil {
		base.Model = *in.Model
	}
	if in.MaxBudgetUSD != nil {
		base.MaxBudgetUSD = *in.MaxBudgetUSD
	}
	if in.MaxConcurrentSessions != nil {
		base.MaxConcurrentSessions = *in.MaxConcurrentSessions
	}
	if in.OnBudgetExceeded != nil {
		base.OnBudgetExceeded = *in.OnBudgetExceeded
	}
	if in.WarningThreshold != nil {
		base.WarningThreshold = *in.WarningThreshold
	}
	return base
}

// Manager creates, inspects and edits groups.
type Manager struct {
	repo     *repository.GroupRepository
	defaults model.GroupConfig
	logger   *logging.Logger
	now      func() time.Time
}

// NewManager creates a Manager. defaults fill unset config fields of new
// groups.
func NewManager(repo *repository.GroupRepository, defaults model.GroupConfig, logger *logging.Logger) *Manager {
	return &Manager{
		repo:     repo,
		defaults: defaults,
		logger:   logging.OrNop(logger).WithComponent("group"),
		now:      time.Now,
	}
}

// Repository returns the underlying repository.
func (m *Manager) Repository() *repository.GroupRepository {
	return m.repo
}

// ValidateConfig checks group limits.
func ValidateConfig(c model.GroupConfig) error {
	switch {
	case c.MaxBudgetUSD < 0:
		return errors.NewValidationError("must be non-negative").WithField("config.maxBudgetUsd").WithValue(c.MaxBudgetUSD)
	case c.MaxConcurrentSessions < 1:
		return errors.NewValidationError("must be at least 1").WithField("config.maxConcurrentSessions").WithValue(c.MaxConcurrentSessions)
	case !model.ValidBudgetPolicy(string(c.OnBudgetExceeded)):
		return errors.NewValidationError("must be one of: pause, stop, warn").WithField("config.onBudgetExceeded").WithValue(c.OnBudgetExceeded)
	case c.WarningThreshold <= 0 || c.WarningThreshold > 1:
		return errors.NewValidationError("must be in (0, 1]").WithField("config.warningThreshold").WithValue(c.WarningThreshold)
	}
	return nil
}

func newSession(in SessionInput) (model.GroupSession, error) {
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = model.NewID()
	}
	project := in.ProjectPath
	if strings.TrimSpace(project) == "" {
		return model.GroupSession{}, errors.NewValidationError("project path is required").
			WithField(fmt.Sprintf("sessions[%s].projectPath", id))
	}
	abs, err := filepath.Abs(project)
	if err != nil {
		return model.GroupSession{}, errors.NewValidationError("invalid project path").
			WithField(fmt.Sprintf("sessions[%s].projectPath", id)).WithCause(err)
	}
	return model.GroupSession{
		ID:          id,
		ProjectPath: abs,
		Prompt:      in.Prompt,
		Template:    in.Template,
		DependsOn:   append([]string{}, in.DependsOn...),
		Status:      model.SessionPending,
	}, nil
}

// Create validates in, including the dependency graph, and persists a group
// in the created state. Nothing is written when validation fails.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*model.SessionGroup, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, errors.NewValidationError("group name is required").WithField("name")
	}
	cfg := in.Config.Apply(m.defaults)
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	sessions := make([]model.GroupSession, 0, len(in.Sessions))
	for _, si := range in.Sessions {
		s, err := newSession(si)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	if err := model.ValidateSessions(sessions); err != nil {
		return nil, err
	}

	slug, err := m.uniqueSlug(ctx, name)
	if err != nil {
		return nil, err
	}

	now := m.now()
	g := &model.SessionGroup{
		ID:          model.NewID(),
		Slug:        slug,
		Name:        name,
		Description: in.Description,
		Status:      model.GroupCreated,
		Sessions:    sessions,
		Config:      cfg,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.repo.Create(ctx, g); err != nil {
		return nil, err
	}
	m.logger.WithGroup(g.ID).Info("group created", "slug", g.Slug, "sessions", len(g.Sessions))
	return g, nil
}

func (m *Manager) uniqueSlug(ctx context.Context, name string) (string, error) {
	var lookupErr error
	slug := model.UniqueSlug(model.Slugify(name), func(s string) bool {
		if lookupErr != nil {
			return false
		}
		taken, err := m.repo.SlugTaken(ctx, s)
		if err != nil {
			lookupErr = err
		}
		return taken
	})
	if lookupErr != nil {
		return "", lookupErr
	}
	return slug, nil
}

// Get returns the group with the given id or slug.
func (m *Manager) Get(ctx context.Context, idOrSlug string) (*model.SessionGroup, error) {
	g, err := m.repo.FindByID(ctx, idOrSlug)
	if err == nil || !errors.IsNotFound(err) {
		return g, err
	}
	return m.repo.FindBySlug(ctx, idOrSlug)
}

// resolveID maps a slug to an id; ids pass through.
func (m *Manager) resolveID(ctx context.Context, idOrSlug string) (string, error) {
	if m.repo.Exists(idOrSlug) {
		return idOrSlug, nil
	}
	g, err := m.repo.FindBySlug(ctx, idOrSlug)
	if err != nil {
		return "", err
	}
	return g.ID, nil
}

// List returns groups matching f.
func (m *Manager) List(ctx context.Context, f repository.GroupFilter) ([]*model.SessionGroup, error) {
	return m.repo.ListFiltered(ctx, f)
}

func immutable(g *model.SessionGroup, action string) error {
	if g.Status.IsTerminal() {
		return errors.NewGroupError("cannot "+action+" a finished group", errors.ErrInvalidTransition).
			WithGroupID(g.ID).WithStatus(string(g.Status))
	}
	return nil
}

// AddSession appends a session and re-validates the dependency graph.
func (m *Manager) AddSession(ctx context.Context, idOrSlug string, in SessionInput) (*model.SessionGroup, error) {
	id, err := m.resolveID(ctx, idOrSlug)
	if err != nil {
		return nil, err
	}
	s, err := newSession(in)
	if err != nil {
		return nil, err
	}
	g, err := m.repo.Update(ctx, id, func(g *model.SessionGroup) error {
		if err := immutable(g, "add sessions to"); err != nil {
			return err
		}
		next := append(append([]model.GroupSession{}, g.Sessions...), s)
		if err := model.ValidateSessions(next); err != nil {
			return err
		}
		g.Sessions = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.WithGroup(id).Debug("session added", "session_id", s.ID)
	return g, nil
}

// RemoveSession deletes a session nothing depends on and that is not active.
func (m *Manager) RemoveSession(ctx context.Context, idOrSlug, sessionID string) (*model.SessionGroup, error) {
	id, err := m.resolveID(ctx, idOrSlug)
	if err != nil {
		return nil, err
	}
	g, err := m.repo.Update(ctx, id, func(g *model.SessionGroup) error {
		if err := immutable(g, "remove sessions from"); err != nil {
			return err
		}
		s := g.Session(sessionID)
		if s == nil {
			return errors.NewNotFoundError("session", sessionID)
		}
		if s.Status == model.SessionActive {
			return errors.NewGroupError("cannot remove an active session", errors.ErrInvalidTransition).
				WithGroupID(id).WithSessionID(sessionID)
		}
		if deps := g.Dependents(sessionID); len(deps) > 0 {
			return errors.NewValidationError("session is a dependency of: " + strings.Join(deps, ", ")).
				WithField("sessionId").WithValue(sessionID)
		}
		kept := g.Sessions[:0]
		for _, other := range g.Sessions {
			if other.ID != sessionID {
				kept = append(kept, other)
			}
		}
		g.Sessions = kept
		g.RecomputeTotalCost()
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.WithGroup(id).Debug("session removed", "session_id", sessionID)
	return g, nil
}

// UpdateConfig applies u to a group's config after validating the result.
func (m *Manager) UpdateConfig(ctx context.Context, idOrSlug string, u ConfigInput) (*model.SessionGroup, error) {
	id, err := m.resolveID(ctx, idOrSlug)
	if err != nil {
		return nil, err
	}
	return m.repo.Update(ctx, id, func(g *model.SessionGroup) error {
		if err := immutable(g, "reconfigure"); err != nil {
			return err
		}
		c := u.Apply(g.Config)
		if err := ValidateConfig(c); err != nil {
			return err
		}
		g.Config = c
		return nil
	})
}

// Pause stops a running group from starting new sessions. In-flight
// sessions finish.
func (m *Manager) Pause(ctx context.Context, idOrSlug, reason string) (*model.SessionGroup, error) {
	id, err := m.resolveID(ctx, idOrSlug)
	if err != nil {
		return nil, err
	}
	g, err := m.repo.Update(ctx, id, func(g *model.SessionGroup) error {
		if g.Status != model.GroupRunning {
			return errors.NewGroupError("only a running group can be paused", errors.ErrInvalidTransition).
				WithGroupID(id).WithStatus(string(g.Status))
		}
		g.Status = model.GroupPaused
		g.PauseReason = strings.TrimSpace(reason)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.WithGroup(id).Info("group paused", "reason", g.PauseReason)
	return g, nil
}

// Stop ends a running or paused group: sessions that have not started are
// skipped and the group fails.
func (m *Manager) Stop(ctx context.Context, idOrSlug string) (*model.SessionGroup, error) {
	id, err := m.resolveID(ctx, idOrSlug)
	if err != nil {
		return nil, err
	}
	g, err := m.repo.Update(ctx, id, func(g *model.SessionGroup) error {
		if g.Status != model.GroupRunning && g.Status != model.GroupPaused {
			return errors.NewGroupError("only a running or paused group can be stopped", errors.ErrInvalidTransition).
				WithGroupID(id).WithStatus(string(g.Status))
		}
		now := m.now()
		skipPending(g, now)
		g.Status = model.GroupFailed
		g.PauseReason = ""
		g.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.WithGroup(id).Info("group stopped")
	return g, nil
}

// Archive hides a finished group from default listings.
func (m *Manager) Archive(ctx context.Context, idOrSlug string) (*model.SessionGroup, error) {
	id, err := m.resolveID(ctx, idOrSlug)
	if err != nil {
		return nil, err
	}
	g, err := m.repo.Update(ctx, id, func(g *model.SessionGroup) error {
		if g.Status != model.GroupCompleted && g.Status != model.GroupFailed {
			return errors.NewGroupError("only a completed or failed group can be archived", errors.ErrInvalidTransition).
				WithGroupID(id).WithStatus(string(g.Status))
		}
		g.Status = model.GroupArchived
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.WithGroup(id).Info("group archived")
	return g, nil
}

// Delete removes a group. A running group cannot be deleted.
func (m *Manager) Delete(ctx context.Context, idOrSlug string) error {
	id, err := m.resolveID(ctx, idOrSlug)
	if err != nil {
		return err
	}
	err = m.repo.DeleteIf(ctx, id, func(g *model.SessionGroup) error {
		if g.Status == model.GroupRunning {
			return errors.NewGroupError("cannot delete a running group; pause or stop it first", errors.ErrInvalidTransition).
				WithGroupID(id).WithStatus(string(g.Status))
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.WithGroup(id).Info("group deleted")
	return nil
}

// Progress returns session counts for g.
func (m *Manager) Progress(g *model.SessionGroup) model.GroupProgress {
	return g.Progress()
}

// skipPending marks every pending session skipped.
func skipPending(g *model.SessionGroup, now time.Time) []string {
	var skipped []string
	for i := range g.Sessions {
		if g.Sessions[i].Status == model.SessionPending {
			g.Sessions[i].Status = model.SessionSkipped
			g.Sessions[i].CompletedAt = &now
			skipped = append(skipped, g.Sessions[i].ID)
		}
	}
	return skipped
}

package repository

import (
	"cmp"
	"context"
	"path/filepath"
	"slices"
	"strings"

	"github.com/Iron-Ham/ccorch/internal/errors"
	"github.com/Iron-Ham/ccorch/internal/filelock"
	"github.com/Iron-Ham/ccorch/internal/model"
)

// GroupsDir is the metadata subdirectory holding group records.
const GroupsDir = "groups"

// GroupFilter narrows ListFiltered results. Archived groups are hidden
// unless IncludeArchived is set or Status asks for them.
type GroupFilter struct {
	Status          model.GroupStatus
	IncludeArchived bool
	SortBy          string
	Ascending       bool
}

// GroupRepository stores SessionGroups under metadata/groups.
type GroupRepository struct {
	*Store[model.SessionGroup, *model.SessionGroup]
}

// NewGroupRepository creates a repository rooted at metadataDir/groups.
func NewGroupRepository(metadataDir string, locks *filelock.Service, opts ...Option) (*GroupRepository, error) {
	s, err := NewStore[model.SessionGroup](filepath.Join(metadataDir, GroupsDir), "group", locks, opts...)
	if err != nil {
		return nil, err
	}
	return &GroupRepository{Store: s}, nil
}

// ListFiltered returns groups matching f, newest first unless f says
// otherwise.
func (r *GroupRepository) ListFiltered(ctx context.Context, f GroupFilter) ([]*model.SessionGroup, error) {
	if err := validSortField(f.SortBy); err != nil {
		return nil, err
	}
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	out := all[:0]
	for _, g := range all {
		if f.Status != "" && g.Status != f.Status {
			continue
		}
		if f.Status == "" && !f.IncludeArchived && g.Status == model.GroupArchived {
			continue
		}
		out = append(out, g)
	}

	slices.SortStableFunc(out, func(a, b *model.SessionGroup) int {
		var c int
		switch f.SortBy {
		case SortUpdatedAt:
			c = a.UpdatedAt.Compare(b.UpdatedAt)
		case SortName:
			c = strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
		default:
			c = a.CreatedAt.Compare(b.CreatedAt)
		}
		if c == 0 {
			c = cmp.Compare(a.ID, b.ID)
		}
		return sortDirection(c, f.Ascending)
	})
	return out, nil
}

// FindBySlug returns the group whose slug matches.
func (r *GroupRepository) FindBySlug(ctx context.Context, slug string) (*model.SessionGroup, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, g := range all {
		if g.Slug == slug {
			return g, nil
		}
	}
	return nil, errors.NewNotFoundError("group", slug)
}

// SlugTaken reports whether any stored group uses slug.
func (r *GroupRepository) SlugTaken(ctx context.Context, slug string) (bool, error) {
	_, err := r.FindBySlug(ctx, slug)
	if err == nil {
		return true, nil
	}
	if errors.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// UpdateSession applies fn to one session of a group under the group's lock.
func (r *GroupRepository) UpdateSession(ctx context.Context, groupID, sessionID string, fn func(g *model.SessionGroup, s *model.GroupSession) error) (*model.SessionGroup, error) {
	return UpdateItem(ctx, r.Store, groupID, sessionID, "session",
		func(g *model.SessionGroup) []model.GroupSession { return g.Sessions },
		fn)
}

package repository

import (
	"cmp"
	"context"
	"path/filepath"
	"slices"
	"strings"

	"github.com/Iron-Ham/ccorch/internal/filelock"
	"github.com/Iron-Ham/ccorch/internal/model"
)

// QueuesDir is the metadata subdirectory holding queue records.
const QueuesDir = "queues"

// QueueFilter narrows ListFiltered results. Zero values match everything.
type QueueFilter struct {
	Status      model.QueueStatus
	ProjectPath string
	SortBy      string
	Ascending   bool
}

// QueueRepository stores CommandQueues under metadata/queues.
type QueueRepository struct {
	*Store[model.CommandQueue, *model.CommandQueue]
}

// NewQueueRepository creates a repository rooted at metadataDir/queues.
func NewQueueRepository(metadataDir string, locks *filelock.Service, opts ...Option) (*QueueRepository, error) {
	s, err := NewStore[model.CommandQueue](filepath.Join(metadataDir, QueuesDir), "queue", locks, opts...)
	if err != nil {
		return nil, err
	}
	return &QueueRepository{Store: s}, nil
}

// ListFiltered returns queues matching f, newest first unless f says
// otherwise.
func (r *QueueRepository) ListFiltered(ctx context.Context, f QueueFilter) ([]*model.CommandQueue, error) {
	if err := validSortField(f.SortBy); err != nil {
		return nil, err
	}
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	want := filepath.Clean(f.ProjectPath)
	out := all[:0]
	for _, q := range all {
		if f.Status != "" && q.Status != f.Status {
			continue
		}
		if f.ProjectPath != "" && filepath.Clean(q.ProjectPath) != want {
			continue
		}
		out = append(out, q)
	}

	slices.SortStableFunc(out, func(a, b *model.CommandQueue) int {
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

// UpdateCommand applies fn to one command of a queue under the queue's lock.
func (r *QueueRepository) UpdateCommand(ctx context.Context, queueID, commandID string, fn func(q *model.CommandQueue, c *model.QueueCommand) error) (*model.CommandQueue, error) {
	return UpdateItem(ctx, r.Store, queueID, commandID, "command",
		func(q *model.CommandQueue) []model.QueueCommand { return q.Commands },
		fn)
}

// Package repository persists entities as one JSON file per entity. Reads
// are unlocked and rely on atomic writes for consistency; every mutation is a
// read-modify-write performed under the entity's advisory lock.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Iron-Ham/ccorch/internal/atomicfile"
	"github.com/Iron-Ham/ccorch/internal/errors"
	"github.com/Iron-Ham/ccorch/internal/filelock"
	"github.com/Iron-Ham/ccorch/internal/logging"
)

// Entity is a top-level persisted record.
type Entity interface {
	GetID() string
	Touch(now time.Time)
}

// EntityPtr constrains P to be *T implementing Entity, so a Store can
// allocate values while decoding.
type EntityPtr[T any] interface {
	*T
	Entity
}

// Item is a sub-record addressable by id inside its parent entity.
type Item interface {
	GetID() string
}

// ItemPtr constrains IP to be *I implementing Item.
type ItemPtr[I any] interface {
	*I
	Item
}

// -----------------------------------------------------------------------------
// Store - Generic File-Per-Entity Storage
// -----------------------------------------------------------------------------

// Store keeps entities of one kind under a directory as <id>.json.
type Store[T any, P EntityPtr[T]] struct {
	dir    string
	kind   string
	locks  *filelock.Service
	logger *logging.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*storeOptions)

type storeOptions struct {
	logger *logging.Logger
	now    func() time.Time
}

// WithLogger sets the store's logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *storeOptions) {
		o.logger = l
	}
}

// WithClock replaces time.Now for updatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(o *storeOptions) {
		o.now = now
	}
}

// NewStore creates a Store rooted at dir, creating the directory if needed.
// kind names the entity in errors and logs.
func NewStore[T any, P EntityPtr[T]](dir, kind string, locks *filelock.Service, opts ...Option) (*Store[T, P], error) {
	o := storeOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if err := os.MkdirAll(dir, atomicfile.DirMode); err != nil {
		return nil, errors.NewPersistenceError("create directory", dir, err)
	}
	return &Store[T, P]{
		dir:    dir,
		kind:   kind,
		locks:  locks,
		logger: logging.OrNop(o.logger).WithComponent(kind + "-repository"),
		now:    o.now,
	}, nil
}

// Dir returns the directory holding the entity files.
func (s *Store[T, P]) Dir() string {
	return s.dir
}

// Path returns the file path for id.
func (s *Store[T, P]) Path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// RunSuffix is appended to an entity's path to form the resource guarded by
// its run-ownership lock.
const RunSuffix = ".run"

func (s *Store[T, P]) runPath(id string) string {
	return s.Path(id) + RunSuffix
}

// ClaimRun takes exclusive run ownership of entity id for the life of the
// returned handle. The claim is not age-limited: it lapses only when released
// or when its holder process has exited. A claim held by a live process fails
// at once with a lock contention error.
func (s *Store[T, P]) ClaimRun(ctx context.Context, id string) (*filelock.Handle, error) {
	if err := s.checkID(id); err != nil {
		return nil, err
	}
	h, err := s.locks.Acquire(ctx, s.runPath(id), filelock.WithoutExpiry(), filelock.WithMaxRetries(0))
	if err != nil {
		return nil, err
	}
	s.logger.Debug("run claimed", "id", id)
	return h, nil
}

func (s *Store[T, P]) checkID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return errors.NewValidationError("invalid " + s.kind + " id").WithField("id").WithValue(id)
	}
	return nil
}

// FindByID loads the entity with the given id without locking. A missing
// file yields a *errors.NotFoundError.
func (s *Store[T, P]) FindByID(ctx context.Context, id string) (P, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.checkID(id); err != nil {
		return nil, errors.NewNotFoundError(s.kind, id)
	}
	return s.read(id)
}

func (s *Store[T, P]) read(id string) (P, error) {
	path := s.Path(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError(s.kind, id)
		}
		return nil, errors.NewPersistenceError("read", path, err)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, errors.NewPersistenceError("decode", path, err)
	}
	return P(&v), nil
}

// Exists reports whether an entity file exists for id.
func (s *Store[T, P]) Exists(id string) bool {
	if s.checkID(id) != nil {
		return false
	}
	_, err := os.Stat(s.Path(id))
	return err == nil
}

// List loads every entity in the directory. Files that cannot be decoded are
// logged and skipped.
func (s *Store[T, P]) List(ctx context.Context) ([]P, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewPersistenceError("list", s.dir, err)
	}

	var out []P
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		v, err := s.read(id)
		if err != nil {
			if errors.IsNotFound(err) {
				// Deleted between ReadDir and ReadFile.
				continue
			}
			s.logger.Warn("skipping unreadable record", "id", id, "error", err)
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// Create persists a new entity. It fails with *errors.AlreadyExistsError if
// a record with the same id is present.
func (s *Store[T, P]) Create(ctx context.Context, v P) error {
	id := v.GetID()
	if err := s.checkID(id); err != nil {
		return err
	}
	path := s.Path(id)
	return s.locks.WithLock(ctx, path, func() error {
		if _, err := os.Stat(path); err == nil {
			return errors.NewAlreadyExistsError(s.kind, id)
		} else if !os.IsNotExist(err) {
			return errors.NewPersistenceError("stat", path, err)
		}
		if err := atomicfile.WriteJSON(path, v); err != nil {
			return err
		}
		s.logger.Debug("record created", "id", id)
		return nil
	})
}

// Update applies fn to the current on-disk record under the entity's lock
// and persists the result with a fresh updatedAt. If fn returns an error
// nothing is written and the error is returned unchanged.
func (s *Store[T, P]) Update(ctx context.Context, id string, fn func(P) error) (P, error) {
	if err := s.checkID(id); err != nil {
		return nil, errors.NewNotFoundError(s.kind, id)
	}
	path := s.Path(id)
	return filelock.Locked(ctx, s.locks, path, func() (P, error) {
		current, err := s.read(id)
		if err != nil {
			return nil, err
		}
		if err := fn(current); err != nil {
			return nil, err
		}
		current.Touch(s.now())
		if err := atomicfile.WriteJSON(path, current); err != nil {
			return nil, err
		}
		return current, nil
	})
}

// Delete removes the entity's record under its lock.
func (s *Store[T, P]) Delete(ctx context.Context, id string) error {
	return s.DeleteIf(ctx, id, nil)
}

// DeleteIf removes the entity's record under its lock once guard accepts the
// current record. A guard error aborts the delete and is returned unchanged.
func (s *Store[T, P]) DeleteIf(ctx context.Context, id string, guard func(P) error) error {
	if err := s.checkID(id); err != nil {
		return errors.NewNotFoundError(s.kind, id)
	}
	path := s.Path(id)
	return s.locks.WithLock(ctx, path, func() error {
		if guard != nil {
			current, err := s.read(id)
			if err != nil {
				return err
			}
			if err := guard(current); err != nil {
				return err
			}
		}
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				return errors.NewNotFoundError(s.kind, id)
			}
			return errors.NewPersistenceError("delete", path, err)
		}
		s.logger.Debug("record deleted", "id", id)
		return nil
	})
}

// UpdateItem locates the sub-record itemID inside entity id and applies fn to
// it under the entity's lock. items selects the parent's item slice; kind
// names the item in the not-found error.
func UpdateItem[T any, P EntityPtr[T], I any, IP ItemPtr[I]](
	ctx context.Context,
	s *Store[T, P],
	id, itemID, kind string,
	items func(P) []I,
	fn func(parent P, item IP) error,
) (P, error) {
	return s.Update(ctx, id, func(parent P) error {
		list := items(parent)
		for i := range list {
			item := IP(&list[i])
			if item.GetID() == itemID {
				return fn(parent, item)
			}
		}
		return errors.NewNotFoundError(kind, itemID)
	})
}

func sortDirection(cmp int, ascending bool) int {
	if ascending {
		return cmp
	}
	return -cmp
}

func validSortField(field string) error {
	switch field {
	case "", SortCreatedAt, SortUpdatedAt, SortName:
		return nil
	}
	return errors.NewValidationError(fmt.Sprintf("unknown sort field %q", field)).WithField("sortBy")
}

// Sort fields accepted by ListFiltered.
const (
	SortCreatedAt = "createdAt"
	SortUpdatedAt = "updatedAt"
	SortName      = "name"
)

package filelock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/ccorch/internal/errors"
	"github.com/Iron-Ham/ccorch/internal/logging"
)

// errContended marks an attempt that lost to another live holder.
var errContended = errors.New("lock contended")

// errCorrupt marks a lock file whose content cannot be decoded.
var errCorrupt = errors.New("corrupt lock file")

// Service acquires and inspects advisory locks.
type Service struct {
	opts     Options
	liveness LivenessChecker
	logger   *logging.Logger
	pid      int
	hostname string
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	readInfo func(lockPath string) (*LockInfo, error)
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLiveness replaces the process liveness oracle.
func WithLiveness(c LivenessChecker) ServiceOption {
	return func(s *Service) {
		s.liveness = c
	}
}

// WithLogger sets the logger used for reclaim and release diagnostics.
func WithLogger(l *logging.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = l
	}
}

// WithClock replaces time.Now, used for lock ages and timeouts.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a Service with the given default options.
func NewService(opts Options, options ...ServiceOption) *Service {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}

	s := &Service{
		opts:     opts,
		pid:      os.Getpid(),
		hostname: hostname,
		now:      time.Now,
		sleep:    sleepContext,
		readInfo: readLockInfo,
	}
	for _, o := range options {
		o(s)
	}
	if s.liveness == nil {
		s.liveness = &ProcessChecker{Hostname: hostname}
	}
	s.logger = logging.OrNop(s.logger).WithComponent("lock")
	return s
}

// Options returns the service's default acquisition options.
func (s *Service) Options() Options {
	return s.opts
}

// Acquire blocks until the lock on resourcePath is obtained, the retry budget
// or timeout is exhausted (LockError), a fatal filesystem error occurs
// (PersistenceError), or ctx is done.
func (s *Service) Acquire(ctx context.Context, resourcePath string, opts ...AcquireOption) (*Handle, error) {
	o := s.opts
	for _, opt := range opts {
		opt(&o)
	}

	lockPath := LockPath(resourcePath)
	start := s.now()
	attempt := 0
	var holder *LockInfo

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		handle, err := s.tryCreate(resourcePath, lockPath, o.NoExpiry)
		if err == nil {
			s.logger.Debug("lock acquired", "path", resourcePath, "attempts", attempt)
			return handle, nil
		}
		if !errors.Is(err, errContended) {
			return nil, err
		}

		existing, readErr := readLockInfo(lockPath)
		switch {
		case readErr == nil:
			if reason := s.staleReason(existing); reason != "" {
				if err := s.reclaim(lockPath, existing, reason); err != nil {
					return nil, err
				}
				if s.now().Sub(start) >= o.Timeout {
					return nil, s.contentionError(resourcePath, errors.LockReasonTimeout, existing, attempt, start)
				}
				continue
			}
			holder = existing
		case os.IsNotExist(readErr):
			// Released between our create attempt and the read.
			if s.now().Sub(start) >= o.Timeout {
				return nil, s.contentionError(resourcePath, errors.LockReasonTimeout, nil, attempt, start)
			}
			continue
		case errors.Is(readErr, errCorrupt):
			if err := s.reclaim(lockPath, nil, "corrupt"); err != nil {
				return nil, err
			}
			if s.now().Sub(start) >= o.Timeout {
				return nil, s.contentionError(resourcePath, errors.LockReasonTimeout, nil, attempt, start)
			}
			continue
		default:
			return nil, errors.NewPersistenceError("read lock", lockPath, readErr)
		}

		elapsed := s.now().Sub(start)
		if elapsed >= o.Timeout {
			return nil, s.contentionError(resourcePath, errors.LockReasonTimeout, holder, attempt, start)
		}
		if attempt >= o.MaxRetries {
			return nil, s.contentionError(resourcePath, errors.LockReasonLocked, holder, attempt, start)
		}

		delay := backoff(o.RetryInterval, attempt, o.Timeout-elapsed)
		if err := s.sleep(ctx, delay); err != nil {
			return nil, err
		}
		attempt++
	}
}

// backoff returns base × 2^attempt, never more than remaining.
func backoff(base time.Duration, attempt int, remaining time.Duration) time.Duration {
	delay := base
	for i := 0; i < attempt && delay < remaining; i++ {
		delay *= 2
	}
	if delay > remaining {
		delay = remaining
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

func (s *Service) contentionError(path string, reason errors.LockReason, holder *LockInfo, attempts int, start time.Time) error {
	err := errors.NewLockError(path, reason).WithAttempts(attempts, s.now().Sub(start))
	if holder != nil {
		err = err.WithHolder(holder.PID, holder.Hostname)
	}
	s.logger.Debug("lock not acquired", "path", path, "reason", string(reason), "attempts", attempts)
	return err
}

// tryCreate makes one attempt to materialize the lock file. It returns
// errContended when another holder's file is in place.
func (s *Service) tryCreate(resourcePath, lockPath string, noExpiry bool) (*Handle, error) {
	info := &LockInfo{
		HolderID:   generateHolderID(),
		PID:        s.pid,
		Hostname:   s.hostname,
		AcquiredAt: s.now(),
		NoExpiry:   noExpiry,
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock info: %w", err)
	}

	dir := filepath.Dir(lockPath)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(lockPath)+".tmp-*")
	if err != nil {
		return nil, errors.NewPersistenceError("create lock", lockPath, err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return nil, errors.NewPersistenceError("write lock", lockPath, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, errors.NewPersistenceError("write lock", lockPath, err)
	}

	if err := os.Link(tmpPath, lockPath); err != nil {
		if os.IsExist(err) {
			return nil, errContended
		}
		return nil, errors.NewPersistenceError("create lock", lockPath, err)
	}

	persisted, err := s.readInfo(lockPath)
	if err != nil {
		// The file linked above is ours unless another acquirer replaced it.
		// Leave no record of ours behind before reporting contention.
		if err := s.removeOwn(lockPath, info.HolderID); err != nil {
			return nil, err
		}
		return nil, errContended
	}
	if persisted.HolderID != info.HolderID {
		return nil, errContended
	}

	return &Handle{
		info:         *info,
		resourcePath: resourcePath,
		lockPath:     lockPath,
		logger:       s.logger,
	}, nil
}

// removeOwn deletes lockPath unless it now carries another holder's record.
func (s *Service) removeOwn(lockPath, holderID string) error {
	current, err := readLockInfo(lockPath)
	if err == nil && current.HolderID != holderID {
		return nil
	}
	if os.IsNotExist(err) {
		return nil
	}
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return errors.NewPersistenceError("remove lock", lockPath, err)
	}
	s.logger.Debug("own lock record removed after failed read-back", "path", lockPath)
	return nil
}

// staleReason returns why info is stale, or "" when the holder is live.
func (s *Service) staleReason(info *LockInfo) string {
	if !s.liveness.IsAlive(info.PID, info.Hostname) {
		return "holder not running"
	}
	if !info.NoExpiry && info.Age(s.now()) > s.opts.StaleAfter {
		return "expired"
	}
	return ""
}

func (s *Service) reclaim(lockPath string, info *LockInfo, reason string) error {
	if info != nil {
		// Another acquirer may have reclaimed and re-created it already.
		current, err := readLockInfo(lockPath)
		if err == nil && current.HolderID != info.HolderID {
			return nil
		}
	}
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return errors.NewPersistenceError("remove stale lock", lockPath, err)
	}
	if info != nil {
		s.logger.Warn("stale lock reclaimed", "path", lockPath, "reason", reason, "old_pid", info.PID, "old_host", info.Hostname)
	} else {
		s.logger.Warn("stale lock reclaimed", "path", lockPath, "reason", reason)
	}
	return nil
}

// WithLock runs fn while holding the lock on resourcePath. The lock is
// released on every exit path, including a panic in fn.
func (s *Service) WithLock(ctx context.Context, resourcePath string, fn func() error, opts ...AcquireOption) error {
	_, err := Locked(ctx, s, resourcePath, func() (struct{}, error) {
		return struct{}{}, fn()
	}, opts...)
	return err
}

// Locked runs fn while holding the lock on resourcePath and returns its
// result. The lock is released on every exit path.
func Locked[T any](ctx context.Context, s *Service, resourcePath string, fn func() (T, error), opts ...AcquireOption) (T, error) {
	var zero T
	h, err := s.Acquire(ctx, resourcePath, opts...)
	if err != nil {
		return zero, err
	}
	defer func() {
		if relErr := h.Release(); relErr != nil {
			s.logger.Warn("lock release failed", "path", resourcePath, "error", relErr)
		}
	}()
	return fn()
}

// IsLocked reports whether a non-stale lock currently guards resourcePath.
func (s *Service) IsLocked(resourcePath string) (bool, error) {
	info, err := readLockInfo(LockPath(resourcePath))
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, errCorrupt) {
			return false, nil
		}
		return false, errors.NewPersistenceError("read lock", LockPath(resourcePath), err)
	}
	return s.staleReason(info) == "", nil
}

// Inspect returns the holder record for resourcePath, or a NotFoundError when
// it is not locked.
func (s *Service) Inspect(resourcePath string) (*LockInfo, error) {
	info, err := readLockInfo(LockPath(resourcePath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError("lock", resourcePath)
		}
		return nil, err
	}
	return info, nil
}

// CleanStale removes stale or corrupt lock files directly inside dir and
// returns how many were removed.
func (s *Service) CleanStale(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read directory: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), LockSuffix) {
			continue
		}
		lockPath := filepath.Join(dir, entry.Name())
		info, err := readLockInfo(lockPath)
		reason := ""
		switch {
		case err == nil:
			reason = s.staleReason(info)
		case errors.Is(err, errCorrupt):
			reason = "corrupt"
		default:
			continue
		}
		if reason == "" {
			continue
		}
		if err := s.reclaim(lockPath, info, reason); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// readLockInfo decodes a lock file. Decode failures (including an empty file)
// are reported as errCorrupt; filesystem errors are returned unchanged.
func readLockInfo(lockPath string) (*LockInfo, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	if info.HolderID == "" {
		return nil, fmt.Errorf("%w: missing holder id", errCorrupt)
	}
	return &info, nil
}

// generateHolderID generates a unique identifier for lock holders.
func generateHolderID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d-%d", os.Getpid(), time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Handle is an acquired lock. Release it exactly once; extra calls are no-ops.
type Handle struct {
	info         LockInfo
	resourcePath string
	lockPath     string
	logger       *logging.Logger

	mu       sync.Mutex
	released bool
}

// Info returns the holder record written for this acquisition.
func (h *Handle) Info() LockInfo {
	return h.info
}

// Path returns the guarded resource path.
func (h *Handle) Path() string {
	return h.resourcePath
}

// Release deletes the lock file if this handle still owns it. It tolerates the
// file being gone and returns ErrLockNotHeld when another holder has since
// reclaimed the lock.
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return nil
	}
	h.released = true

	existing, err := readLockInfo(h.lockPath)
	if err != nil {
		return nil
	}
	if existing.HolderID != h.info.HolderID {
		return errors.ErrLockNotHeld
	}

	if err := os.Remove(h.lockPath); err != nil && !os.IsNotExist(err) {
		return errors.NewPersistenceError("release lock", h.lockPath, err)
	}
	h.logger.Debug("lock released", "path", h.resourcePath)
	return nil
}

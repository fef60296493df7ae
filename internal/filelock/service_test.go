package filelock

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Iron-Ham/ccorch/internal/errors"
)

func alwaysAlive(int, string) bool { return true }

func newTestService(opts ...ServiceOption) *Service {
	o := Options{
		Timeout:       2 * time.Second,
		RetryInterval: 5 * time.Millisecond,
		MaxRetries:    20,
		StaleAfter:    DefaultStaleAfter,
	}
	return NewService(o, append([]ServiceOption{WithLiveness(LivenessFunc(alwaysAlive))}, opts...)...)
}

func writeLockRecord(t *testing.T, resource string, info LockInfo) {
	t.Helper()
	data, err := json.Marshal(info)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(LockPath(resource), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestAcquireRelease(t *testing.T) {
	dir := t.TempDir()
	resource := filepath.Join(dir, "queue.json")
	svc := newTestService()

	h, err := svc.Acquire(context.Background(), resource)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	info, err := svc.Inspect(resource)
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if info.HolderID != h.Info().HolderID {
		t.Errorf("persisted holder = %q, want %q", info.HolderID, h.Info().HolderID)
	}
	if info.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", info.PID, os.Getpid())
	}

	locked, err := svc.IsLocked(resource)
	if err != nil || !locked {
		t.Errorf("IsLocked() = %v, %v; want true", locked, err)
	}

	if err := h.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(LockPath(resource)); !os.IsNotExist(err) {
		t.Error("lock file should be removed after release")
	}

	// Second release is a no-op.
	if err := h.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
}

func TestAcquire_MutualExclusion(t *testing.T) {
	dir := t.TempDir()
	resource := filepath.Join(dir, "group.json")
	svc := newTestService()

	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	const workers = 8
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := svc.WithLock(context.Background(), resource, func() error {
				n := inside.Add(1)
				for {
					m := maxSeen.Load()
					if n <= m || maxSeen.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				inside.Add(-1)
				return nil
			}, WithTimeout(10*time.Second), WithMaxRetries(1000), WithRetryInterval(time.Millisecond))
			if err != nil {
				t.Errorf("WithLock() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := maxSeen.Load(); got != 1 {
		t.Errorf("max concurrent holders = %d, want 1", got)
	}
}

func TestAcquire_ReclaimsStale(t *testing.T) {
	tests := []struct {
		name     string
		info     LockInfo
		liveness LivenessFunc
	}{
		{
			name:     "dead holder",
			info:     LockInfo{HolderID: "old", PID: 99999, Hostname: "here", AcquiredAt: time.Now()},
			liveness: func(int, string) bool { return false },
		},
		{
			name:     "expired holder",
			info:     LockInfo{HolderID: "old", PID: 1, Hostname: "here", AcquiredAt: time.Now().Add(-time.Hour)},
			liveness: alwaysAlive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			resource := filepath.Join(dir, "q.json")
			writeLockRecord(t, resource, tt.info)

			svc := newTestService(WithLiveness(tt.liveness))
			start := time.Now()
			h, err := svc.Acquire(context.Background(), resource)
			if err != nil {
				t.Fatalf("Acquire() error = %v", err)
			}
			defer func() { _ = h.Release() }()

			if elapsed := time.Since(start); elapsed > time.Second {
				t.Errorf("stale reclaim took %v, want immediate", elapsed)
			}
			if h.Info().HolderID == "old" {
				t.Error("expected a fresh holder id")
			}
		})
	}
}

func TestAcquire_ReadBackFailureRemovesOwnRecord(t *testing.T) {
	t.Run("transient", func(t *testing.T) {
		resource := filepath.Join(t.TempDir(), "q.json")
		svc := newTestService()
		var failed atomic.Bool
		svc.readInfo = func(lockPath string) (*LockInfo, error) {
			if failed.CompareAndSwap(false, true) {
				return nil, os.ErrPermission
			}
			return readLockInfo(lockPath)
		}

		start := time.Now()
		h, err := svc.Acquire(context.Background(), resource)
		if err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		defer func() { _ = h.Release() }()
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("Acquire() took %v after a failed read-back, want immediate", elapsed)
		}
		info, err := svc.Inspect(resource)
		if err != nil {
			t.Fatal(err)
		}
		if info.HolderID != h.Info().HolderID {
			t.Errorf("lock file holder = %q, want %q", info.HolderID, h.Info().HolderID)
		}
	})

	t.Run("persistent", func(t *testing.T) {
		resource := filepath.Join(t.TempDir(), "q.json")
		svc := newTestService()
		svc.readInfo = func(string) (*LockInfo, error) { return nil, os.ErrPermission }

		_, err := svc.Acquire(context.Background(), resource, WithTimeout(50*time.Millisecond))
		if !errors.IsLockContention(err) {
			t.Fatalf("Acquire() error = %v, want lock contention", err)
		}
		if _, err := os.Stat(LockPath(resource)); !os.IsNotExist(err) {
			t.Errorf("lock file left behind after failed read-back: %v", err)
		}
	})
}

func TestAcquire_WithoutExpiry(t *testing.T) {
	dir := t.TempDir()
	resource := filepath.Join(dir, "q.json.run")
	writeLockRecord(t, resource, LockInfo{
		HolderID:   "owner",
		PID:        7,
		Hostname:   "box",
		AcquiredAt: time.Now().Add(-time.Hour),
		NoExpiry:   true,
	})

	svc := newTestService()
	locked, err := svc.IsLocked(resource)
	if err != nil {
		t.Fatal(err)
	}
	if !locked {
		t.Error("an old lock with a live holder and no expiry should stay locked")
	}
	if _, err := svc.Acquire(context.Background(), resource, WithMaxRetries(0)); !errors.IsLockContention(err) {
		t.Errorf("Acquire() error = %v, want lock contention", err)
	}
	if n, err := svc.CleanStale(dir); err != nil || n != 0 {
		t.Errorf("CleanStale() = %d, %v; want 0, nil", n, err)
	}

	dead := newTestService(WithLiveness(LivenessFunc(func(int, string) bool { return false })))
	h, err := dead.Acquire(context.Background(), resource, WithoutExpiry())
	if err != nil {
		t.Fatalf("Acquire() over a dead holder error = %v", err)
	}
	defer func() { _ = h.Release() }()
	if !h.Info().NoExpiry {
		t.Error("WithoutExpiry should be recorded in the lock info")
	}
}

func TestAcquire_ReclaimsCorrupt(t *testing.T) {
	for _, content := range []string{"", "{not json", `{"pid": 5}`} {
		dir := t.TempDir()
		resource := filepath.Join(dir, "q.json")
		if err := os.WriteFile(LockPath(resource), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}

		svc := newTestService()
		h, err := svc.Acquire(context.Background(), resource)
		if err != nil {
			t.Fatalf("Acquire() with content %q error = %v", content, err)
		}
		_ = h.Release()
	}
}

func TestAcquire_Contention(t *testing.T) {
	t.Run("timeout", func(t *testing.T) {
		dir := t.TempDir()
		resource := filepath.Join(dir, "q.json")
		writeLockRecord(t, resource, LockInfo{HolderID: "other", PID: 42, Hostname: "box", AcquiredAt: time.Now()})

		svc := newTestService()
		_, err := svc.Acquire(context.Background(), resource,
			WithTimeout(30*time.Millisecond), WithMaxRetries(1000), WithRetryInterval(5*time.Millisecond))
		if !errors.Is(err, errors.ErrLockTimeout) {
			t.Fatalf("Acquire() error = %v, want ErrLockTimeout", err)
		}
		var le *errors.LockError
		if !errors.As(err, &le) {
			t.Fatal("expected *LockError")
		}
		if le.HolderPID != 42 {
			t.Errorf("HolderPID = %d, want 42", le.HolderPID)
		}
	})

	t.Run("retries exhausted", func(t *testing.T) {
		dir := t.TempDir()
		resource := filepath.Join(dir, "q.json")
		writeLockRecord(t, resource, LockInfo{HolderID: "other", PID: 42, Hostname: "box", AcquiredAt: time.Now()})

		svc := newTestService()
		_, err := svc.Acquire(context.Background(), resource,
			WithTimeout(10*time.Second), WithMaxRetries(2), WithRetryInterval(time.Millisecond))
		if !errors.Is(err, errors.ErrLocked) {
			t.Fatalf("Acquire() error = %v, want ErrLocked", err)
		}
	})

	t.Run("context canceled", func(t *testing.T) {
		dir := t.TempDir()
		resource := filepath.Join(dir, "q.json")
		writeLockRecord(t, resource, LockInfo{HolderID: "other", PID: 42, Hostname: "box", AcquiredAt: time.Now()})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		svc := newTestService()
		if _, err := svc.Acquire(ctx, resource); !errors.Is(err, context.Canceled) {
			t.Fatalf("Acquire() error = %v, want context.Canceled", err)
		}
	})
}

func TestAcquire_FilesystemErrorIsFatal(t *testing.T) {
	dir := t.TempDir()
	resource := filepath.Join(dir, "missing", "q.json")

	svc := newTestService()
	start := time.Now()
	_, err := svc.Acquire(context.Background(), resource)
	if !errors.Is(err, errors.ErrPersistence) {
		t.Fatalf("Acquire() error = %v, want persistence error", err)
	}
	if errors.IsRetryable(err) {
		t.Error("filesystem errors should not be retryable")
	}
	if time.Since(start) > time.Second {
		t.Error("filesystem errors should fail without retrying")
	}
}

func TestRelease_NotOwned(t *testing.T) {
	dir := t.TempDir()
	resource := filepath.Join(dir, "q.json")
	svc := newTestService()

	h, err := svc.Acquire(context.Background(), resource)
	if err != nil {
		t.Fatal(err)
	}

	// Another process reclaimed the lock.
	writeLockRecord(t, resource, LockInfo{HolderID: "thief", PID: 7, Hostname: "box", AcquiredAt: time.Now()})
	if err := h.Release(); !errors.Is(err, errors.ErrLockNotHeld) {
		t.Errorf("Release() error = %v, want ErrLockNotHeld", err)
	}
	if _, err := os.Stat(LockPath(resource)); err != nil {
		t.Error("a lock owned by someone else must not be removed")
	}
}

func TestRelease_FileGone(t *testing.T) {
	dir := t.TempDir()
	resource := filepath.Join(dir, "q.json")
	svc := newTestService()

	h, err := svc.Acquire(context.Background(), resource)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(LockPath(resource)); err != nil {
		t.Fatal(err)
	}
	if err := h.Release(); err != nil {
		t.Errorf("Release() error = %v, want nil", err)
	}
}

func TestWithLock_ReleasesOnError(t *testing.T) {
	dir := t.TempDir()
	resource := filepath.Join(dir, "q.json")
	svc := newTestService()

	boom := errors.New("boom")
	if err := svc.WithLock(context.Background(), resource, func() error { return boom }); !errors.Is(err, boom) {
		t.Errorf("WithLock() error = %v, want boom", err)
	}
	if locked, _ := svc.IsLocked(resource); locked {
		t.Error("lock should be released after fn error")
	}
}

func TestWithLock_ReleasesOnPanic(t *testing.T) {
	dir := t.TempDir()
	resource := filepath.Join(dir, "q.json")
	svc := newTestService()

	func() {
		defer func() { _ = recover() }()
		_ = svc.WithLock(context.Background(), resource, func() error { panic("boom") })
	}()

	if _, err := os.Stat(LockPath(resource)); !os.IsNotExist(err) {
		t.Error("lock should be released after panic")
	}
}

func TestLocked_ReturnsValue(t *testing.T) {
	dir := t.TempDir()
	resource := filepath.Join(dir, "q.json")
	svc := newTestService()

	got, err := Locked(context.Background(), svc, resource, func() (int, error) { return 7, nil })
	if err != nil || got != 7 {
		t.Errorf("Locked() = %d, %v; want 7, nil", got, err)
	}
}

func TestIsLocked_Stale(t *testing.T) {
	dir := t.TempDir()
	resource := filepath.Join(dir, "q.json")
	writeLockRecord(t, resource, LockInfo{HolderID: "old", PID: 3, Hostname: "box", AcquiredAt: time.Now()})

	svc := newTestService(WithLiveness(LivenessFunc(func(int, string) bool { return false })))
	locked, err := svc.IsLocked(resource)
	if err != nil {
		t.Fatal(err)
	}
	if locked {
		t.Error("a lock held by a dead process is not considered locked")
	}
}

func TestInspect_NotLocked(t *testing.T) {
	svc := newTestService()
	_, err := svc.Inspect(filepath.Join(t.TempDir(), "q.json"))
	if !errors.IsNotFound(err) {
		t.Errorf("Inspect() error = %v, want not found", err)
	}
}

func TestCleanStale(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	writeLockRecord(t, filepath.Join(dir, "live.json"), LockInfo{HolderID: "a", PID: 1, Hostname: "box", AcquiredAt: now})
	writeLockRecord(t, filepath.Join(dir, "old.json"), LockInfo{HolderID: "b", PID: 1, Hostname: "box", AcquiredAt: now.Add(-time.Hour)})
	if err := os.WriteFile(filepath.Join(dir, "broken.json.lock"), []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "data.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	svc := newTestService()
	removed, err := svc.CleanStale(dir)
	if err != nil {
		t.Fatalf("CleanStale() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("CleanStale() removed = %d, want 2", removed)
	}
	if _, err := os.Stat(LockPath(filepath.Join(dir, "live.json"))); err != nil {
		t.Error("live lock should remain")
	}
	if _, err := os.Stat(filepath.Join(dir, "data.json")); err != nil {
		t.Error("non-lock files must be untouched")
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt   int
		remaining time.Duration
		want      time.Duration
	}{
		{0, time.Second, 50 * time.Millisecond},
		{1, time.Second, 100 * time.Millisecond},
		{3, time.Second, 400 * time.Millisecond},
		{5, time.Second, time.Second},
		{2, 10 * time.Millisecond, 10 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := backoff(50*time.Millisecond, tt.attempt, tt.remaining); got != tt.want {
			t.Errorf("backoff(%d, %v) = %v, want %v", tt.attempt, tt.remaining, got, tt.want)
		}
	}
}

// Package filelock provides advisory, path-scoped mutual exclusion across
// ccorch processes.
//
// A lock on resourcePath is materialized as the side-file resourcePath+".lock"
// holding a JSON [LockInfo] (holder id, PID, hostname, acquisition time). The
// file's presence is the lock; releasing deletes it.
//
// # Acquisition
//
// [Service.Acquire] writes the holder record to a temporary sibling and
// hard-links it onto the lock path, then reads the lock file back to verify
// that its own holder id is the one persisted. When a lock file already exists:
//
//   - an unreadable or corrupt record is treated as stale, removed, and the
//     attempt is retried immediately;
//   - a record whose holder process is gone (per the [LivenessChecker]) or
//     whose age exceeds the stale threshold is removed and retried immediately;
//   - otherwise the caller backs off for RetryInterval × 2^attempt, capped so the
//     total wait never exceeds Timeout, and gives up with a LockError whose
//     Reason is "locked" after MaxRetries waits or "timeout" once Timeout has
//     elapsed.
//
// Filesystem errors such as a missing parent directory, a read-only filesystem
// or permission denied are returned immediately as persistence errors.
//
// # Basic Usage
//
//	svc := filelock.NewService(filelock.DefaultOptions(), filelock.WithLogger(logger))
//
//	err := svc.WithLock(ctx, queuePath, func() error {
//	    // read-modify-write queuePath
//	    return nil
//	})
//
//	updated, err := filelock.Locked(ctx, svc, queuePath, func() (*model.CommandQueue, error) {
//	    ...
//	})
//
// # Thread Safety
//
// A [Service] is safe for concurrent use. Goroutines within one process
// contend exactly like separate processes because every acquisition carries
// its own random holder id.
package filelock

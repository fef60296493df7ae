package filelock

import (
	"time"
)

// LockSuffix is appended to a resource path to form its lock side-file.
const LockSuffix = ".lock"

// DefaultStaleAfter is the lock age after which a lock is reclaimed even if
// its holder appears to be alive.
const DefaultStaleAfter = 5 * time.Minute

// LockInfo is the holder record persisted in a lock side-file.
type LockInfo struct {
	HolderID   string    `json:"holderId"`
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquiredAt"`
	// NoExpiry marks a lock that is reclaimed only once its holder has
	// exited, whatever its age.
	NoExpiry bool `json:"noExpiry,omitempty"`
}

// Age returns how long ago the lock was acquired relative to now.
func (li *LockInfo) Age(now time.Time) time.Duration {
	return now.Sub(li.AcquiredAt)
}

// Options tune acquisition behavior.
type Options struct {
	// Timeout bounds total time spent acquiring.
	Timeout time.Duration
	// RetryInterval is the base backoff; attempt n waits RetryInterval × 2^n.
	RetryInterval time.Duration
	// MaxRetries is the number of backoff waits before giving up as "locked".
	MaxRetries int
	// StaleAfter is the age at which a lock is considered abandoned.
	StaleAfter time.Duration
	// NoExpiry records the lock as exempt from StaleAfter. Use it for locks
	// held for the lifetime of a long-running owner.
	NoExpiry bool
}

// DefaultOptions returns the acquisition settings used when config does not
// override them.
func DefaultOptions() Options {
	return Options{
		Timeout:       10 * time.Second,
		RetryInterval: 50 * time.Millisecond,
		MaxRetries:    10,
		StaleAfter:    DefaultStaleAfter,
	}
}

// AcquireOption overrides Options for a single acquisition.
type AcquireOption func(*Options)

// WithTimeout overrides the acquisition timeout.
func WithTimeout(d time.Duration) AcquireOption {
	return func(o *Options) {
		o.Timeout = d
	}
}

// WithRetryInterval overrides the base backoff interval.
func WithRetryInterval(d time.Duration) AcquireOption {
	return func(o *Options) {
		o.RetryInterval = d
	}
}

// WithMaxRetries overrides the retry budget.
func WithMaxRetries(n int) AcquireOption {
	return func(o *Options) {
		o.MaxRetries = n
	}
}

// WithoutExpiry marks the acquired lock as exempt from age-based reclaim.
func WithoutExpiry() AcquireOption {
	return func(o *Options) {
		o.NoExpiry = true
	}
}

// LockPath returns the side-file path guarding resourcePath.
func LockPath(resourcePath string) string {
	return resourcePath + LockSuffix
}

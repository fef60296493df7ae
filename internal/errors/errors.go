// Package errors provides centralized error definitions and error handling utilities
// for ccorch. It defines domain-specific errors, semantic error types, error
// constructors with context wrapping, and error classification helpers.
//
// # Error Types
//
// Domain-specific errors represent errors from specific subsystems:
//   - QueueError: errors raised while managing or running a command queue
//   - GroupError: errors raised while managing or running a session group
//
// Semantic errors represent common error conditions:
//   - NotFoundError: unknown queue, group, command or session id
//   - AlreadyExistsError: an entity with the same id is already persisted
//   - ValidationError: invalid input rejected before any mutation
//   - LockError: lock contention (timeout or locked)
//   - PersistenceError: filesystem failure during atomic write or lock file I/O
//
// # Usage
//
//	err := errors.NewNotFoundError("queue", id)
//	if errors.IsNotFound(err) { ... }
//
//	var lockErr *errors.LockError
//	if errors.As(err, &lockErr) && lockErr.Reason == errors.LockReasonTimeout { ... }
//
// # Error Classification
//
//   - IsRetryable: lock contention and other transient failures
//   - GetSeverity: the level at which the CLI logs a failed command
//   - UserMessage: the single line the CLI prints for an error
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Lookup sentinel errors. NotFoundError matches these through Is.
var (
	ErrQueueNotFound   = New("queue not found")
	ErrCommandNotFound = New("command not found")
	ErrGroupNotFound   = New("group not found")
	ErrSessionNotFound = New("session not found")
	ErrNotFound        = New("not found")
	ErrAlreadyExists   = New("already exists")
)

// State machine sentinel errors
var (
	// ErrAlreadyRunning indicates a run was requested for an entity that is already running.
	ErrAlreadyRunning = New("already running")
	// ErrInvalidTransition indicates the requested status change is not allowed.
	ErrInvalidTransition = New("invalid status transition")
	// ErrDependencyCycle indicates a circular dependency between group sessions.
	ErrDependencyCycle = New("dependency cycle detected")
	// ErrInvalidIndex indicates a command index outside the editable range.
	ErrInvalidIndex = New("invalid command index")
)

// Lock sentinel errors
var (
	// ErrLockTimeout indicates lock acquisition gave up because the timeout elapsed.
	ErrLockTimeout = New("lock acquisition timed out")
	// ErrLocked indicates lock acquisition gave up after exhausting its retries.
	ErrLocked = New("resource is locked")
	// ErrLockNotHeld indicates a release was attempted on a lock owned by someone else.
	ErrLockNotHeld = New("lock not held")
)

// General sentinel errors
var (
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
	// ErrPersistence indicates a filesystem failure while reading or writing state.
	ErrPersistence = New("persistence failure")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// CcorchError is the base interface for all typed ccorch errors.
type CcorchError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the operation that caused this error
	// might succeed if retried.
	IsRetryable() bool
}

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

type baseError struct {
	message   string
	cause     error
	severity  Severity
	retryable bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error {
	return e.cause
}

func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

func (e *baseError) Severity() Severity {
	return e.severity
}

func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// QueueError represents errors raised by the queue manager or runner.
//
// Example:
//
//	err := errors.NewQueueError("cannot resume queue", errors.ErrInvalidTransition).
//		WithQueueID(q.ID).WithStatus(string(q.Status))
type QueueError struct {
	baseError
	QueueID string
	Status  string
}

// NewQueueError creates a new QueueError.
func NewQueueError(message string, cause error) *QueueError {
	return &QueueError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityError,
		},
	}
}

// WithQueueID adds the queue id to the error context.
func (e *QueueError) WithQueueID(id string) *QueueError {
	e.QueueID = id
	return e
}

// WithStatus records the queue status at the time of the error.
func (e *QueueError) WithStatus(status string) *QueueError {
	e.Status = status
	return e
}

// Error returns the formatted error message.
func (e *QueueError) Error() string {
	var parts []string
	if e.QueueID != "" {
		parts = append(parts, fmt.Sprintf("queue=%s", e.QueueID))
	}
	if e.Status != "" {
		parts = append(parts, fmt.Sprintf("status=%s", e.Status))
	}

	prefix := "queue error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("queue error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *QueueError) Is(target error) bool {
	if _, ok := target.(*QueueError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// GroupError represents errors raised by the group manager or runner.
type GroupError struct {
	baseError
	GroupID   string
	SessionID string
	Status    string
}

// NewGroupError creates a new GroupError.
func NewGroupError(message string, cause error) *GroupError {
	return &GroupError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityError,
		},
	}
}

// WithGroupID adds the group id to the error context.
func (e *GroupError) WithGroupID(id string) *GroupError {
	e.GroupID = id
	return e
}

// WithSessionID adds a group session id to the error context.
func (e *GroupError) WithSessionID(id string) *GroupError {
	e.SessionID = id
	return e
}

// WithStatus records the group status at the time of the error.
func (e *GroupError) WithStatus(status string) *GroupError {
	e.Status = status
	return e
}

// Error returns the formatted error message.
func (e *GroupError) Error() string {
	var parts []string
	if e.GroupID != "" {
		parts = append(parts, fmt.Sprintf("group=%s", e.GroupID))
	}
	if e.SessionID != "" {
		parts = append(parts, fmt.Sprintf("session=%s", e.SessionID))
	}
	if e.Status != "" {
		parts = append(parts, fmt.Sprintf("status=%s", e.Status))
	}

	prefix := "group error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("group error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *GroupError) Is(target error) bool {
	if _, ok := target.(*GroupError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("queue", "abc123")
//	fmt.Println(err) // "queue 'abc123' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:  fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity: SeverityWarning,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds an underlying cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Is matches any *NotFoundError, ErrNotFound, and the resource-specific sentinel.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	switch target {
	case ErrNotFound:
		return true
	case ErrQueueNotFound:
		return e.ResourceType == "queue"
	case ErrCommandNotFound:
		return e.ResourceType == "command"
	case ErrGroupNotFound:
		return e.ResourceType == "group"
	case ErrSessionNotFound:
		return e.ResourceType == "session"
	}
	return e.baseError.Is(target)
}

// AlreadyExistsError represents a resource that already exists.
type AlreadyExistsError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewAlreadyExistsError creates a new AlreadyExistsError.
func NewAlreadyExistsError(resourceType, resourceID string) *AlreadyExistsError {
	return &AlreadyExistsError{
		baseError: baseError{
			message:  fmt.Sprintf("%s '%s' already exists", resourceType, resourceID),
			severity: SeverityWarning,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// Is checks if this error matches the target.
func (e *AlreadyExistsError) Is(target error) bool {
	if _, ok := target.(*AlreadyExistsError); ok {
		return true
	}
	if target == ErrAlreadyExists {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input that was rejected before any
// state was mutated.
//
// Example:
//
//	err := errors.NewValidationError("index out of range").
//		WithField("index").WithValue(7)
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:  message,
			severity: SeverityWarning,
		},
	}
}

// WithField adds the name of the offending field.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the offending value.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds an underlying cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var sb strings.Builder
	sb.WriteString("validation error")
	if e.Field != "" {
		sb.WriteString(fmt.Sprintf(" [%s]", e.Field))
	}
	sb.WriteString(": ")
	sb.WriteString(e.message)
	if e.Value != nil {
		sb.WriteString(fmt.Sprintf(" (got: %v)", e.Value))
	}
	if e.cause != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.cause))
	}
	return sb.String()
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if target == ErrInvalidInput {
		return true
	}
	return e.baseError.Is(target)
}

// LockReason distinguishes the two ways lock acquisition can give up.
type LockReason string

const (
	// LockReasonTimeout means the overall acquisition timeout elapsed.
	LockReasonTimeout LockReason = "timeout"
	// LockReasonLocked means the retry budget was exhausted.
	LockReasonLocked LockReason = "locked"
)

// LockError reports lock contention on a resource path.
type LockError struct {
	baseError
	Reason    LockReason
	Path      string
	HolderPID int
	Hostname  string
	Attempts  int
	Elapsed   time.Duration
}

// NewLockError creates a LockError for the given path and reason.
func NewLockError(path string, reason LockReason) *LockError {
	cause := ErrLocked
	if reason == LockReasonTimeout {
		cause = ErrLockTimeout
	}
	return &LockError{
		baseError: baseError{
			message:   fmt.Sprintf("could not lock %s", path),
			cause:     cause,
			severity:  SeverityWarning,
			retryable: true,
		},
		Reason: reason,
		Path:   path,
	}
}

// WithHolder records the process that holds the lock.
func (e *LockError) WithHolder(pid int, hostname string) *LockError {
	e.HolderPID = pid
	e.Hostname = hostname
	return e
}

// WithAttempts records how many waits were performed and for how long.
func (e *LockError) WithAttempts(attempts int, elapsed time.Duration) *LockError {
	e.Attempts = attempts
	e.Elapsed = elapsed
	return e
}

// Error returns the formatted error message.
func (e *LockError) Error() string {
	msg := fmt.Sprintf("%s (%s after %d attempts, %s)", e.message, e.Reason, e.Attempts, e.Elapsed.Round(time.Millisecond))
	if e.HolderPID > 0 {
		msg = fmt.Sprintf("%s: held by PID %d on %s", msg, e.HolderPID, e.Hostname)
	}
	return msg
}

// Is checks if this error matches the target.
func (e *LockError) Is(target error) bool {
	if _, ok := target.(*LockError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// PersistenceError wraps a filesystem failure on a specific path. These are
// never retried.
type PersistenceError struct {
	baseError
	Op   string
	Path string
}

// NewPersistenceError creates a PersistenceError for op on path.
func NewPersistenceError(op, path string, cause error) *PersistenceError {
	return &PersistenceError{
		baseError: baseError{
			message:  fmt.Sprintf("%s %s", op, path),
			cause:    cause,
			severity: SeverityError,
		},
		Op:   op,
		Path: path,
	}
}

// Is checks if this error matches the target.
func (e *PersistenceError) Is(target error) bool {
	if _, ok := target.(*PersistenceError); ok {
		return true
	}
	if target == ErrPersistence {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsNotFound reports whether err denotes an unknown entity.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return err != nil && As(err, &v)
}

// IsLockContention reports whether err is a lock timeout or locked failure.
func IsLockContention(err error) bool {
	var l *LockError
	return err != nil && As(err, &l)
}

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var typed CcorchError
	if As(err, &typed) {
		return typed.IsRetryable()
	}

	return Is(err, ErrLockTimeout) || Is(err, ErrLocked)
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement CcorchError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var typed CcorchError
	if As(err, &typed) {
		return typed.Severity()
	}
	return SeverityError
}

// UserMessage returns the single human-readable line printed for err at the
// CLI boundary. Multi-line messages are collapsed onto one line.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	return strings.Join(strings.Fields(err.Error()), " ")
}

package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// -----------------------------------------------------------------------------
// Severity Tests
// -----------------------------------------------------------------------------

func TestSeverity_String(t *testing.T) {
	tests := []struct {
		severity Severity
		want     string
	}{
		{SeverityDebug, "debug"},
		{SeverityInfo, "info"},
		{SeverityWarning, "warning"},
		{SeverityError, "error"},
		{SeverityCritical, "critical"},
		{Severity(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.severity.String(); got != tt.want {
				t.Errorf("Severity.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

// -----------------------------------------------------------------------------
// Domain Error Tests
// -----------------------------------------------------------------------------

func TestQueueError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *QueueError
		want string
	}{
		{
			name: "message only",
			err:  NewQueueError("cannot run", nil),
			want: "queue error: cannot run",
		},
		{
			name: "with context and cause",
			err:  NewQueueError("cannot resume", ErrInvalidTransition).WithQueueID("q1").WithStatus("stopped"),
			want: "queue error [queue=q1, status=stopped]: cannot resume: invalid status transition",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestQueueError_Is(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewQueueError("cannot run", ErrAlreadyRunning).WithQueueID("q1"))

	if !errors.Is(err, ErrAlreadyRunning) {
		t.Error("expected errors.Is to match the cause sentinel")
	}

	var qe *QueueError
	if !errors.As(err, &qe) {
		t.Fatal("expected errors.As to find *QueueError")
	}
	if qe.QueueID != "q1" {
		t.Errorf("QueueID = %q, want %q", qe.QueueID, "q1")
	}
}

func TestGroupError_Error(t *testing.T) {
	err := NewGroupError("cycle", ErrDependencyCycle).WithGroupID("g1").WithSessionID("s1")
	want := "group error [group=g1, session=s1]: cycle: dependency cycle detected"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrDependencyCycle) {
		t.Error("expected errors.Is(err, ErrDependencyCycle)")
	}
}

// -----------------------------------------------------------------------------
// Semantic Error Tests
// -----------------------------------------------------------------------------

func TestNotFoundError_Is(t *testing.T) {
	tests := []struct {
		name         string
		resourceType string
		target       error
		want         bool
	}{
		{"queue matches queue sentinel", "queue", ErrQueueNotFound, true},
		{"queue matches generic sentinel", "queue", ErrNotFound, true},
		{"queue does not match group sentinel", "queue", ErrGroupNotFound, false},
		{"group matches group sentinel", "group", ErrGroupNotFound, true},
		{"command matches command sentinel", "command", ErrCommandNotFound, true},
		{"session matches session sentinel", "session", ErrSessionNotFound, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewNotFoundError(tt.resourceType, "abc")
			if got := errors.Is(err, tt.target); got != tt.want {
				t.Errorf("errors.Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNotFoundError_Message(t *testing.T) {
	err := NewNotFoundError("queue", "abc123")
	if got := err.Error(); got != "queue 'abc123' not found" {
		t.Errorf("Error() = %q", got)
	}
	if !IsNotFound(fmt.Errorf("ctx: %w", err)) {
		t.Error("IsNotFound should see through wrapping")
	}
}

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *ValidationError
		want string
	}{
		{"bare", NewValidationError("bad"), "validation error: bad"},
		{"field", NewValidationError("bad").WithField("index"), "validation error [index]: bad"},
		{"field and value", NewValidationError("out of range").WithField("index").WithValue(7), "validation error [index]: out of range (got: 7)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
			if !IsValidation(tt.err) {
				t.Error("IsValidation() = false")
			}
			if !errors.Is(tt.err, ErrInvalidInput) {
				t.Error("ValidationError should match ErrInvalidInput")
			}
		})
	}
}

func TestLockError(t *testing.T) {
	t.Run("timeout", func(t *testing.T) {
		err := NewLockError("/tmp/q.json", LockReasonTimeout).WithAttempts(4, 1500*time.Millisecond)
		if !errors.Is(err, ErrLockTimeout) {
			t.Error("expected ErrLockTimeout")
		}
		if errors.Is(err, ErrLocked) {
			t.Error("timeout should not match ErrLocked")
		}
		if !IsLockContention(err) || !IsRetryable(err) {
			t.Error("lock errors are contention and retryable")
		}
	})

	t.Run("locked with holder", func(t *testing.T) {
		err := NewLockError("/tmp/q.json", LockReasonLocked).WithHolder(42, "box")
		if !errors.Is(err, ErrLocked) {
			t.Error("expected ErrLocked")
		}
		if !strings.Contains(err.Error(), "held by PID 42 on box") {
			t.Errorf("Error() = %q, missing holder", err.Error())
		}
	})
}

func TestPersistenceError(t *testing.T) {
	cause := errors.New("permission denied")
	err := NewPersistenceError("write", "/ro/file", cause)
	if !errors.Is(err, ErrPersistence) || !errors.Is(err, cause) {
		t.Error("PersistenceError should match ErrPersistence and its cause")
	}
	if IsRetryable(err) {
		t.Error("persistence errors are not retryable")
	}
}

// -----------------------------------------------------------------------------
// Classification Tests
// -----------------------------------------------------------------------------

func TestGetSeverity(t *testing.T) {
	if got := GetSeverity(nil); got != SeverityDebug {
		t.Errorf("GetSeverity(nil) = %v", got)
	}
	if got := GetSeverity(errors.New("x")); got != SeverityError {
		t.Errorf("GetSeverity(plain) = %v", got)
	}
	if got := GetSeverity(NewNotFoundError("queue", "x")); got != SeverityWarning {
		t.Errorf("GetSeverity(not found) = %v", got)
	}
}

func TestUserMessage(t *testing.T) {
	err := errors.New("line one\n  line two")
	if got := UserMessage(err); got != "line one line two" {
		t.Errorf("UserMessage() = %q", got)
	}
	if got := UserMessage(nil); got != "" {
		t.Errorf("UserMessage(nil) = %q", got)
	}
}

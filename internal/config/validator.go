package config

import (
	"fmt"
	"slices"
	"strings"
	"text/template"
	"time"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "lock.timeout")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateStorage()...)
	errors = append(errors, c.validateLock()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validateExecutor()...)
	errors = append(errors, c.validateGroup()...)
	errors = append(errors, c.validateTemplates()...)

	return errors
}

// validateStorage validates the StorageConfig
func (c *Config) validateStorage() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Storage.DataDir) == "" {
		errors = append(errors, ValidationError{
			Field:   "storage.data_dir",
			Value:   c.Storage.DataDir,
			Message: "must not be empty",
		})
	}

	return errors
}

// validateLock validates the LockConfig
func (c *Config) validateLock() []ValidationError {
	var errors []ValidationError

	if c.Lock.Timeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "lock.timeout",
			Value:   c.Lock.Timeout,
			Message: "must be positive",
		})
	}

	if c.Lock.RetryInterval <= 0 {
		errors = append(errors, ValidationError{
			Field:   "lock.retry_interval",
			Value:   c.Lock.RetryInterval,
			Message: "must be positive",
		})
	} else if c.Lock.Timeout > 0 && c.Lock.RetryInterval > c.Lock.Timeout {
		errors = append(errors, ValidationError{
			Field:   "lock.retry_interval",
			Value:   c.Lock.RetryInterval,
			Message: "must not exceed lock.timeout",
		})
	}

	if c.Lock.MaxRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "lock.max_retries",
			Value:   c.Lock.MaxRetries,
			Message: "must be non-negative",
		})
	}

	// Staleness below a second would reclaim locks held by healthy writers
	if c.Lock.StaleAfter < time.Second {
		errors = append(errors, ValidationError{
			Field:   "lock.stale_after",
			Value:   c.Lock.StaleAfter,
			Message: "must be at least 1s",
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	// Validate log level
	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	// Max size must be positive
	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	// Reasonable upper bound for log file size
	const maxLogSizeMB = 1000 // 1GB
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	// Max backups must be non-negative
	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validateExecutor validates the ExecutorConfig
func (c *Config) validateExecutor() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Executor.Command) == "" {
		errors = append(errors, ValidationError{
			Field:   "executor.command",
			Value:   c.Executor.Command,
			Message: "must not be empty",
		})
	}

	if c.Executor.Timeout < 0 {
		errors = append(errors, ValidationError{
			Field:   "executor.timeout",
			Value:   c.Executor.Timeout,
			Message: "must be non-negative (0 = no limit)",
		})
	}

	return errors
}

// validateGroup validates the GroupConfig defaults
func (c *Config) validateGroup() []ValidationError {
	var errors []ValidationError

	if c.Group.MaxBudgetUSD < 0 {
		errors = append(errors, ValidationError{
			Field:   "group.max_budget_usd",
			Value:   c.Group.MaxBudgetUSD,
			Message: "must be non-negative (0 = no limit)",
		})
	}

	if c.Group.MaxConcurrentSessions < 1 {
		errors = append(errors, ValidationError{
			Field:   "group.max_concurrent_sessions",
			Value:   c.Group.MaxConcurrentSessions,
			Message: "must be at least 1",
		})
	}

	if !slices.Contains(ValidBudgetPolicies(), c.Group.OnBudgetExceeded) {
		errors = append(errors, ValidationError{
			Field:   "group.on_budget_exceeded",
			Value:   c.Group.OnBudgetExceeded,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidBudgetPolicies(), ", ")),
		})
	}

	if c.Group.WarningThreshold <= 0 || c.Group.WarningThreshold > 1 {
		errors = append(errors, ValidationError{
			Field:   "group.warning_threshold",
			Value:   c.Group.WarningThreshold,
			Message: "must be in (0, 1]",
		})
	}

	return errors
}

// validateTemplates checks that every template parses
func (c *Config) validateTemplates() []ValidationError {
	var errors []ValidationError

	names := make([]string, 0, len(c.Templates))
	for name := range c.Templates {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		if _, err := template.New(name).Option("missingkey=error").Parse(c.Templates[name]); err != nil {
			errors = append(errors, ValidationError{
				Field:   "templates." + name,
				Value:   c.Templates[name],
				Message: fmt.Sprintf("invalid template: %v", err),
			})
		}
	}

	return errors
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/ccorch/internal/model"
)

// EnvPrefix is the prefix for environment variable overrides,
// e.g. CCORCH_LOCK_TIMEOUT=30s.
const EnvPrefix = "CCORCH"

// Config represents the complete ccorch configuration
type Config struct {
	Storage   StorageConfig     `mapstructure:"storage"`
	Lock      LockConfig        `mapstructure:"lock"`
	Logging   LoggingConfig     `mapstructure:"logging"`
	Executor  ExecutorConfig    `mapstructure:"executor"`
	Group     GroupConfig       `mapstructure:"group"`
	Templates map[string]string `mapstructure:"templates"`
}

// StorageConfig controls where queues, groups and logs are kept
type StorageConfig struct {
	// DataDir is the root of persisted state (default: ~/.ccorch).
	// A leading "~" is expanded to the user's home directory.
	DataDir string `mapstructure:"data_dir"`
}

// LockConfig controls advisory lock acquisition
type LockConfig struct {
	// Timeout bounds the total time spent acquiring one lock
	Timeout time.Duration `mapstructure:"timeout"`
	// RetryInterval is the base backoff between attempts (doubles per attempt)
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	// MaxRetries is how many backoff waits happen before giving up
	MaxRetries int `mapstructure:"max_retries"`
	// StaleAfter is the age at which a held lock is reclaimed regardless of holder
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// LoggingConfig controls file logging
type LoggingConfig struct {
	// Enabled turns on logging to <data_dir>/logs/ccorch.log (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `mapstructure:"level"`
	// MaxSizeMB is the size at which the log file rotates (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is how many rotated files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
	// Compress gzips rotated files
	Compress bool `mapstructure:"compress"`
}

// ExecutorConfig controls how agent sessions are launched
type ExecutorConfig struct {
	// Command is the agent CLI binary (default: claude)
	Command string `mapstructure:"command"`
	// SkipPermissions passes --dangerously-skip-permissions (default: true)
	SkipPermissions bool `mapstructure:"skip_permissions"`
	// ExtraArgs are appended to every invocation
	ExtraArgs []string `mapstructure:"extra_args"`
	// Timeout bounds one session execution, 0 = no limit
	Timeout time.Duration `mapstructure:"timeout"`
}

// GroupConfig holds the defaults applied to newly created groups
type GroupConfig struct {
	Model                 string  `mapstructure:"model"`
	MaxBudgetUSD          float64 `mapstructure:"max_budget_usd"`
	MaxConcurrentSessions int     `mapstructure:"max_concurrent_sessions"`
	OnBudgetExceeded      string  `mapstructure:"on_budget_exceeded"`
	WarningThreshold      float64 `mapstructure:"warning_threshold"`
}

// ToModel converts the defaults into a model.GroupConfig.
func (g GroupConfig) ToModel() model.GroupConfig {
	return model.GroupConfig{
		Model:                 g.Model,
		MaxBudgetUSD:          g.MaxBudgetUSD,
		MaxConcurrentSessions: g.MaxConcurrentSessions,
		OnBudgetExceeded:      model.BudgetPolicy(g.OnBudgetExceeded),
		WarningThreshold:      g.WarningThreshold,
	}
}

// Default returns a Config with sensible default values
func Default() *Config {
	groupDefaults := model.DefaultGroupConfig()
	return &Config{
		Storage: StorageConfig{
			DataDir: "~/.ccorch",
		},
		Lock: LockConfig{
			Timeout:       10 * time.Second,
			RetryInterval: 50 * time.Millisecond,
			MaxRetries:    10,
			StaleAfter:    5 * time.Minute,
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			Compress:   false,
		},
		Executor: ExecutorConfig{
			Command:         "claude",
			SkipPermissions: true,
			ExtraArgs:       []string{},
			Timeout:         0, // No limit by default
		},
		Group: GroupConfig{
			Model:                 groupDefaults.Model,
			MaxBudgetUSD:          groupDefaults.MaxBudgetUSD,
			MaxConcurrentSessions: groupDefaults.MaxConcurrentSessions,
			OnBudgetExceeded:      string(groupDefaults.OnBudgetExceeded),
			WarningThreshold:      groupDefaults.WarningThreshold,
		},
		Templates: map[string]string{},
	}
}

// SetDefaults registers default values with the global viper instance
func SetDefaults() {
	SetDefaultsOn(viper.GetViper())
}

// SetDefaultsOn registers default values with v
func SetDefaultsOn(v *viper.Viper) {
	defaults := Default()

	// Storage defaults
	v.SetDefault("storage.data_dir", defaults.Storage.DataDir)

	// Lock defaults
	v.SetDefault("lock.timeout", defaults.Lock.Timeout)
	v.SetDefault("lock.retry_interval", defaults.Lock.RetryInterval)
	v.SetDefault("lock.max_retries", defaults.Lock.MaxRetries)
	v.SetDefault("lock.stale_after", defaults.Lock.StaleAfter)

	// Logging defaults
	v.SetDefault("logging.enabled", defaults.Logging.Enabled)
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	v.SetDefault("logging.compress", defaults.Logging.Compress)

	// Executor defaults
	v.SetDefault("executor.command", defaults.Executor.Command)
	v.SetDefault("executor.skip_permissions", defaults.Executor.SkipPermissions)
	v.SetDefault("executor.extra_args", defaults.Executor.ExtraArgs)
	v.SetDefault("executor.timeout", defaults.Executor.Timeout)

	// Group defaults
	v.SetDefault("group.model", defaults.Group.Model)
	v.SetDefault("group.max_budget_usd", defaults.Group.MaxBudgetUSD)
	v.SetDefault("group.max_concurrent_sessions", defaults.Group.MaxConcurrentSessions)
	v.SetDefault("group.on_budget_exceeded", defaults.Group.OnBudgetExceeded)
	v.SetDefault("group.warning_threshold", defaults.Group.WarningThreshold)

	v.SetDefault("templates", defaults.Templates)
}

// decodeHook turns "30s" style strings into durations and comma-separated
// strings (as set through the environment) into slices.
func decodeHook() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
}

// Load reads the configuration from the global viper into a Config struct and validates it
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads the configuration from v and validates it
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, err
	}

	// Validate the configuration
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// EnvKeyReplacer maps nested keys to environment names, so lock.timeout is
// read from CCORCH_LOCK_TIMEOUT.
func EnvKeyReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}

// ResolvedDataDir returns DataDir with "~" expanded.
func (s StorageConfig) ResolvedDataDir() string {
	dir := s.DataDir
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
		}
	}
	return filepath.Clean(dir)
}

// MetadataDir returns the directory holding queue and group records.
func (s StorageConfig) MetadataDir() string {
	return filepath.Join(s.ResolvedDataDir(), "metadata")
}

// LogDir returns the directory holding log files.
func (s StorageConfig) LogDir() string {
	return filepath.Join(s.ResolvedDataDir(), "logs")
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "ccorch")
	}
	// Fall back to ~/.config/ccorch
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ccorch"
	}
	return filepath.Join(home, ".config", "ccorch")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ValidBudgetPolicies returns the list of valid on_budget_exceeded values
func ValidBudgetPolicies() []string {
	return []string{string(model.BudgetPause), string(model.BudgetStop), string(model.BudgetWarn)}
}

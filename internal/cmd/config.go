package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/ccorch/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify ccorch configuration",
	Long: `View or modify ccorch configuration.

Without arguments, displays the current configuration.
Use subcommands to modify settings or create a config file.`,
	// Config commands must work while the config itself is invalid, so they
	// skip building the service container.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE:              runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  ccorch config set group.max_concurrent_sessions 5
  ccorch config set lock.timeout 30s
  ccorch config set logging.level debug

Run 'ccorch config show' to list every key.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/ccorch/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configSetCmd, configInitCmd, configPathCmd)
}

type keyKind int

const (
	kindString keyKind = iota
	kindBool
	kindInt
	kindFloat
	kindDuration
)

// settableKeys lists the keys 'config set' accepts. Templates and extra
// args are lists or maps and are edited in the file directly.
var settableKeys = map[string]keyKind{
	"storage.data_dir":              kindString,
	"lock.timeout":                  kindDuration,
	"lock.retry_interval":           kindDuration,
	"lock.max_retries":              kindInt,
	"lock.stale_after":              kindDuration,
	"logging.enabled":               kindBool,
	"logging.level":                 kindString,
	"logging.max_size_mb":           kindInt,
	"logging.max_backups":           kindInt,
	"logging.compress":              kindBool,
	"executor.command":              kindString,
	"executor.skip_permissions":     kindBool,
	"executor.timeout":              kindDuration,
	"group.model":                   kindString,
	"group.max_budget_usd":          kindFloat,
	"group.max_concurrent_sessions": kindInt,
	"group.on_budget_exceeded":      kindString,
	"group.warning_threshold":       kindFloat,
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(out, "Configuration is invalid, showing defaults:\n%v\n\n", err)
		cfg = config.Default()
	}

	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "Config file: %s\n", used)
	} else {
		fmt.Fprintln(out, "Config file: (none - using defaults)")
	}
	fmt.Fprintf(out, "Data dir:    %s\n\n", cfg.Storage.ResolvedDataDir())

	fmt.Fprintln(out, "storage:")
	fmt.Fprintf(out, "  data_dir: %s\n", cfg.Storage.DataDir)

	fmt.Fprintln(out, "lock:")
	fmt.Fprintf(out, "  timeout: %s\n", cfg.Lock.Timeout)
	fmt.Fprintf(out, "  retry_interval: %s\n", cfg.Lock.RetryInterval)
	fmt.Fprintf(out, "  max_retries: %d\n", cfg.Lock.MaxRetries)
	fmt.Fprintf(out, "  stale_after: %s\n", cfg.Lock.StaleAfter)

	fmt.Fprintln(out, "logging:")
	fmt.Fprintf(out, "  enabled: %v\n", cfg.Logging.Enabled)
	fmt.Fprintf(out, "  level: %s\n", cfg.Logging.Level)
	fmt.Fprintf(out, "  max_size_mb: %d\n", cfg.Logging.MaxSizeMB)
	fmt.Fprintf(out, "  max_backups: %d\n", cfg.Logging.MaxBackups)
	fmt.Fprintf(out, "  compress: %v\n", cfg.Logging.Compress)

	fmt.Fprintln(out, "executor:")
	fmt.Fprintf(out, "  command: %s\n", cfg.Executor.Command)
	fmt.Fprintf(out, "  skip_permissions: %v\n", cfg.Executor.SkipPermissions)
	fmt.Fprintf(out, "  extra_args: [%s]\n", strings.Join(cfg.Executor.ExtraArgs, ", "))
	fmt.Fprintf(out, "  timeout: %s\n", cfg.Executor.Timeout)

	fmt.Fprintln(out, "group:")
	fmt.Fprintf(out, "  model: %s\n", cfg.Group.Model)
	fmt.Fprintf(out, "  max_budget_usd: %g\n", cfg.Group.MaxBudgetUSD)
	fmt.Fprintf(out, "  max_concurrent_sessions: %d\n", cfg.Group.MaxConcurrentSessions)
	fmt.Fprintf(out, "  on_budget_exceeded: %s\n", cfg.Group.OnBudgetExceeded)
	fmt.Fprintf(out, "  warning_threshold: %g\n", cfg.Group.WarningThreshold)

	fmt.Fprintln(out, "templates:")
	names := make([]string, 0, len(cfg.Templates))
	for name := range cfg.Templates {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %s: %s\n", name, truncate(cfg.Templates[name], promptWidth))
	}
	return nil
}

func parseValue(key, value string) (any, error) {
	kind, ok := settableKeys[key]
	if !ok {
		return nil, fmt.Errorf("unknown configuration key: %s\nRun 'ccorch config set --help' to see valid keys", key)
	}
	switch kind {
	case kindBool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		return b, nil
	case kindInt:
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected integer", key)
		}
		if n < 0 {
			return nil, fmt.Errorf("invalid value for %s: must be non-negative", key)
		}
		return n, nil
	case kindFloat:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected number", key)
		}
		return f, nil
	case kindDuration:
		d, err := time.ParseDuration(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected duration such as 500ms or 10s", key)
		}
		return d.String(), nil
	}
	if key == "group.on_budget_exceeded" && !slices.Contains(config.ValidBudgetPolicies(), value) {
		return nil, fmt.Errorf("invalid value for %s: %s\nValid options: %s",
			key, value, strings.Join(config.ValidBudgetPolicies(), ", "))
	}
	if key == "logging.level" && !slices.Contains(config.ValidLogLevels(), value) {
		return nil, fmt.Errorf("invalid value for %s: %s\nValid options: %s",
			key, value, strings.Join(config.ValidLogLevels(), ", "))
	}
	return value, nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]
	typed, err := parseValue(key, value)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	target := viper.ConfigFileUsed()
	if target == "" {
		target = config.ConfigFile()
	}
	viper.Set(key, typed)
	if err := viper.WriteConfigAs(target); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Set %s = %v\n", key, typed)
	fmt.Fprintf(out, "Config saved to %s\n", target)
	return nil
}

const defaultConfigFile = `# ccorch configuration

# Where queues, groups and logs are stored
storage:
  data_dir: ~/.ccorch

# Advisory lock acquisition for queue and group files
lock:
  timeout: 10s
  retry_interval: 50ms
  max_retries: 10
  # Locks older than this are reclaimed even if the holder is alive
  stale_after: 5m

logging:
  enabled: true
  # debug, info, warn or error
  level: info
  max_size_mb: 10
  max_backups: 3
  compress: false

# How agent sessions are launched
executor:
  command: claude
  skip_permissions: true
  extra_args: []
  # 0 means no limit
  timeout: 0s

# Defaults for new groups
group:
  model: ""
  # 0 means no budget
  max_budget_usd: 0
  max_concurrent_sessions: 3
  # pause, stop or warn
  on_budget_exceeded: pause
  warning_threshold: 0.8

# Named prompt templates, rendered with {{.Prompt}}, {{.ProjectPath}} and {{.Model}}
templates:
  review: |
    Review the changes in {{.ProjectPath}} and fix any problems you find.
    {{.Prompt}}
`

func runConfigInit(cmd *cobra.Command, _ []string) error {
	configFile := config.ConfigFile()
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'ccorch config set' to modify values", configFile)
	}
	if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configFile, []byte(defaultConfigFile), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created config file at %s\n", configFile)
	fmt.Fprintln(out, "Edit this file to customize ccorch's behavior.")
	return nil
}

func runConfigPath(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "Active config: %s\n", used)
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", config.ConfigFile())
	}

	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", filepath.Join(config.ConfigDir(), "config.yaml"))
	fmt.Fprintln(out, "  2. $HOME/.config/ccorch/config.yaml")
	fmt.Fprintf(out, "\nEnvironment variables: %s_* (e.g., %s_GROUP_MAX_BUDGET_USD)\n", config.EnvPrefix, config.EnvPrefix)
	return nil
}

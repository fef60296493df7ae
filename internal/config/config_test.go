package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/Iron-Ham/ccorch/internal/model"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg == nil {
		t.Fatal("Default() returned nil")
	}

	// Verify default lock config
	if cfg.Lock.Timeout != 10*time.Second {
		t.Errorf("Lock.Timeout = %v, want 10s", cfg.Lock.Timeout)
	}
	if cfg.Lock.RetryInterval != 50*time.Millisecond {
		t.Errorf("Lock.RetryInterval = %v, want 50ms", cfg.Lock.RetryInterval)
	}
	if cfg.Lock.MaxRetries != 10 {
		t.Errorf("Lock.MaxRetries = %d, want 10", cfg.Lock.MaxRetries)
	}
	if cfg.Lock.StaleAfter != 5*time.Minute {
		t.Errorf("Lock.StaleAfter = %v, want 5m", cfg.Lock.StaleAfter)
	}

	// Verify default executor config
	if cfg.Executor.Command != "claude" {
		t.Errorf("Executor.Command = %q, want %q", cfg.Executor.Command, "claude")
	}
	if !cfg.Executor.SkipPermissions {
		t.Error("Executor.SkipPermissions should be true by default")
	}

	// Verify default group config
	if cfg.Group.MaxConcurrentSessions != 3 {
		t.Errorf("Group.MaxConcurrentSessions = %d, want 3", cfg.Group.MaxConcurrentSessions)
	}
	if cfg.Group.OnBudgetExceeded != "pause" {
		t.Errorf("Group.OnBudgetExceeded = %q, want pause", cfg.Group.OnBudgetExceeded)
	}
	if cfg.Group.MaxBudgetUSD != 0 {
		t.Errorf("Group.MaxBudgetUSD = %f, want 0 (no limit)", cfg.Group.MaxBudgetUSD)
	}
}

func TestGroupConfig_ToModel(t *testing.T) {
	g := GroupConfig{Model: "opus", MaxBudgetUSD: 5, MaxConcurrentSessions: 2, OnBudgetExceeded: "stop", WarningThreshold: 0.5}
	m := g.ToModel()
	if m.OnBudgetExceeded != model.BudgetStop || m.MaxConcurrentSessions != 2 || m.Model != "opus" {
		t.Errorf("ToModel() = %+v", m)
	}
}

func TestLoadFrom_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
lock:
  timeout: 30s
  retry_interval: 100ms
executor:
  extra_args: ["--verbose"]
group:
  on_budget_exceeded: stop
templates:
  review: "Review {{.ProjectPath}}: {{.Prompt}}"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CCORCH_LOGGING_LEVEL", "debug")

	v := viper.New()
	SetDefaultsOn(v)
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(EnvKeyReplacer())
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig() error = %v", err)
	}

	cfg, err := LoadFrom(v)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.Lock.Timeout != 30*time.Second || cfg.Lock.RetryInterval != 100*time.Millisecond {
		t.Errorf("lock durations = %v / %v", cfg.Lock.Timeout, cfg.Lock.RetryInterval)
	}
	if cfg.Lock.MaxRetries != 10 {
		t.Errorf("unset keys should keep defaults, MaxRetries = %d", cfg.Lock.MaxRetries)
	}
	if cfg.Group.OnBudgetExceeded != "stop" {
		t.Errorf("OnBudgetExceeded = %q", cfg.Group.OnBudgetExceeded)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("env override not applied, Level = %q", cfg.Logging.Level)
	}
	if len(cfg.Executor.ExtraArgs) != 1 || cfg.Executor.ExtraArgs[0] != "--verbose" {
		t.Errorf("ExtraArgs = %v", cfg.Executor.ExtraArgs)
	}
	if cfg.Templates["review"] == "" {
		t.Error("templates not loaded")
	}
}

func TestLoadFrom_Invalid(t *testing.T) {
	v := viper.New()
	SetDefaultsOn(v)
	v.Set("group.max_concurrent_sessions", 0)

	_, err := LoadFrom(v)
	if err == nil {
		t.Fatal("LoadFrom() should reject invalid config")
	}
	if _, ok := err.(ValidationErrors); !ok {
		t.Errorf("error type = %T, want ValidationErrors", err)
	}
}

func TestStorageConfig_Paths(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	tests := []struct {
		dataDir string
		want    string
	}{
		{"~/.ccorch", filepath.Join(home, ".ccorch")},
		{"~", home},
		{"/var/lib/ccorch/", "/var/lib/ccorch"},
	}
	for _, tt := range tests {
		s := StorageConfig{DataDir: tt.dataDir}
		if got := s.ResolvedDataDir(); got != tt.want {
			t.Errorf("ResolvedDataDir(%q) = %q, want %q", tt.dataDir, got, tt.want)
		}
	}

	s := StorageConfig{DataDir: "/data"}
	if s.MetadataDir() != "/data/metadata" || s.LogDir() != "/data/logs" {
		t.Errorf("MetadataDir/LogDir = %q / %q", s.MetadataDir(), s.LogDir())
	}
}

func TestConfigDir(t *testing.T) {
	t.Run("with XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "/custom/config")
		if got := ConfigDir(); got != "/custom/config/ccorch" {
			t.Errorf("ConfigDir() = %q, want %q", got, "/custom/config/ccorch")
		}
		if got := ConfigFile(); got != "/custom/config/ccorch/config.yaml" {
			t.Errorf("ConfigFile() = %q", got)
		}
	})

	t.Run("without XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "")
		home, _ := os.UserHomeDir()
		expected := filepath.Join(home, ".config", "ccorch")
		if got := ConfigDir(); got != expected {
			t.Errorf("ConfigDir() = %q, want %q", got, expected)
		}
	})
}

func TestGet(t *testing.T) {
	// Set defaults in viper first (normally done by cmd init)
	SetDefaults()

	cfg := Get()
	if cfg == nil {
		t.Fatal("Get() returned nil")
	}
	if cfg.Executor.Command != "claude" {
		t.Errorf("Get().Executor.Command = %q", cfg.Executor.Command)
	}
}

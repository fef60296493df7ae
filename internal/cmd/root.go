// Package cmd implements the ccorch command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/ccorch/internal/config"
	"github.com/Iron-Ham/ccorch/internal/errors"
	"github.com/Iron-Ham/ccorch/internal/logging"
)

// annotationRecover marks commands that drive a runner. Recovery runs
// before them; read-only commands skip it so they can observe a run owned by
// another process.
const annotationRecover = "ccorch/recover"

var rootCmd = &cobra.Command{
	Use:   "ccorch",
	Short: "Drive AI coding-agent sessions through queues and dependency-aware groups",
	Long: `ccorch runs Claude sessions from persistent work definitions.

A queue is an ordered list of prompts run one at a time against a single
project, optionally continuing the same agent session. A group is a set of
sessions with dependencies, run in parallel under a concurrency limit and a
budget. State lives under the data directory and survives restarts.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

// current is the service container for the running command.
var current *app

// Execute runs the root command. Interrupts cancel the command context;
// runners then stop at the next boundary and leave their entity paused.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer teardown()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil && current != nil {
		logFailure(current.logger, err)
	}
	return err
}

// logFailure records a failed command in the log file at a level matching
// the error's severity.
func logFailure(l *logging.Logger, err error) {
	sev := errors.GetSeverity(err)
	args := []any{"error", err, "severity", sev.String()}
	switch sev {
	case errors.SeverityDebug, errors.SeverityInfo:
		l.Debug("command failed", args...)
	case errors.SeverityWarning:
		l.Warn("command failed", args...)
	default:
		l.Error("command failed", args...)
	}
}

func teardown() {
	if current != nil {
		current.close()
		current = nil
	}
}

// Main runs the CLI and returns the process exit code.
func Main() int {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error: "+errors.UserMessage(err))
		if errors.IsRetryable(err) {
			fmt.Fprintln(os.Stderr, "Another ccorch process is using this data; try again shortly.")
		}
		return 1
	}
	return 0
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/ccorch/config.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "", "directory for queues, groups and logs (default ~/.ccorch)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("storage.data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
}

func initConfig() {
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath("$HOME/.config/ccorch")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(config.EnvKeyReplacer())

	// A missing config file is fine; defaults apply.
	_ = viper.ReadInConfig()
}

func setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	current = a

	if _, ok := cmd.Annotations[annotationRecover]; ok {
		report, err := a.recover(cmd.Context())
		if err != nil {
			return fmt.Errorf("recovery failed: %w", err)
		}
		if n := report.Total(); n > 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "Paused %d entities left running by a previous process.\n", n)
		}
	}
	return nil
}

// runnerCommand marks cmd as one that drives a runner.
func runnerCommand(cmd *cobra.Command) *cobra.Command {
	if cmd.Annotations == nil {
		cmd.Annotations = map[string]string{}
	}
	cmd.Annotations[annotationRecover] = "true"
	return cmd
}

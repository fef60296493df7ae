package cmd

import (
	"context"
	"fmt"

	"github.com/Iron-Ham/ccorch/internal/config"
	"github.com/Iron-Ham/ccorch/internal/executor"
	"github.com/Iron-Ham/ccorch/internal/filelock"
	"github.com/Iron-Ham/ccorch/internal/group"
	"github.com/Iron-Ham/ccorch/internal/logging"
	"github.com/Iron-Ham/ccorch/internal/queue"
	"github.com/Iron-Ham/ccorch/internal/recovery"
	"github.com/Iron-Ham/ccorch/internal/repository"
)

// app holds the services one command invocation works with.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	locks  *filelock.Service

	queueRepo *repository.QueueRepository
	groupRepo *repository.GroupRepository
	queues    *queue.Manager
	groups    *group.Manager
	recovery  *recovery.Service

	// exec is built lazily; only run and resume need it.
	exec executor.Executor
}

func newApp(cfg *config.Config) (*app, error) {
	logger := logging.NopLogger()
	if cfg.Logging.Enabled {
		l, err := logging.NewRotatingLogger(cfg.Storage.LogDir(), cfg.Logging.Level, logging.RotationConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			Compress:   cfg.Logging.Compress,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open log: %w", err)
		}
		logger = l
	}

	locks := filelock.NewService(filelock.Options{
		Timeout:       cfg.Lock.Timeout,
		RetryInterval: cfg.Lock.RetryInterval,
		MaxRetries:    cfg.Lock.MaxRetries,
		StaleAfter:    cfg.Lock.StaleAfter,
	}, filelock.WithLogger(logger))

	metadata := cfg.Storage.MetadataDir()
	queueRepo, err := repository.NewQueueRepository(metadata, locks, repository.WithLogger(logger))
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	groupRepo, err := repository.NewGroupRepository(metadata, locks, repository.WithLogger(logger))
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		locks:     locks,
		queueRepo: queueRepo,
		groupRepo: groupRepo,
		queues:    queue.NewManager(queueRepo, logger),
		groups:    group.NewManager(groupRepo, cfg.Group.ToModel(), logger),
		recovery:  recovery.New(queueRepo, groupRepo, logger),
	}, nil
}

func (a *app) executor() (executor.Executor, error) {
	if a.exec != nil {
		return a.exec, nil
	}
	e, err := executor.NewClaudeExecutor(a.cfg.Executor, a.cfg.Templates, a.logger)
	if err != nil {
		return nil, err
	}
	a.exec = e
	return e, nil
}

func (a *app) queueRunner() (*queue.Runner, error) {
	e, err := a.executor()
	if err != nil {
		return nil, err
	}
	return queue.NewRunner(a.queueRepo, e, a.logger), nil
}

func (a *app) groupRunner() (*group.Runner, error) {
	e, err := a.executor()
	if err != nil {
		return nil, err
	}
	return group.NewRunner(a.groupRepo, e, a.logger), nil
}

// recover pauses entities orphaned by a crashed process. It runs once,
// before any runner is used.
func (a *app) recover(ctx context.Context) (recovery.Report, error) {
	return a.recovery.RecoverAll(ctx)
}

func (a *app) close() {
	_ = a.logger.Close()
}

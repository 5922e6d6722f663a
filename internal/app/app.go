// Package app assembles the splitter, history store and optional GCP hand-off from a Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/storage"
	executions "cloud.google.com/go/workflows/executions/apiv1"
	"github.com/spf13/afero"

	"github.com/Lllllllleong/pdfsplitter/internal/config"
	"github.com/Lllllllleong/pdfsplitter/internal/gcp"
	"github.com/Lllllllleong/pdfsplitter/internal/history"
	"github.com/Lllllllleong/pdfsplitter/internal/pdfdoc"
	"github.com/Lllllllleong/pdfsplitter/internal/services"
	"github.com/Lllllllleong/pdfsplitter/internal/splitter"
)

// App owns every long-lived client built for one process.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	FS       afero.Fs
	Store    history.Store
	Splitter *splitter.Splitter
	Jobs     *services.JobManager
	// Storage is set when publishing is configured.
	Storage *storage.Client

	closers []func() error
}

// New builds an App on fsys. Cloud clients are only created when the config asks for them.
func New(ctx context.Context, cfg *config.Config, fsys afero.Fs, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger, FS: fsys}

	store, err := OpenHistory(ctx, cfg, fsys)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)

	a.Splitter = splitter.New(fsys, pdfdoc.NewOpener(fsys),
		splitter.WithMaxInputBytes(cfg.Split.MaxInputBytes()),
		splitter.WithLogger(logger))

	opts := []services.JobOption{services.WithJobLogger(logger)}
	if cfg.Publish.Bucket != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("failed to create Storage client: %w", err)
		}
		a.Storage = client
		a.closers = append(a.closers, client.Close)
		publisher, err := gcp.NewBucketPublisher(client, fsys, cfg.Publish.Bucket, cfg.Publish.Prefix, cfg.Publish.Concurrency)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		opts = append(opts, services.WithPublisher(publisher))
	}
	if cfg.Workflow.ID != "" {
		client, err := executions.NewClient(ctx)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		notifier, err := gcp.NewWorkflowNotifier(client, cfg.Workflow.ProjectID, cfg.Workflow.Location, cfg.Workflow.ID)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		opts = append(opts, services.WithNotifier(notifier))
	}
	a.Jobs = services.NewJobManager(store, a.Splitter, opts...)

	if cfg.History.RecoverOnStart {
		n, err := a.Jobs.RecoverInterrupted(ctx)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		if n > 0 {
			logger.Info("Recovered interrupted jobs.", "count", n)
		}
	}
	logger.Info("Application initialized.", "historyBackend", cfg.History.Backend,
		"publish", cfg.Publish.Bucket != "", "workflow", cfg.Workflow.ID)
	return a, nil
}

// OpenHistory opens the history backend named by cfg.History.Backend.
func OpenHistory(ctx context.Context, cfg *config.Config, fsys afero.Fs) (history.Store, error) {
	var (
		store history.Store
		err   error
	)
	switch cfg.History.Backend {
	case config.BackendFile:
		var fileStore *history.FileStore
		if fileStore, err = history.NewFileStore(fsys, cfg.History.Dir); err == nil {
			store = fileStore
		}
	case config.BackendFirestore:
		var fsStore *history.FirestoreStore
		if fsStore, err = gcp.NewFirestoreHistory(ctx, cfg.Firestore.ProjectID, cfg.Firestore.Collection); err == nil {
			store = fsStore
		}
	case config.BackendPostgres:
		var pgStore *history.PostgresStore
		if pgStore, err = history.NewPostgresStore(ctx, cfg.Postgres.DSN); err == nil {
			store = pgStore
		}
	default:
		err = fmt.Errorf("unknown history backend %q", cfg.History.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s history: %w", cfg.History.Backend, err)
	}
	return store, nil
}

// Close releases clients in reverse creation order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

package app

import (
	"context"
	"fmt"

	"github.com/spf13/afero"

	"github.com/semmidev/pgmirror/internal/adapter/compressor"
	"github.com/semmidev/pgmirror/internal/adapter/database"
	"github.com/semmidev/pgmirror/internal/adapter/notifier"
	"github.com/semmidev/pgmirror/internal/adapter/storage"
	"github.com/semmidev/pgmirror/internal/config"
	"github.com/semmidev/pgmirror/internal/domain"
	"github.com/semmidev/pgmirror/internal/infrastructure/logger"
	"github.com/semmidev/pgmirror/internal/infrastructure/metrics"
	"github.com/semmidev/pgmirror/internal/infrastructure/scheduler"
	"github.com/semmidev/pgmirror/internal/usecase"
)

type App struct {
	config    *config.Config
	logger    *logger.Logger
	fs        afero.Fs
	admin     domain.Administrator
	filter    *usecase.Filter
	cleanupUC *usecase.Cleanup
	pipeline  *usecase.Pipeline
	scheduler *scheduler.Scheduler
}

func New(ctx context.Context, cfg *config.Config) (*App, error) {
	log, err := logger.New(cfg.App.LogLevel, cfg.App.LogFile)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	fs := afero.NewOsFs()

	localStorage, err := storage.NewLocal(fs, cfg.BackupDirectory)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize local storage: %w", err)
	}

	runner := database.NewExecRunner()
	admin := database.NewPostgreSQL(database.NewPgxConnector(cfg.App.Name), log)
	dumper := database.NewPgDump(runner, fs, cfg.Dump, log)
	restorer, err := database.NewPsql(runner, cfg.Restore, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize restore: %w", err)
	}

	filter, err := usecase.NewFilter(fs, cfg.Filter.Patterns)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize filter: %w", err)
	}

	cleanupUC := usecase.NewCleanup(localStorage, log, cfg.BackupRetentionDays)

	deps := usecase.Dependencies{
		Admin:     admin,
		Dumper:    dumper,
		Filter:    filter,
		Restorer:  restorer,
		Cleaner:   cleanupUC,
		Observer:  metrics.New(cfg.Metrics.TextfilePath),
		Notifiers: initializeNotifiers(cfg, log),
		Logger:    log,
		JobLogger: func(jobID string) usecase.Logger { return log.ForJob(jobID) },
	}
	if targets := initializeUploadTargets(ctx, cfg, log); len(targets) > 0 {
		deps.Archive = usecase.NewArchive(fs, targets, compressor.NewGzip(fs), cfg.Archive.Compress, cfg.BackupRetentionDays, log)
	}

	return &App{
		config:    cfg,
		logger:    log,
		fs:        fs,
		admin:     admin,
		filter:    filter,
		cleanupUC: cleanupUC,
		pipeline:  usecase.NewPipeline(cfg, deps),
	}, nil
}

func initializeUploadTargets(ctx context.Context, cfg *config.Config, log *logger.Logger) []usecase.UploadTarget {
	var targets []usecase.UploadTarget

	for _, targetCfg := range cfg.GetEnabledUploadTargets() {
		var stor domain.Storage
		var err error

		switch targetCfg.Type {
		case "gdrive":
			stor, err = storage.NewGDrive(ctx, targetCfg)
			if err != nil {
				log.Errorf("Failed to initialize Google Drive: %v", err)
				continue
			}
			log.Infof("✓ Google Drive archive enabled (folder: %s)", targetCfg.FolderID)

		case "s3":
			stor, err = storage.NewS3(ctx, targetCfg)
			if err != nil {
				log.Errorf("Failed to initialize S3: %v", err)
				continue
			}
			log.Infof("✓ AWS S3 archive enabled (bucket: %s)", targetCfg.Bucket)

		default:
			log.Warnf("Unknown upload target type: %s", targetCfg.Type)
			continue
		}

		targets = append(targets, usecase.UploadTarget{Name: targetCfg.Type, Storage: stor})
	}

	return targets
}

func initializeNotifiers(cfg *config.Config, log *logger.Logger) []domain.Notifier {
	var notifiers []domain.Notifier

	if cfg.Notify.Telegram.Enabled {
		tg, err := notifier.NewTelegram(cfg.Notify.Telegram)
		if err != nil {
			log.Errorf("Failed to initialize Telegram: %v", err)
		} else {
			notifiers = append(notifiers, tg)
			log.Infof("✓ Telegram notifications enabled")
		}
	}

	return notifiers
}

// RunOnce executes a single dump and restore job.
func (a *App) RunOnce(ctx context.Context) (*domain.BackupJob, error) {
	return a.pipeline.Run(ctx)
}

// RunScheduled re-runs the job on the configured cron expression until ctx
// is cancelled.
func (a *App) RunScheduled(ctx context.Context, spec string) error {
	if spec == "" {
		spec = a.config.Schedule
	}
	if spec == "" {
		return &domain.ValidationError{Subject: "config", Err: fmt.Errorf("schedule is not set")}
	}

	a.scheduler = scheduler.New(a.logger.SugaredLogger)
	if err := a.scheduler.AddJob(spec, func(ctx context.Context) error {
		a.logger.Infof("=== Triggered scheduled run ===")
		_, err := a.pipeline.Run(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("failed to schedule job %q: %w", spec, err)
	}

	a.scheduler.Start()
	a.logger.Infof("Scheduler started (%s), next run at %s", spec, a.scheduler.Next().Format("2006-01-02 15:04:05"))

	<-ctx.Done()
	return nil
}

// Check validates the source database and the administrative database of
// the target server without changing anything.
func (a *App) Check(ctx context.Context) error {
	source := a.config.SourceDescriptor()
	target := a.config.TargetDescriptor().WithDatabase(a.config.DBDevName)

	for _, desc := range []domain.ConnectionDescriptor{source, target} {
		probe, err := a.admin.Validate(ctx, desc)
		if err != nil {
			a.logger.Errorf("✗ %s: %v", desc, err)
			return err
		}
		a.logger.Infof("✓ %s reachable (PostgreSQL %s, %s)", desc, probe.ServerVersion, probe.Latency)
	}
	return nil
}

// Filter runs the compatibility filter on an arbitrary dump. An empty dst
// writes the default sibling file.
func (a *App) Filter(src, dst string) (*domain.FilteredArtifact, error) {
	if dst == "" {
		dst = usecase.FilteredPath(src)
	}
	artifact, err := a.filter.ApplyTo(src, dst)
	if err != nil {
		return nil, err
	}
	a.logger.Infof("Filtered %s -> %s: %d of %d line(s) dropped",
		artifact.SourcePath, artifact.Path, artifact.LinesDropped, artifact.LinesRead)
	return artifact, nil
}

// Cleanup runs the retention sweep on its own.
func (a *App) Cleanup(ctx context.Context) usecase.CleanupReport {
	return a.cleanupUC.Execute(ctx)
}

func (a *App) Logger() *logger.Logger {
	return a.logger
}

func (a *App) Shutdown() {
	if a.scheduler != nil {
		a.logger.Infof("Stopping scheduler...")
		a.scheduler.Stop()
	}
	_ = a.logger.Close()
}

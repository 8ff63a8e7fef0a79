package usecase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/semmidev/pgmirror/internal/domain"
)

// LocalStorage is the backup directory the cleaner sweeps.
type LocalStorage interface {
	domain.Storage
	GetPath(filename string) string
}

// CleanupReport describes one retention sweep. Err aggregates every
// individual failure; a non-nil Err never aborts the job.
type CleanupReport struct {
	Cutoff     time.Time
	Candidates int
	Deleted    []string
	Err        error
}

// Failures returns how many individual errors the sweep collected.
func (r CleanupReport) Failures() int {
	return len(multierr.Errors(r.Err))
}

// Cleanup removes local backup files older than the retention window.
type Cleanup struct {
	storage       LocalStorage
	logger        Logger
	retentionDays int
	now           func() time.Time
}

func NewCleanup(storage LocalStorage, logger Logger, retentionDays int) *Cleanup {
	return &Cleanup{
		storage:       storage,
		logger:        logger,
		retentionDays: retentionDays,
		now:           time.Now,
	}
}

// Execute deletes every regular file modified before now minus the
// retention window. Single file failures are logged and collected.
func (uc *Cleanup) Execute(ctx context.Context) CleanupReport {
	report := CleanupReport{Cutoff: uc.now().AddDate(0, 0, -uc.retentionDays)}
	uc.logger.Infof("Starting cleanup, retention: %d days (cutoff %s)",
		uc.retentionDays, report.Cutoff.Format(time.RFC3339))

	files, err := uc.storage.GetOldFiles(ctx, report.Cutoff)
	if err != nil {
		report.Err = fmt.Errorf("list old backups: %w", err)
		uc.logger.Warnf("Cleanup could not list backups: %v", err)
		return report
	}
	report.Candidates = len(files)

	for _, name := range files {
		if ctx.Err() != nil {
			report.Err = multierr.Append(report.Err, ctx.Err())
			break
		}
		if err := uc.storage.Delete(ctx, name); err != nil {
			uc.logger.Warnf("Failed to delete old backup %s: %v", uc.storage.GetPath(name), err)
			report.Err = multierr.Append(report.Err, fmt.Errorf("%s: %w", name, err))
			continue
		}
		uc.logger.Infof("Deleted old backup: %s", uc.storage.GetPath(name))
		report.Deleted = append(report.Deleted, name)
	}

	uc.logger.Infof("Cleanup completed: %d of %d old backup(s) deleted", len(report.Deleted), report.Candidates)
	return report
}

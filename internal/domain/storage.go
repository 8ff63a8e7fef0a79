package domain

import (
	"context"
	"time"
)

// Storage is a flat directory of backup files, local or remote. Names are
// relative to the storage root.
type Storage interface {
	Upload(ctx context.Context, localPath string, remoteName string) error
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, remoteName string) error
	// GetOldFiles lists files created or modified before cutoffTime.
	GetOldFiles(ctx context.Context, cutoffTime time.Time) ([]string, error)
}

// Notifier delivers a finished job report to operators.
type Notifier interface {
	Notify(ctx context.Context, job *BackupJob) error
}

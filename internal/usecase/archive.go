package usecase

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/semmidev/pgmirror/internal/domain"
)

// UploadTarget is a named remote copy destination for finished dumps.
type UploadTarget struct {
	Name    string
	Storage domain.Storage
}

// Archive copies a restored dump to the remote targets and prunes remote
// copies older than the retention window.
type Archive struct {
	fs            afero.Fs
	targets       []UploadTarget
	compressor    domain.Compressor
	compress      bool
	retentionDays int
	logger        Logger
	tempDir       string
	now           func() time.Time
	newBackOff    func() backoff.BackOff
}

func NewArchive(
	fs afero.Fs,
	targets []UploadTarget,
	compressor domain.Compressor,
	compress bool,
	retentionDays int,
	logger Logger,
) *Archive {
	return &Archive{
		fs:            fs,
		targets:       targets,
		compressor:    compressor,
		compress:      compress,
		retentionDays: retentionDays,
		logger:        logger,
		tempDir:       os.TempDir(),
		now:           time.Now,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 2 * time.Second
			b.MaxElapsedTime = 5 * time.Minute
			return b
		},
	}
}

// Execute uploads path to every target, then prunes each one. Errors are
// collected across targets.
func (uc *Archive) Execute(ctx context.Context, path string) error {
	if len(uc.targets) == 0 {
		return nil
	}

	finalPath, finalName := path, filepath.Base(path)
	if uc.compress {
		finalName += ".gz"
		finalPath = filepath.Join(uc.tempDir, finalName)

		uc.logger.Infof("Compressing %s for archive...", filepath.Base(path))
		if err := uc.compressor.Compress(path, finalPath); err != nil {
			return fmt.Errorf("compression: %w", err)
		}
		defer uc.fs.Remove(finalPath)

		if info, err := uc.fs.Stat(finalPath); err == nil {
			uc.logger.Infof("Compression complete, size: %s", humanize.Bytes(uint64(info.Size())))
		}
	}

	var (
		mu   sync.Mutex
		errs error
		wg   sync.WaitGroup
	)
	for _, target := range uc.targets {
		wg.Add(1)
		go func(t UploadTarget) {
			defer wg.Done()
			if err := uc.archiveTo(ctx, t, finalPath, finalName); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", t.Name, err))
				mu.Unlock()
			}
		}(target)
	}
	wg.Wait()

	return errs
}

func (uc *Archive) archiveTo(ctx context.Context, t UploadTarget, path, name string) error {
	uc.logger.Infof("Uploading %s to %s...", name, t.Name)

	upload := func() error { return t.Storage.Upload(ctx, path, name) }
	policy := backoff.WithContext(backoff.WithMaxRetries(uc.newBackOff(), 3), ctx)
	if err := backoff.Retry(upload, policy); err != nil {
		uc.logger.Errorf("Failed to upload to %s: %v", t.Name, err)
		return fmt.Errorf("upload: %w", err)
	}
	uc.logger.Infof("Successfully uploaded to %s", t.Name)

	return uc.prune(ctx, t)
}

func (uc *Archive) prune(ctx context.Context, t UploadTarget) error {
	cutoff := uc.now().AddDate(0, 0, -uc.retentionDays)

	files, err := t.Storage.GetOldFiles(ctx, cutoff)
	if err != nil {
		uc.logger.Warnf("Listing old files on %s failed, falling back to file names: %v", t.Name, err)
		files, err = uc.fallbackListFiles(ctx, t, cutoff)
		if err != nil {
			return err
		}
	}

	var errs error
	deleted := 0
	for _, name := range files {
		if err := t.Storage.Delete(ctx, name); err != nil {
			uc.logger.Errorf("Failed to delete %s from %s: %v", name, t.Name, err)
			errs = multierr.Append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		deleted++
	}
	uc.logger.Infof("Deleted %d old archive(s) from %s", deleted, t.Name)

	return errs
}

func (uc *Archive) fallbackListFiles(ctx context.Context, t UploadTarget, cutoff time.Time) ([]string, error) {
	files, err := t.Storage.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}

	var old []string
	for _, name := range files {
		ts, err := extractTimestamp(name)
		if err != nil {
			uc.logger.Warnf("Could not parse timestamp from %s: %v", name, err)
			continue
		}
		if ts.Before(cutoff) {
			old = append(old, name)
		}
	}
	return old, nil
}

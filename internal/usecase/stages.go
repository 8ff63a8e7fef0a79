package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/semmidev/pgmirror/internal/domain"
)

// timed runs fn and wraps its outcome in a StageResult.
func timed(name domain.StageName, fn func() (string, error)) domain.StageResult {
	start := time.Now()
	detail, err := fn()
	if err != nil {
		return domain.Failed(name, time.Since(start), err)
	}
	return domain.Succeeded(name, time.Since(start), detail)
}

func (p *Pipeline) adminDescriptor(job *domain.BackupJob) domain.ConnectionDescriptor {
	return job.Target.WithDatabase(job.AdminDatabase)
}

func (p *Pipeline) validate(ctx context.Context, job *domain.BackupJob, log Logger) domain.StageResult {
	return timed(domain.StageValidate, func() (string, error) {
		if err := p.cfg.Validate(); err != nil {
			return "", err
		}

		src, err := p.deps.Admin.Validate(ctx, job.Source)
		if err != nil {
			return "", err
		}
		log.Infof("Source %s reachable (PostgreSQL %s, %s)", job.Source, src.ServerVersion, src.Latency.Round(time.Millisecond))

		admin := p.adminDescriptor(job)
		dst, err := p.deps.Admin.Validate(ctx, admin)
		if err != nil {
			return "", err
		}
		log.Infof("Target %s reachable (PostgreSQL %s, %s)", admin, dst.ServerVersion, dst.Latency.Round(time.Millisecond))

		return fmt.Sprintf("source %s, target %s", src.ServerVersion, dst.ServerVersion), nil
	})
}

func (p *Pipeline) dump(ctx context.Context, job *domain.BackupJob, log Logger) domain.StageResult {
	return timed(domain.StageDump, func() (string, error) {
		artifact, err := p.deps.Dumper.Dump(ctx, job.Source, job.RawPath)
		if err != nil {
			return "", err
		}
		job.Dump = artifact
		return fmt.Sprintf("%s written to %s", humanize.Bytes(uint64(artifact.Size)), artifact.Path), nil
	})
}

func (p *Pipeline) filter(ctx context.Context, job *domain.BackupJob, log Logger) domain.StageResult {
	return timed(domain.StageFilter, func() (string, error) {
		artifact, err := p.deps.Filter.Apply(job.RawPath)
		if err != nil {
			return "", err
		}
		job.Filtered = artifact
		job.FilteredPath = artifact.Path

		for pattern, n := range artifact.Dropped {
			log.Infof("Dropped %d line(s) matching %s", n, pattern)
		}
		return fmt.Sprintf("%d of %d line(s) dropped", artifact.LinesDropped, artifact.LinesRead), nil
	})
}

func (p *Pipeline) reapSessions(ctx context.Context, job *domain.BackupJob, log Logger) domain.StageResult {
	return timed(domain.StageReapSessions, func() (string, error) {
		n, err := p.deps.Admin.TerminateSessions(ctx, p.adminDescriptor(job), job.Target.Database)
		if err != nil {
			return "", err
		}
		job.SessionsTerminated = n
		return fmt.Sprintf("%d session(s) terminated", n), nil
	})
}

func (p *Pipeline) recreate(ctx context.Context, job *domain.BackupJob, log Logger) domain.StageResult {
	return timed(domain.StageRecreate, func() (string, error) {
		existed, err := p.deps.Admin.Recreate(ctx, p.adminDescriptor(job), job.Target.Database, job.Target.Owner)
		if err != nil {
			var aErr *domain.AdminOperationError
			if errors.As(err, &aErr) && aErr.Operation == domain.OpCreateDatabase {
				job.TargetState = domain.TargetDropped
			}
			return "", err
		}
		job.TargetState = domain.TargetRecreated
		if existed {
			return "existing database dropped and created", nil
		}
		return "database created", nil
	})
}

func (p *Pipeline) restore(ctx context.Context, job *domain.BackupJob, log Logger) domain.StageResult {
	return timed(domain.StageRestore, func() (string, error) {
		outcome, err := p.deps.Restorer.Restore(ctx, job.Target, job.FilteredPath)
		if err != nil {
			job.TargetState = domain.TargetPartiallyRestored
			return "", err
		}
		job.TargetState = domain.TargetRestored
		return fmt.Sprintf("%d warning(s), %d ignored error(s)", outcome.Warnings, outcome.Ignored), nil
	})
}

func (p *Pipeline) normalizeOwnership(ctx context.Context, job *domain.BackupJob, log Logger) domain.StageResult {
	return timed(domain.StageNormalizeOwnership, func() (string, error) {
		grantees := p.cfg.GrantRoles()
		n, err := p.deps.Admin.NormalizeOwnership(ctx, job.Target, job.Target.Owner, grantees)
		if err != nil {
			return "", err
		}
		job.ObjectsReassigned = n
		job.TargetState = domain.TargetNormalized
		return fmt.Sprintf("%d object(s) owned by %s, privileges granted to %s",
			n, job.Target.Owner, strings.Join(grantees, ", ")), nil
	})
}

// cleanup always succeeds; deletion failures become part of the detail.
func (p *Pipeline) cleanup(ctx context.Context, job *domain.BackupJob, log Logger) domain.StageResult {
	return timed(domain.StageCleanup, func() (string, error) {
		report := p.deps.Cleaner.Execute(ctx)
		job.FilesCleaned = len(report.Deleted)

		detail := fmt.Sprintf("%d old file(s) removed", len(report.Deleted))
		if report.Err != nil {
			log.Warnf("Cleanup finished with errors: %v", report.Err)
			detail += fmt.Sprintf(", %d failure(s): %v", report.Failures(), report.Err)
		}
		return detail, nil
	})
}

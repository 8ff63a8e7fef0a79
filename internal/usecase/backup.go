package usecase

import (
	"context"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/semmidev/pgmirror/internal/config"
	"github.com/semmidev/pgmirror/internal/domain"
)

type Logger interface {
	Infof(template string, args ...interface{})
	Errorf(template string, args ...interface{})
	Warnf(template string, args ...interface{})
}

// Sanitizer turns a raw dump into a script the target server accepts.
type Sanitizer interface {
	Apply(rawPath string) (*domain.FilteredArtifact, error)
}

// RetentionCleaner sweeps old local artifacts.
type RetentionCleaner interface {
	Execute(ctx context.Context) CleanupReport
}

// Archiver ships a finished dump off the machine.
type Archiver interface {
	Execute(ctx context.Context, path string) error
}

// JobObserver records a finished job, e.g. as metrics.
type JobObserver interface {
	Observe(job *domain.BackupJob) error
}

// Dependencies are the collaborators of a Pipeline. Archive, Observer and
// Notifiers are optional.
type Dependencies struct {
	Admin     domain.Administrator
	Dumper    domain.Dumper
	Filter    Sanitizer
	Restorer  domain.Restorer
	Cleaner   RetentionCleaner
	Archive   Archiver
	Observer  JobObserver
	Notifiers []domain.Notifier
	Logger    Logger

	// JobLogger derives the logger used for a single job, typically one that
	// tags every record with the job ID. Logger is used when it is nil.
	JobLogger func(jobID string) Logger
}

type stage struct {
	name domain.StageName
	run  func(ctx context.Context, job *domain.BackupJob, log Logger) domain.StageResult
}

// Pipeline replaces the target database with a fresh copy of the source.
// Stages run strictly in order and the first failure stops the job.
type Pipeline struct {
	cfg    *config.Config
	deps   Dependencies
	logger Logger
	stages []stage

	now   func() time.Time
	newID func() string

	postTimeout time.Duration
}

func NewPipeline(cfg *config.Config, deps Dependencies) *Pipeline {
	p := &Pipeline{
		cfg:         cfg,
		deps:        deps,
		logger:      deps.Logger,
		now:         time.Now,
		newID:       uuid.NewString,
		postTimeout: 2 * time.Minute,
	}
	p.stages = []stage{
		{domain.StageValidate, p.validate},
		{domain.StageDump, p.dump},
		{domain.StageFilter, p.filter},
		{domain.StageReapSessions, p.reapSessions},
		{domain.StageRecreate, p.recreate},
		{domain.StageRestore, p.restore},
		{domain.StageNormalizeOwnership, p.normalizeOwnership},
		{domain.StageCleanup, p.cleanup},
	}
	return p
}

// NewJob prepares the record for a run starting now.
func (p *Pipeline) NewJob() *domain.BackupJob {
	started := p.now()
	raw := filepath.Join(p.cfg.BackupDirectory, BackupFilename(p.cfg.DBName, started))
	return &domain.BackupJob{
		ID:            p.newID(),
		Source:        p.cfg.SourceDescriptor(),
		Target:        p.cfg.TargetDescriptor(),
		AdminDatabase: p.cfg.DBDevName,
		RawPath:       raw,
		FilteredPath:  FilteredPath(raw),
		StartedAt:     started,
		TargetState:   domain.TargetUntouched,
	}
}

func (p *Pipeline) jobLogger(jobID string) Logger {
	if p.deps.JobLogger != nil {
		return p.deps.JobLogger(jobID)
	}
	return p.logger
}

// Run executes every stage in order. On failure the returned error is a
// *domain.ProcessError holding the results recorded so far, the last of
// which is the failure. The job is returned in both cases.
func (p *Pipeline) Run(ctx context.Context) (*domain.BackupJob, error) {
	job := p.NewJob()
	log := p.jobLogger(job.ID)
	log.Infof("=== %s started at %s (job %s) ===", p.cfg.App.Name, humanDate(job.StartedAt), job.ID)
	log.Infof("Replacing %s with %s", job.Target, job.Source)

	for _, s := range p.stages {
		log.Infof("[%s] started", s.name)
		res := s.run(ctx, job, log)
		job.Results = append(job.Results, res)

		if !res.OK() {
			job.FinishedAt = p.now()
			log.Errorf("[%s] failed after %s: %v", s.name, res.Duration.Round(time.Millisecond), res.Err)
			perr := &domain.ProcessError{
				JobID:       job.ID,
				Stage:       s.name,
				Results:     job.Results,
				TargetState: job.TargetState,
				Err:         res.Err,
			}
			if job.TargetState == domain.TargetPartiallyRestored {
				log.Errorf("Target %s is partially restored, manual intervention required", job.Target)
			}
			p.afterRun(ctx, job, log)
			log.Errorf("=== %s failed at %s after %s ===", p.cfg.App.Name, humanDate(job.FinishedAt), job.Duration().Round(time.Second))
			return job, perr
		}

		if res.Detail != "" {
			log.Infof("[%s] succeeded in %s: %s", s.name, res.Duration.Round(time.Millisecond), res.Detail)
		} else {
			log.Infof("[%s] succeeded in %s", s.name, res.Duration.Round(time.Millisecond))
		}
	}

	job.FinishedAt = p.now()
	p.afterRun(ctx, job, log)
	log.Infof("=== %s completed at %s in %s ===", p.cfg.App.Name, humanDate(job.FinishedAt), job.Duration().Round(time.Second))
	return job, nil
}

// afterRun performs the post actions. Their failures are logged and never
// change the outcome of the job.
func (p *Pipeline) afterRun(ctx context.Context, job *domain.BackupJob, log Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.postTimeout)
	defer cancel()

	if p.deps.Observer != nil {
		if err := p.deps.Observer.Observe(job); err != nil {
			log.Warnf("Failed to record metrics: %v", err)
		}
	}

	if job.Succeeded() && p.deps.Archive != nil {
		if err := p.deps.Archive.Execute(ctx, job.FilteredPath); err != nil {
			log.Warnf("Archive upload incomplete: %v", err)
		}
	}

	for _, n := range p.deps.Notifiers {
		if err := n.Notify(ctx, job); err != nil {
			log.Warnf("Failed to send notification: %v", err)
		}
	}
}

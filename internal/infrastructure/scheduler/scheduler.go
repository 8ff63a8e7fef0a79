package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler re-runs jobs on cron expressions with a seconds field. A run
// that is still in progress when its next tick fires makes that tick a no-op.
type Scheduler struct {
	cron   *cron.Cron
	log    *zap.SugaredLogger
	ctx    context.Context
	cancel context.CancelFunc
}

func New(log *zap.SugaredLogger) *Scheduler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	cl := cronLogger{log}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// AddJob registers job under spec. The context handed to job is cancelled
// by Stop.
func (s *Scheduler) AddJob(spec string, job func(context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		if err := job(s.ctx); err != nil {
			s.log.Errorf("Scheduled job failed: %v", err)
		}
	})
	return err
}

// Next returns the earliest upcoming run, or the zero time.
func (s *Scheduler) Next() time.Time {
	var next time.Time
	now := time.Now()
	for _, e := range s.cron.Entries() {
		n := e.Next
		if n.IsZero() {
			// not started yet
			n = e.Schedule.Next(now)
		}
		if next.IsZero() || n.Before(next) {
			next = n
		}
	}
	return next
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
}

type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}

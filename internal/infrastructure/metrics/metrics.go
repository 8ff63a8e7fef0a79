package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/semmidev/pgmirror/internal/domain"
)

const namespace = "pgmirror"

var targetStates = []domain.TargetState{
	domain.TargetUntouched,
	domain.TargetDropped,
	domain.TargetRecreated,
	domain.TargetPartiallyRestored,
	domain.TargetRestored,
	domain.TargetNormalized,
}

// Recorder keeps the gauges describing the last job and writes them in the
// node_exporter textfile format. A one-shot process has nothing to scrape,
// so the file is the export channel.
type Recorder struct {
	registry     *prometheus.Registry
	textfilePath string

	lastRun       prometheus.Gauge
	lastSuccess   prometheus.Gauge
	jobSucceeded  prometheus.Gauge
	jobDuration   prometheus.Gauge
	dumpBytes     prometheus.Gauge
	linesDropped  prometheus.Gauge
	sessions      prometheus.Gauge
	filesCleaned  prometheus.Gauge
	stageDuration *prometheus.GaugeVec
	stageSuccess  *prometheus.GaugeVec
	targetState   *prometheus.GaugeVec
}

func New(textfilePath string) *Recorder {
	r := &Recorder{
		registry:     prometheus.NewRegistry(),
		textfilePath: textfilePath,
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_run_timestamp_seconds",
			Help: "Unix time the last job finished.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_success_timestamp_seconds",
			Help: "Unix time the last successful job finished.",
		}),
		jobSucceeded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "job_success",
			Help: "1 if the last job succeeded, 0 otherwise.",
		}),
		jobDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "job_duration_seconds",
			Help: "Wall time of the last job.",
		}),
		dumpBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "dump_size_bytes",
			Help: "Size of the last raw dump.",
		}),
		linesDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "filter_dropped_lines",
			Help: "Lines removed by the compatibility filter in the last job.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "terminated_sessions",
			Help: "Sessions terminated on the target before it was dropped.",
		}),
		filesCleaned: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cleanup_deleted_files",
			Help: "Old backup files deleted in the last job.",
		}),
		stageDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "stage_duration_seconds",
			Help: "Duration of each stage of the last job.",
		}, []string{"stage"}),
		stageSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "stage_success",
			Help: "1 if the stage succeeded in the last job, 0 if it failed.",
		}, []string{"stage"}),
		targetState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "target_state",
			Help: "State the target database was left in; the current state is 1.",
		}, []string{"state"}),
	}

	r.registry.MustRegister(
		r.lastRun, r.lastSuccess, r.jobSucceeded, r.jobDuration, r.dumpBytes,
		r.linesDropped, r.sessions, r.filesCleaned,
		r.stageDuration, r.stageSuccess, r.targetState,
	)
	return r
}

// Record updates the gauges from a finished job.
func (r *Recorder) Record(job *domain.BackupJob) {
	finished := job.FinishedAt
	r.lastRun.Set(float64(finished.Unix()))
	r.jobDuration.Set(job.Duration().Seconds())

	if job.Succeeded() {
		r.jobSucceeded.Set(1)
		r.lastSuccess.Set(float64(finished.Unix()))
	} else {
		r.jobSucceeded.Set(0)
	}

	if job.Dump != nil {
		r.dumpBytes.Set(float64(job.Dump.Size))
	}
	if job.Filtered != nil {
		r.linesDropped.Set(float64(job.Filtered.LinesDropped))
	}
	r.sessions.Set(float64(job.SessionsTerminated))
	r.filesCleaned.Set(float64(job.FilesCleaned))

	r.stageDuration.Reset()
	r.stageSuccess.Reset()
	for _, res := range job.Results {
		r.stageDuration.WithLabelValues(string(res.Stage)).Set(res.Duration.Seconds())
		ok := 0.0
		if res.OK() {
			ok = 1
		}
		r.stageSuccess.WithLabelValues(string(res.Stage)).Set(ok)
	}

	for _, s := range targetStates {
		v := 0.0
		if s == job.TargetState {
			v = 1
		}
		r.targetState.WithLabelValues(string(s)).Set(v)
	}
}

// Observe records the job and, when a textfile path is configured, writes it.
func (r *Recorder) Observe(job *domain.BackupJob) error {
	r.Record(job)
	if r.textfilePath == "" {
		return nil
	}
	return r.WriteTextfile(r.textfilePath)
}

func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

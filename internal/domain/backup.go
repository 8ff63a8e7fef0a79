package domain

import "time"

// TargetState tracks what the job has done to the target database so far.
type TargetState string

const (
	TargetUntouched TargetState = "untouched"
	TargetDropped   TargetState = "dropped"
	TargetRecreated TargetState = "recreated"
	// TargetPartiallyRestored means the restore tool reported fatal errors
	// after it started writing. The database is left as is and an operator
	// has to intervene.
	TargetPartiallyRestored TargetState = "partially_restored"
	TargetRestored          TargetState = "restored"
	TargetNormalized        TargetState = "normalized"
)

// DumpArtifact is the raw dump written by the dump stage. Size is always > 0.
type DumpArtifact struct {
	Path string
	Size int64
}

// FilteredArtifact is the dump with incompatible statements removed.
type FilteredArtifact struct {
	Path         string
	SourcePath   string
	Size         int64
	LinesRead    int
	LinesDropped int
	Dropped      map[string]int
}

// BackupJob is the record of a single dump and restore run. It lives for one
// process invocation; only logs, metrics and notifications outlive it.
type BackupJob struct {
	ID            string
	Source        ConnectionDescriptor
	Target        ConnectionDescriptor
	AdminDatabase string

	RawPath      string
	FilteredPath string
	Dump         *DumpArtifact
	Filtered     *FilteredArtifact

	SessionsTerminated int64
	ObjectsReassigned  int
	FilesCleaned       int

	StartedAt   time.Time
	FinishedAt  time.Time
	Results     []StageResult
	TargetState TargetState
}

// Succeeded reports whether every recorded stage succeeded.
func (j *BackupJob) Succeeded() bool {
	if len(j.Results) == 0 {
		return false
	}
	for _, r := range j.Results {
		if !r.OK() {
			return false
		}
	}
	return true
}

// Duration is the wall time between start and finish.
func (j *BackupJob) Duration() time.Duration {
	if j.FinishedAt.IsZero() {
		return time.Since(j.StartedAt)
	}
	return j.FinishedAt.Sub(j.StartedAt)
}

// LastResult returns the most recent stage result, if any.
func (j *BackupJob) LastResult() (StageResult, bool) {
	if len(j.Results) == 0 {
		return StageResult{}, false
	}
	return j.Results[len(j.Results)-1], true
}

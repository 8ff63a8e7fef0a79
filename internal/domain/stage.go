package domain

import "time"

// StageName names one step of the pipeline.
type StageName string

const (
	StageValidate           StageName = "validate"
	StageDump               StageName = "dump"
	StageFilter             StageName = "filter"
	StageReapSessions       StageName = "reap_sessions"
	StageRecreate           StageName = "recreate"
	StageRestore            StageName = "restore"
	StageNormalizeOwnership StageName = "normalize_ownership"
	StageCleanup            StageName = "cleanup"
)

// StageStatus is the tag of a StageResult.
type StageStatus string

const (
	StatusSucceeded StageStatus = "succeeded"
	StatusFailed    StageStatus = "failed"
)

// StageResult is what every stage function returns: either a success with
// an optional detail note, or a failure carrying its cause.
type StageResult struct {
	Stage    StageName
	Status   StageStatus
	Duration time.Duration
	Err      error
	Detail   string
}

func Succeeded(stage StageName, d time.Duration, detail string) StageResult {
	return StageResult{Stage: stage, Status: StatusSucceeded, Duration: d, Detail: detail}
}

func Failed(stage StageName, d time.Duration, err error) StageResult {
	return StageResult{Stage: stage, Status: StatusFailed, Duration: d, Err: err}
}

// OK reports whether the stage succeeded.
func (r StageResult) OK() bool {
	return r.Status == StatusSucceeded
}

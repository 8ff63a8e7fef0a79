package domain

import (
	"fmt"
	"strings"
)

// ValidationError reports incomplete configuration or an unreachable server.
// No stage runs after it.
type ValidationError struct {
	Subject string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %v", e.Subject, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// BackupOperationError reports a failed dump or an empty/missing dump file.
type BackupOperationError struct {
	Command []string
	Path    string
	Stderr  string
	Err     error
}

func (e *BackupOperationError) Error() string {
	msg := fmt.Sprintf("dump to %s failed (%s): %v", e.Path, strings.Join(e.Command, " "), e.Err)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ", stderr: " + s
	}
	return msg
}

func (e *BackupOperationError) Unwrap() error { return e.Err }

// RestoreOperationError reports fatal errors emitted while replaying a dump.
// The target database is left as it is.
type RestoreOperationError struct {
	Command  []string
	Database string
	Path     string
	ExitCode int
	Errors   []string
	Err      error
}

func (e *RestoreOperationError) Error() string {
	msg := fmt.Sprintf("restore of %s into %s failed (exit %d)", e.Path, e.Database, e.ExitCode)
	if len(e.Errors) > 0 {
		msg += fmt.Sprintf(", %d fatal error(s), first: %s", len(e.Errors), e.Errors[0])
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RestoreOperationError) Unwrap() error { return e.Err }

// Administrative operations named in AdminOperationError.
const (
	OpTerminateSessions  = "terminate sessions"
	OpRecreateDatabase   = "recreate database"
	OpCheckDatabase      = "check database"
	OpDropDatabase       = "drop database"
	OpCreateDatabase     = "create database"
	OpNormalizeOwnership = "normalize ownership"
)

// AdminOperationError reports a failed administrative statement such as
// session termination, DROP/CREATE DATABASE or ownership changes.
type AdminOperationError struct {
	Operation string
	Database  string
	Statement string
	Err       error
}

func (e *AdminOperationError) Error() string {
	return fmt.Sprintf("%s on %s failed: %v", e.Operation, e.Database, e.Err)
}

func (e *AdminOperationError) Unwrap() error { return e.Err }

// ProcessError wraps the first failing stage together with every stage
// result recorded up to and including it.
type ProcessError struct {
	JobID       string
	Stage       StageName
	Results     []StageResult
	TargetState TargetState
	Err         error
}

func (e *ProcessError) Error() string {
	completed := make([]string, 0, len(e.Results))
	for _, r := range e.Results {
		if r.OK() {
			completed = append(completed, string(r.Stage))
		}
	}
	msg := fmt.Sprintf("job %s failed at stage %s (completed: [%s], target: %s): %v",
		e.JobID, e.Stage, strings.Join(completed, ", "), e.TargetState, e.Err)
	if e.TargetState == TargetPartiallyRestored {
		msg += "; target database is partially restored, manual intervention required"
	}
	return msg
}

func (e *ProcessError) Unwrap() error { return e.Err }

package database

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Command is an external tool invocation. Arguments are passed as a list,
// never through a shell.
type Command struct {
	Name string
	Args []string
	Env  []string
}

// Argv returns the full argument vector, for logs and errors.
func (c Command) Argv() []string {
	return append([]string{c.Name}, c.Args...)
}

func (c Command) String() string {
	return strings.Join(c.Argv(), " ")
}

// CommandResult is what a finished tool reported.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner executes commands. Implementations always return a non-nil result,
// even alongside an error.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*CommandResult, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

func (r *ExecRunner) Run(ctx context.Context, c Command) (*CommandResult, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Env = append(os.Environ(), c.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := &CommandResult{
		ExitCode: -1,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, fmt.Errorf("%s interrupted: %w", c.Name, ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return result, fmt.Errorf("%s exited with code %d: %w", c.Name, result.ExitCode, err)
		}
		return result, fmt.Errorf("failed to run %s: %w", c.Name, err)
	}

	return result, nil
}

func logCaptured(log Logger, cmd Command, res *CommandResult) {
	if res == nil {
		return
	}
	log.Debugf("Process args=%s", cmd)
	log.Debugf("Process return code=%d duration=%s", res.ExitCode, res.Duration.Round(time.Millisecond))
	if s := strings.TrimSpace(res.Stdout); s != "" {
		log.Debugf("Process stdout:\n%s", s)
	}
	if s := strings.TrimSpace(res.Stderr); s != "" {
		log.Debugf("Process stderr:\n%s", s)
	}
}

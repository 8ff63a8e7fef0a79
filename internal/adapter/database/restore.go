package database

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/semmidev/pgmirror/internal/config"
	"github.com/semmidev/pgmirror/internal/domain"
)

var ErrFatalRestoreOutput = errors.New("restore reported fatal errors")

var (
	fatalLine   = regexp.MustCompile(`\b(ERROR|FATAL|PANIC):`)
	warningLine = regexp.MustCompile(`\bWARNING:`)
)

// Psql replays plain SQL scripts with psql. Errors are read from stderr
// because psql exits 0 on statement errors unless ON_ERROR_STOP is set.
type Psql struct {
	runner      Runner
	binary      string
	timeout     time.Duration
	stopOnError bool
	ignore      []*regexp.Regexp
	logger      Logger
}

func NewPsql(runner Runner, cfg config.RestoreConfig, logger Logger) (*Psql, error) {
	ignore := make([]*regexp.Regexp, 0, len(cfg.IgnoreErrors))
	for _, p := range cfg.IgnoreErrors {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid restore.ignore_errors pattern %q: %w", p, err)
		}
		ignore = append(ignore, re)
	}

	binary := cfg.Binary
	if binary == "" {
		binary = "psql"
	}

	return &Psql{
		runner:      runner,
		binary:      binary,
		timeout:     cfg.Timeout,
		stopOnError: cfg.StopOnError,
		ignore:      ignore,
		logger:      logger,
	}, nil
}

// Command builds the psql invocation for target.
func (p *Psql) Command(target domain.ConnectionDescriptor, scriptPath string) Command {
	stop := "0"
	if p.stopOnError {
		stop = "1"
	}
	args := []string{
		"--host=" + target.Host,
		"--port=" + strconv.Itoa(target.Port),
		"--username=" + target.Admin,
		"--dbname=" + target.Database,
		"--no-password",
		"--no-psqlrc",
		"--quiet",
		"--set=ON_ERROR_STOP=" + stop,
		"--file=" + scriptPath,
	}
	return Command{Name: p.binary, Args: args, Env: credentialEnv(target)}
}

func (p *Psql) Restore(ctx context.Context, target domain.ConnectionDescriptor, scriptPath string) (*domain.RestoreOutcome, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	cmd := p.Command(target, scriptPath)
	res, runErr := p.runner.Run(ctx, cmd)
	logCaptured(p.logger, cmd, res)

	outcome := &domain.RestoreOutcome{}
	exitCode := -1
	if res != nil {
		outcome.Stderr = res.Stderr
		exitCode = res.ExitCode
	}

	report := ClassifyStderr(outcome.Stderr, p.ignore)
	outcome.Warnings = len(report.Warnings)
	outcome.Ignored = len(report.Ignored)

	for _, w := range report.Warnings {
		p.logger.Warnf("restore warning: %s", w)
	}
	for _, i := range report.Ignored {
		p.logger.Infof("restore error ignored by configuration: %s", i)
	}

	if runErr != nil || len(report.Fatal) > 0 {
		err := runErr
		if err == nil {
			err = ErrFatalRestoreOutput
		}
		return outcome, &domain.RestoreOperationError{
			Command:  cmd.Argv(),
			Database: target.Database,
			Path:     scriptPath,
			ExitCode: exitCode,
			Errors:   report.Fatal,
			Err:      err,
		}
	}

	return outcome, nil
}

// StderrReport splits psql diagnostics by severity.
type StderrReport struct {
	Fatal    []string
	Warnings []string
	Ignored  []string
}

// ClassifyStderr sorts every ERROR/FATAL/PANIC line into Fatal, or into
// Ignored when it matches one of ignore, and collects WARNING lines.
// NOTICE, DETAIL, HINT and context lines are dropped.
func ClassifyStderr(stderr string, ignore []*regexp.Regexp) StderrReport {
	var report StderrReport

	scanner := bufio.NewScanner(strings.NewReader(stderr))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case fatalLine.MatchString(line):
			if matchesAny(line, ignore) {
				report.Ignored = append(report.Ignored, line)
			} else {
				report.Fatal = append(report.Fatal, line)
			}
		case warningLine.MatchString(line):
			report.Warnings = append(report.Warnings, line)
		}
	}

	return report
}

func matchesAny(line string, patterns []*regexp.Regexp) bool {
	for _, re := range patterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

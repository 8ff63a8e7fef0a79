package database

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/afero"

	"github.com/semmidev/pgmirror/internal/config"
	"github.com/semmidev/pgmirror/internal/domain"
)

var ErrEmptyDump = errors.New("dump file is empty")

// PgDump produces plain-SQL dumps with pg_dump. Plain format keeps the
// output a text file the compatibility filter can rewrite.
type PgDump struct {
	runner    Runner
	fs        afero.Fs
	binary    string
	timeout   time.Duration
	extraArgs []string
	logger    Logger
}

func NewPgDump(runner Runner, fs afero.Fs, cfg config.DumpConfig, logger Logger) *PgDump {
	binary := cfg.Binary
	if binary == "" {
		binary = "pg_dump"
	}
	return &PgDump{
		runner:    runner,
		fs:        fs,
		binary:    binary,
		timeout:   cfg.Timeout,
		extraArgs: cfg.ExtraArgs,
		logger:    logger,
	}
}

// Command builds the pg_dump invocation for source.
func (d *PgDump) Command(source domain.ConnectionDescriptor, outputPath string) Command {
	args := []string{
		"--host=" + source.Host,
		"--port=" + strconv.Itoa(source.Port),
		"--username=" + source.Admin,
		"--dbname=" + source.Database,
		"--format=plain",
		"--no-owner",
		"--no-password",
		"--file=" + outputPath,
	}
	args = append(args, d.extraArgs...)

	return Command{Name: d.binary, Args: args, Env: credentialEnv(source)}
}

func (d *PgDump) Dump(ctx context.Context, source domain.ConnectionDescriptor, outputPath string) (*domain.DumpArtifact, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	cmd := d.Command(source, outputPath)
	res, err := d.runner.Run(ctx, cmd)
	logCaptured(d.logger, cmd, res)

	stderr := ""
	if res != nil {
		stderr = res.Stderr
	}

	if err != nil {
		return nil, &domain.BackupOperationError{Command: cmd.Argv(), Path: outputPath, Stderr: stderr, Err: err}
	}

	info, err := d.fs.Stat(outputPath)
	if err != nil {
		return nil, &domain.BackupOperationError{
			Command: cmd.Argv(),
			Path:    outputPath,
			Stderr:  stderr,
			Err:     fmt.Errorf("dump file missing: %w", err),
		}
	}
	if info.Size() == 0 {
		return nil, &domain.BackupOperationError{Command: cmd.Argv(), Path: outputPath, Stderr: stderr, Err: ErrEmptyDump}
	}

	return &domain.DumpArtifact{Path: outputPath, Size: info.Size()}, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/semmidev/pgmirror/internal/app"
	"github.com/semmidev/pgmirror/internal/config"
	"github.com/semmidev/pgmirror/internal/domain"
)

const (
	exitOK         = 0
	exitUnexpected = 1
	exitValidation = 2
	exitDump       = 3
	exitRestore    = 4
	exitStage      = 5
)

func main() {
	os.Exit(execute(os.Args[1:]))
}

func execute(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

// exitCode maps a failure to the process exit status.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}

	var pErr *domain.ProcessError
	if errors.As(err, &pErr) {
		switch pErr.Stage {
		case domain.StageValidate:
			return exitValidation
		case domain.StageDump:
			return exitDump
		case domain.StageRestore:
			return exitRestore
		default:
			return exitStage
		}
	}

	var (
		vErr *domain.ValidationError
		bErr *domain.BackupOperationError
		rErr *domain.RestoreOperationError
		aErr *domain.AdminOperationError
	)
	switch {
	case errors.As(err, &vErr):
		return exitValidation
	case errors.As(err, &bErr):
		return exitDump
	case errors.As(err, &rErr):
		return exitRestore
	case errors.As(err, &aErr):
		return exitStage
	}
	return exitUnexpected
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "pgmirror",
		Short:         "Replace a PostgreSQL database with a fresh dump of another",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "path to config file")

	withApp := func(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		application, err := app.New(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("initialize app: %w", err)
		}
		defer application.Shutdown()
		return fn(cmd.Context(), application)
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Dump, filter and restore once",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(ctx context.Context, a *app.App) error {
					_, err := a.RunOnce(ctx)
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "check",
			Short: "Validate the source and target connections",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(ctx context.Context, a *app.App) error {
					return a.Check(ctx)
				})
			},
		},
		newFilterCmd(withApp),
		&cobra.Command{
			Use:   "cleanup",
			Short: "Delete local backups older than the retention window",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(ctx context.Context, a *app.App) error {
					report := a.Cleanup(ctx)
					if report.Err != nil {
						a.Logger().Warnf("%d file(s) could not be deleted: %v", report.Failures(), report.Err)
					}
					return nil
				})
			},
		},
		newScheduleCmd(withApp),
	)

	return root
}

type appRunner func(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error

func newFilterCmd(withApp appRunner) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "filter <dump.sql>",
		Short: "Remove incompatible statements from a dump file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				artifact, err := a.Filter(args[0], output)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%s, %d line(s) dropped)\n",
					artifact.Path, humanize.Bytes(uint64(artifact.Size)), artifact.LinesDropped)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output path (default: <stem>_filtered.sql)")
	return cmd
}

func newScheduleCmd(withApp appRunner) *cobra.Command {
	var spec string
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the job on a cron schedule until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				return a.RunScheduled(ctx, spec)
			})
		},
	}
	cmd.Flags().StringVar(&spec, "cron", "", "cron expression with seconds (default: schedule from config)")
	return cmd
}

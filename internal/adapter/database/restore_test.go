package database

import (
	"context"
	"errors"
	"regexp"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap"

	"github.com/semmidev/pgmirror/internal/config"
	"github.com/semmidev/pgmirror/internal/domain"
)

const mixedStderr = `psql:/b/prod_filtered.sql:21: WARNING:  no privileges were granted for "public"
psql:/b/prod_filtered.sql:40: NOTICE:  extension "plpgsql" already exists, skipping
psql:/b/prod_filtered.sql:52: ERROR:  must be owner of extension plpgsql
psql:/b/prod_filtered.sql:88: ERROR:  relation "orders" does not exist
LINE 1: ALTER TABLE orders ADD CONSTRAINT ...
                    ^
`

func TestClassifyStderr(t *testing.T) {
	Convey("Given psql stderr output", t, func() {
		ignore := []*regexp.Regexp{regexp.MustCompile(`must be owner of extension`)}

		report := ClassifyStderr(mixedStderr, ignore)

		Convey("It should sort lines by severity", func() {
			So(len(report.Fatal), ShouldEqual, 1)
			So(report.Fatal[0], ShouldContainSubstring, `relation "orders" does not exist`)
			So(len(report.Ignored), ShouldEqual, 1)
			So(len(report.Warnings), ShouldEqual, 1)
		})

		Convey("Empty output has nothing to report", func() {
			r := ClassifyStderr("", nil)
			So(r.Fatal, ShouldBeEmpty)
			So(r.Warnings, ShouldBeEmpty)
		})
	})
}

func TestPsql(t *testing.T) {
	Convey("Given a Psql restorer", t, func() {
		ctx := context.Background()
		log := zap.NewNop().Sugar()
		target := domain.ConnectionDescriptor{Host: "localhost", Port: 5432, Database: "prod_copy", Admin: "postgres"}
		script := "/b/prod_filtered.sql"
		cfg := config.RestoreConfig{IgnoreErrors: []string{`must be owner of extension`}}

		Convey("Command", func() {
			p, err := NewPsql(&fakeRunner{}, config.RestoreConfig{StopOnError: true}, log)
			So(err, ShouldBeNil)
			cmd := p.Command(target, script)

			So(cmd.Name, ShouldEqual, "psql")
			So(cmd.Args, ShouldContain, "--dbname=prod_copy")
			So(cmd.Args, ShouldContain, "--set=ON_ERROR_STOP=1")
			So(cmd.Args, ShouldContain, "--file="+script)
			So(cmd.Args, ShouldContain, "--no-password")
		})

		Convey("When psql only emits warnings and ignored errors", func() {
			runner := &fakeRunner{result: &CommandResult{Stderr: "psql:x:1: WARNING:  careful\npsql:x:2: ERROR:  must be owner of extension plpgsql\n"}}
			p, err := NewPsql(runner, cfg, log)
			So(err, ShouldBeNil)

			outcome, err := p.Restore(ctx, target, script)

			Convey("It should succeed", func() {
				So(err, ShouldBeNil)
				So(outcome.Warnings, ShouldEqual, 1)
				So(outcome.Ignored, ShouldEqual, 1)
			})
		})

		Convey("When psql exits 0 but reports an error", func() {
			runner := &fakeRunner{result: &CommandResult{ExitCode: 0, Stderr: mixedStderr}}
			p, _ := NewPsql(runner, cfg, log)

			_, err := p.Restore(ctx, target, script)

			Convey("It should fail with the fatal lines", func() {
				var rErr *domain.RestoreOperationError
				So(errors.As(err, &rErr), ShouldBeTrue)
				So(errors.Is(err, ErrFatalRestoreOutput), ShouldBeTrue)
				So(rErr.ExitCode, ShouldEqual, 0)
				So(rErr.Errors, ShouldHaveLength, 1)
				So(rErr.Database, ShouldEqual, "prod_copy")
			})
		})

		Convey("When psql exits non-zero without error lines", func() {
			runner := &fakeRunner{
				result: &CommandResult{ExitCode: 2, Stderr: "psql: connection to server lost"},
				err:    errors.New("psql exited with code 2"),
			}
			p, _ := NewPsql(runner, cfg, log)

			_, err := p.Restore(ctx, target, script)

			Convey("It should fail", func() {
				var rErr *domain.RestoreOperationError
				So(errors.As(err, &rErr), ShouldBeTrue)
				So(rErr.ExitCode, ShouldEqual, 2)
			})
		})

		Convey("When an ignore pattern is invalid", func() {
			_, err := NewPsql(&fakeRunner{}, config.RestoreConfig{IgnoreErrors: []string{"("}}, log)
			So(err, ShouldNotBeNil)
		})
	})
}

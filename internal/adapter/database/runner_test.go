package database

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestExecRunner(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	Convey("Given an ExecRunner", t, func() {
		r := NewExecRunner()
		ctx := context.Background()

		Convey("Output and exit code are captured", func() {
			res, err := r.Run(ctx, Command{
				Name: "sh",
				Args: []string{"-c", `echo "$GREETING"; echo oops >&2; exit 3`},
				Env:  []string{"GREETING=hello"},
			})

			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "sh exited with code 3")
			So(res.ExitCode, ShouldEqual, 3)
			So(res.Stdout, ShouldEqual, "hello\n")
			So(res.Stderr, ShouldEqual, "oops\n")
		})

		Convey("Arguments are not interpreted by a shell", func() {
			res, err := r.Run(ctx, Command{Name: "echo", Args: []string{"$HOME; rm -rf /"}})

			So(err, ShouldBeNil)
			So(res.ExitCode, ShouldEqual, 0)
			So(res.Stdout, ShouldEqual, "$HOME; rm -rf /\n")
		})

		Convey("A missing binary still yields a result", func() {
			res, err := r.Run(ctx, Command{Name: "pgmirror-no-such-tool"})

			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "failed to run")
			So(res, ShouldNotBeNil)
			So(res.ExitCode, ShouldEqual, -1)
		})

		Convey("Cancellation is reported as an interruption", func() {
			tctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
			defer cancel()

			_, err := r.Run(tctx, Command{Name: "sleep", Args: []string{"5"}})

			So(err, ShouldNotBeNil)
			So(errors.Is(err, context.DeadlineExceeded), ShouldBeTrue)
			So(err.Error(), ShouldContainSubstring, "interrupted")
		})

		Convey("Command renders its argv", func() {
			c := Command{Name: "pg_dump", Args: []string{"--format=plain", "--file=/b/x.sql"}}
			So(c.String(), ShouldEqual, "pg_dump --format=plain --file=/b/x.sql")
			So(c.Argv(), ShouldHaveLength, 3)
		})
	})
}

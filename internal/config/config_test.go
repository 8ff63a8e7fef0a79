package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/semmidev/pgmirror/internal/domain"
)

const validYAML = `
app:
  log_level: debug
db_name: prod
db_owner: prod_owner
db_admin: prod_admin
db_host: db.example.com
db_port: 6432
local_db_name: prod_copy
local_db_owner: app
local_db_admin: postgres
local_db_host: localhost
db_dev_name: postgres
backup_retention_days: 7
backup_directory: /var/backups/pg
dump:
  timeout: 10m
`

func writeConfig(dir, body string) string {
	path := filepath.Join(dir, "config.yaml")
	So(os.WriteFile(path, []byte(body), 0644), ShouldBeNil)
	return path
}

func TestLoad(t *testing.T) {
	Convey("Given a config file", t, func() {
		tempDir, err := os.MkdirTemp("", "config_test")
		So(err, ShouldBeNil)
		defer os.RemoveAll(tempDir)

		Convey("When every required key is present", func() {
			cfg, err := Load(writeConfig(tempDir, validYAML))

			Convey("It should load values and defaults", func() {
				So(err, ShouldBeNil)
				So(cfg.App.LogLevel, ShouldEqual, "debug")
				So(cfg.App.Name, ShouldEqual, "pgmirror")
				So(cfg.DBPort, ShouldEqual, 6432)
				So(cfg.LocalDBPort, ShouldEqual, 5432)
				So(cfg.Dump.Timeout, ShouldEqual, 10*time.Minute)
				So(cfg.Dump.Binary, ShouldEqual, "pg_dump")
				So(cfg.Restore.Binary, ShouldEqual, "psql")
				So(cfg.Filter.Patterns, ShouldResemble, DefaultFilterPatterns)
			})

			Convey("It should build connection descriptors", func() {
				So(err, ShouldBeNil)
				src := cfg.SourceDescriptor()
				So(src.Host, ShouldEqual, "db.example.com")
				So(src.Database, ShouldEqual, "prod")
				So(src.Admin, ShouldEqual, "prod_admin")

				dst := cfg.TargetDescriptor()
				So(dst.Database, ShouldEqual, "prod_copy")
				So(dst.Owner, ShouldEqual, "app")
				So(cfg.GrantRoles(), ShouldResemble, []string{"postgres"})
			})
		})

		Convey("When required keys are missing", func() {
			_, err := Load(writeConfig(tempDir, "db_name: prod\nbackup_retention_days: 3\n"))

			Convey("It should return a ValidationError naming them", func() {
				So(err, ShouldNotBeNil)
				var vErr *domain.ValidationError
				So(errors.As(err, &vErr), ShouldBeTrue)
				So(err.Error(), ShouldContainSubstring, "local_db_name")
				So(err.Error(), ShouldContainSubstring, "backup_directory")
			})
		})

		Convey("When the file does not exist", func() {
			_, err := Load(filepath.Join(tempDir, "missing.yaml"))

			Convey("It should fail to read", func() {
				So(err, ShouldNotBeNil)
				So(err.Error(), ShouldContainSubstring, "failed to read config")
			})
		})
	})
}

func TestValidate(t *testing.T) {
	Convey("Given a valid config", t, func() {
		cfg := &Config{
			DBName: "prod", DBOwner: "o", DBAdmin: "a", DBHost: "h", DBPort: 5432,
			LocalDBName: "copy", LocalDBOwner: "o", LocalDBAdmin: "a", LocalDBHost: "h", LocalDBPort: 5432,
			DBDevName: "postgres", BackupRetentionDays: 7, BackupDirectory: "/tmp/b",
		}
		So(cfg.Validate(), ShouldBeNil)

		Convey("The admin database must differ from the target", func() {
			cfg.DBDevName = "copy"
			So(cfg.Validate(), ShouldNotBeNil)
		})

		Convey("Ports must be in range", func() {
			cfg.LocalDBPort = 70000
			err := cfg.Validate()
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "local_db_port")
		})

		Convey("Retention must be positive", func() {
			cfg.BackupRetentionDays = 0
			So(cfg.Validate(), ShouldNotBeNil)
		})

		Convey("Enabled telegram needs credentials", func() {
			cfg.Notify.Telegram.Enabled = true
			So(cfg.Validate(), ShouldNotBeNil)
		})
	})
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PGMIRROR_DB_HOST", "env-host")
	t.Setenv("PGMIRROR_NOTIFY_TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("PGMIRROR_RESTORE_TIMEOUT", "5m")

	Convey("Given a file that leaves keys to the environment", t, func() {
		tempDir, err := os.MkdirTemp("", "config_env_test")
		So(err, ShouldBeNil)
		defer os.RemoveAll(tempDir)

		body := strings.Replace(validYAML, "db_host: db.example.com\n", "", 1)
		cfg, err := Load(writeConfig(tempDir, body))

		Convey("Keys absent from the file are read from PGMIRROR_ variables", func() {
			So(err, ShouldBeNil)
			So(cfg.DBHost, ShouldEqual, "env-host")
			So(cfg.Notify.Telegram.BotToken, ShouldEqual, "123:abc")
			So(cfg.Restore.Timeout, ShouldEqual, 5*time.Minute)
		})

		Convey("Keys present in the file are left alone when no variable is set", func() {
			So(err, ShouldBeNil)
			So(cfg.LocalDBHost, ShouldEqual, "localhost")
		})
	})
}

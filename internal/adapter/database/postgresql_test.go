package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap"

	"github.com/semmidev/pgmirror/internal/domain"
)

type mockConnector struct {
	db     *sql.DB
	err    error
	opened []domain.ConnectionDescriptor
}

func (m *mockConnector) Open(ctx context.Context, desc domain.ConnectionDescriptor) (*sql.DB, error) {
	m.opened = append(m.opened, desc)
	if m.err != nil {
		return nil, m.err
	}
	return m.db, nil
}

func newMock() (*sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	So(err, ShouldBeNil)
	return db, mock
}

var adminDesc = domain.ConnectionDescriptor{
	Host: "localhost", Port: 5432, Database: "postgres", Owner: "app", Admin: "postgres",
}

func TestValidate(t *testing.T) {
	Convey("Given a PostgreSQL administrator", t, func() {
		ctx := context.Background()
		log := zap.NewNop().Sugar()

		Convey("When the server answers", func() {
			db, mock := newMock()
			mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
			mock.ExpectQuery("SHOW server_version").WillReturnRows(sqlmock.NewRows([]string{"server_version"}).AddRow("16.4"))
			mock.ExpectClose()

			probe, err := NewPostgreSQL(&mockConnector{db: db}, log).Validate(ctx, adminDesc)

			Convey("It should return the server version", func() {
				So(err, ShouldBeNil)
				So(probe.ServerVersion, ShouldEqual, "16.4")
				So(probe.Latency, ShouldBeGreaterThanOrEqualTo, 0)
				So(mock.ExpectationsWereMet(), ShouldBeNil)
			})
		})

		Convey("When the connection cannot be opened", func() {
			_, err := NewPostgreSQL(&mockConnector{err: errors.New("bad dsn")}, log).Validate(ctx, adminDesc)

			Convey("It should return a ValidationError", func() {
				var vErr *domain.ValidationError
				So(errors.As(err, &vErr), ShouldBeTrue)
				So(vErr.Subject, ShouldEqual, "postgres@localhost:5432/postgres")
			})
		})

		Convey("When the trivial query fails", func() {
			db, mock := newMock()
			mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("connection refused"))
			mock.ExpectClose()

			_, err := NewPostgreSQL(&mockConnector{db: db}, log).Validate(ctx, adminDesc)

			Convey("It should return a ValidationError", func() {
				var vErr *domain.ValidationError
				So(errors.As(err, &vErr), ShouldBeTrue)
				So(err.Error(), ShouldContainSubstring, "connection refused")
			})
		})
	})
}

func TestTerminateSessions(t *testing.T) {
	Convey("Given a PostgreSQL administrator", t, func() {
		ctx := context.Background()
		log := zap.NewNop().Sugar()

		Convey("When no session is connected to the target", func() {
			db, mock := newMock()
			mock.ExpectQuery(terminateSessionsQuery).WithArgs("prod_copy").
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
			mock.ExpectClose()

			n, err := NewPostgreSQL(&mockConnector{db: db}, log).TerminateSessions(ctx, adminDesc, "prod_copy")

			Convey("It should succeed with a zero count", func() {
				So(err, ShouldBeNil)
				So(n, ShouldEqual, int64(0))
				So(mock.ExpectationsWereMet(), ShouldBeNil)
			})
		})

		Convey("When sessions are connected", func() {
			db, mock := newMock()
			mock.ExpectQuery(terminateSessionsQuery).WithArgs("prod_copy").
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
			mock.ExpectClose()

			n, err := NewPostgreSQL(&mockConnector{db: db}, log).TerminateSessions(ctx, adminDesc, "prod_copy")

			Convey("It should return how many were terminated", func() {
				So(err, ShouldBeNil)
				So(n, ShouldEqual, int64(3))
			})
		})

		Convey("When connected to the target database itself", func() {
			conn := &mockConnector{}
			_, err := NewPostgreSQL(conn, log).TerminateSessions(ctx, adminDesc, "postgres")

			Convey("It should refuse without connecting", func() {
				var aErr *domain.AdminOperationError
				So(errors.As(err, &aErr), ShouldBeTrue)
				So(conn.opened, ShouldBeEmpty)
			})
		})
	})
}

func TestRecreate(t *testing.T) {
	Convey("Given a PostgreSQL administrator", t, func() {
		ctx := context.Background()
		log := zap.NewNop().Sugar()

		Convey("When the target database does not exist", func() {
			db, mock := newMock()
			mock.ExpectQuery(databaseExistsQuery).WithArgs("prod_copy").
				WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
			mock.ExpectExec(`DROP DATABASE IF EXISTS "prod_copy"`).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectExec(`CREATE DATABASE "prod_copy" OWNER "app"`).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectClose()

			existed, err := NewPostgreSQL(&mockConnector{db: db}, log).Recreate(ctx, adminDesc, "prod_copy", "app")

			Convey("It should treat the drop as a no-op and create", func() {
				So(err, ShouldBeNil)
				So(existed, ShouldBeFalse)
				So(mock.ExpectationsWereMet(), ShouldBeNil)
			})
		})

		Convey("When the target database exists", func() {
			db, mock := newMock()
			mock.ExpectQuery(databaseExistsQuery).WithArgs("prod_copy").
				WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
			mock.ExpectExec(`DROP DATABASE IF EXISTS "prod_copy"`).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectExec(`CREATE DATABASE "prod_copy" OWNER "app"`).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectClose()

			existed, err := NewPostgreSQL(&mockConnector{db: db}, log).Recreate(ctx, adminDesc, "prod_copy", "app")

			Convey("It should drop and recreate", func() {
				So(err, ShouldBeNil)
				So(existed, ShouldBeTrue)
				So(mock.ExpectationsWereMet(), ShouldBeNil)
			})
		})

		Convey("When the drop fails", func() {
			db, mock := newMock()
			mock.ExpectQuery(databaseExistsQuery).WithArgs("prod_copy").
				WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
			mock.ExpectExec(`DROP DATABASE IF EXISTS "prod_copy"`).
				WillReturnError(errors.New("database is being accessed by other users"))
			mock.ExpectClose()

			_, err := NewPostgreSQL(&mockConnector{db: db}, log).Recreate(ctx, adminDesc, "prod_copy", "app")

			Convey("It should stop before create", func() {
				var aErr *domain.AdminOperationError
				So(errors.As(err, &aErr), ShouldBeTrue)
				So(aErr.Operation, ShouldEqual, "drop database")
				So(aErr.Statement, ShouldEqual, `DROP DATABASE IF EXISTS "prod_copy"`)
				So(mock.ExpectationsWereMet(), ShouldBeNil)
			})
		})

		Convey("When names need quoting", func() {
			db, mock := newMock()
			mock.ExpectQuery(databaseExistsQuery).WithArgs(`we"ird`).
				WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
			mock.ExpectExec(`DROP DATABASE IF EXISTS "we""ird"`).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectExec(`CREATE DATABASE "we""ird" OWNER "App Owner"`).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectClose()

			_, err := NewPostgreSQL(&mockConnector{db: db}, log).Recreate(ctx, adminDesc, `we"ird`, "App Owner")

			Convey("It should quote identifiers", func() {
				So(err, ShouldBeNil)
				So(mock.ExpectationsWereMet(), ShouldBeNil)
			})
		})

		Convey("When the owner name is empty", func() {
			conn := &mockConnector{}
			_, err := NewPostgreSQL(conn, log).Recreate(ctx, adminDesc, "prod_copy", "")

			Convey("It should fail before connecting", func() {
				So(err, ShouldNotBeNil)
				So(conn.opened, ShouldBeEmpty)
			})
		})
	})
}

func TestNormalizeOwnership(t *testing.T) {
	Convey("Given a restored database", t, func() {
		ctx := context.Background()
		log := zap.NewNop().Sugar()
		target := adminDesc.WithDatabase("prod_copy")

		Convey("When it holds schemas, relations, types and routines", func() {
			db, mock := newMock()
			mock.ExpectBegin()
			mock.ExpectQuery(userSchemasQuery).WillReturnRows(
				sqlmock.NewRows([]string{"nspname"}).AddRow("public").AddRow("billing"))
			mock.ExpectQuery(userRelationsQuery).WillReturnRows(
				sqlmock.NewRows([]string{"nspname", "relname", "relkind"}).
					AddRow("billing", "invoices", "r").
					AddRow("public", "active_users", "v").
					AddRow("public", "order_seq", "S").
					AddRow("public", "idx_orders", "i"))
			mock.ExpectQuery(userTypesQuery).WillReturnRows(
				sqlmock.NewRows([]string{"nspname", "typname", "typtype"}).
					AddRow("billing", "invoice_status", "e").
					AddRow("public", "email", "d").
					AddRow("public", "money_range", "r").
					AddRow("public", "address", "c"))
			mock.ExpectQuery(userRoutinesQuery).WillReturnRows(
				sqlmock.NewRows([]string{"oid"}).AddRow("public.touch(integer)"))
			mock.ExpectExec(`ALTER DATABASE "prod_copy" OWNER TO "app"`).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectExec(`ALTER SCHEMA "public" OWNER TO "app"`).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectExec(`ALTER SCHEMA "billing" OWNER TO "app"`).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectExec(`ALTER TABLE "billing"."invoices" OWNER TO "app"`).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectExec(`ALTER VIEW "public"."active_users" OWNER TO "app"`).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectExec(`ALTER SEQUENCE "public"."order_seq" OWNER TO "app"`).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectExec(`ALTER TYPE "billing"."invoice_status" OWNER TO "app"`).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectExec(`ALTER DOMAIN "public"."email" OWNER TO "app"`).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectExec(`ALTER TYPE "public"."money_range" OWNER TO "app"`).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectExec(`ALTER TYPE "public"."address" OWNER TO "app"`).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectExec(`ALTER ROUTINE public.touch(integer) OWNER TO "app"`).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectExec(`GRANT ALL PRIVILEGES ON DATABASE "prod_copy" TO "postgres"`).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectCommit()
			mock.ExpectClose()

			n, err := NewPostgreSQL(&mockConnector{db: db}, log).NormalizeOwnership(ctx, target, "app", []string{"postgres"})

			Convey("It should reassign every object in one transaction", func() {
				So(err, ShouldBeNil)
				So(n, ShouldEqual, 10)
				So(mock.ExpectationsWereMet(), ShouldBeNil)
			})
		})

		Convey("When a statement fails", func() {
			db, mock := newMock()
			mock.ExpectBegin()
			mock.ExpectQuery(userSchemasQuery).WillReturnRows(sqlmock.NewRows([]string{"nspname"}))
			mock.ExpectQuery(userRelationsQuery).WillReturnRows(sqlmock.NewRows([]string{"nspname", "relname", "relkind"}))
			mock.ExpectQuery(userTypesQuery).WillReturnRows(sqlmock.NewRows([]string{"nspname", "typname", "typtype"}))
			mock.ExpectQuery(userRoutinesQuery).WillReturnRows(sqlmock.NewRows([]string{"oid"}))
			mock.ExpectExec(`ALTER DATABASE "prod_copy" OWNER TO "app"`).
				WillReturnError(errors.New(`role "app" does not exist`))
			mock.ExpectRollback()
			mock.ExpectClose()

			_, err := NewPostgreSQL(&mockConnector{db: db}, log).NormalizeOwnership(ctx, target, "app", nil)

			Convey("It should roll back and report the statement", func() {
				var aErr *domain.AdminOperationError
				So(errors.As(err, &aErr), ShouldBeTrue)
				So(aErr.Statement, ShouldEqual, `ALTER DATABASE "prod_copy" OWNER TO "app"`)
				So(mock.ExpectationsWereMet(), ShouldBeNil)
			})
		})
	})
}

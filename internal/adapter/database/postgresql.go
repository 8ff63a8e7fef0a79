package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/semmidev/pgmirror/internal/domain"
)

type Logger interface {
	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Warnf(template string, args ...interface{})
}

const (
	databaseExistsQuery = `SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)`

	terminateSessionsQuery = `SELECT count(*) FILTER (WHERE terminated)
FROM (
	SELECT pg_terminate_backend(pid) AS terminated
	FROM pg_stat_activity
	WHERE datname = $1 AND pid <> pg_backend_pid()
) AS s`

	userSchemasQuery = `SELECT n.nspname
FROM pg_namespace n
WHERE n.nspname NOT IN ('pg_catalog', 'information_schema')
  AND n.nspname NOT LIKE 'pg\_%'
  AND NOT EXISTS (
	SELECT 1 FROM pg_depend d
	WHERE d.classid = 'pg_namespace'::regclass AND d.objid = n.oid AND d.deptype = 'e'
  )
ORDER BY n.nspname`

	userRelationsQuery = `SELECT n.nspname, c.relname, c.relkind
FROM pg_class c
JOIN pg_namespace n ON n.oid = c.relnamespace
WHERE n.nspname NOT IN ('pg_catalog', 'information_schema')
  AND n.nspname NOT LIKE 'pg\_%'
  AND c.relkind IN ('r', 'p', 'v', 'm', 'S', 'f')
  AND NOT EXISTS (
	SELECT 1 FROM pg_depend d
	WHERE d.classid = 'pg_class'::regclass AND d.objid = c.oid AND d.deptype IN ('a', 'i', 'e')
  )
ORDER BY n.nspname, c.relname`

	// Composite types backing a table follow the table; standalone ones have
	// a pg_class row of kind 'c'.
	userTypesQuery = `SELECT n.nspname, t.typname, t.typtype
FROM pg_type t
JOIN pg_namespace n ON n.oid = t.typnamespace
WHERE n.nspname NOT IN ('pg_catalog', 'information_schema')
  AND n.nspname NOT LIKE 'pg\_%'
  AND t.typtype IN ('e', 'd', 'c', 'r')
  AND (t.typrelid = 0 OR EXISTS (
	SELECT 1 FROM pg_class c WHERE c.oid = t.typrelid AND c.relkind = 'c'
  ))
  AND NOT EXISTS (
	SELECT 1 FROM pg_depend d
	WHERE d.classid = 'pg_type'::regclass AND d.objid = t.oid AND d.deptype = 'e'
  )
ORDER BY n.nspname, t.typname`

	userRoutinesQuery = `SELECT p.oid::regprocedure::text
FROM pg_proc p
JOIN pg_namespace n ON n.oid = p.pronamespace
WHERE n.nspname NOT IN ('pg_catalog', 'information_schema')
  AND n.nspname NOT LIKE 'pg\_%'
  AND NOT EXISTS (
	SELECT 1 FROM pg_depend d
	WHERE d.classid = 'pg_proc'::regclass AND d.objid = p.oid AND d.deptype = 'e'
  )
ORDER BY 1`
)

// maxIdentifierLength is NAMEDATALEN - 1.
const maxIdentifierLength = 63

var relationKinds = map[string]string{
	"r": "TABLE",
	"p": "TABLE",
	"v": "VIEW",
	"m": "MATERIALIZED VIEW",
	"S": "SEQUENCE",
	"f": "FOREIGN TABLE",
}

var typeKinds = map[string]string{
	"e": "TYPE",
	"c": "TYPE",
	"r": "TYPE",
	"d": "DOMAIN",
}

// PostgreSQL implements the administrative operations of a job over
// database/sql connections.
type PostgreSQL struct {
	connector Connector
	logger    Logger
}

func NewPostgreSQL(connector Connector, logger Logger) *PostgreSQL {
	return &PostgreSQL{connector: connector, logger: logger}
}

// Validate connects, pings and runs a trivial query.
func (p *PostgreSQL) Validate(ctx context.Context, desc domain.ConnectionDescriptor) (domain.Probe, error) {
	start := time.Now()

	db, err := p.connector.Open(ctx, desc)
	if err != nil {
		return domain.Probe{}, &domain.ValidationError{Subject: desc.String(), Err: err}
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return domain.Probe{}, &domain.ValidationError{Subject: desc.String(), Err: fmt.Errorf("ping: %w", err)}
	}

	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return domain.Probe{}, &domain.ValidationError{Subject: desc.String(), Err: fmt.Errorf("trivial query: %w", err)}
	}

	var version string
	if err := db.QueryRowContext(ctx, "SHOW server_version").Scan(&version); err != nil {
		return domain.Probe{}, &domain.ValidationError{Subject: desc.String(), Err: fmt.Errorf("server version: %w", err)}
	}

	return domain.Probe{Latency: time.Since(start), ServerVersion: version}, nil
}

// TerminateSessions ends every other backend connected to dbName. admin
// must point at a different database on the same server.
func (p *PostgreSQL) TerminateSessions(ctx context.Context, admin domain.ConnectionDescriptor, dbName string) (int64, error) {
	if err := checkAdminDatabase(admin, dbName, domain.OpTerminateSessions); err != nil {
		return 0, err
	}

	db, err := p.connector.Open(ctx, admin)
	if err != nil {
		return 0, &domain.AdminOperationError{Operation: domain.OpTerminateSessions, Database: dbName, Err: err}
	}
	defer db.Close()

	var terminated int64
	if err := db.QueryRowContext(ctx, terminateSessionsQuery, dbName).Scan(&terminated); err != nil {
		return 0, &domain.AdminOperationError{
			Operation: domain.OpTerminateSessions,
			Database:  dbName,
			Statement: terminateSessionsQuery,
			Err:       err,
		}
	}

	return terminated, nil
}

// Recreate drops dbName if it exists and creates it owned by owner. It
// reports whether the database existed beforehand.
func (p *PostgreSQL) Recreate(ctx context.Context, admin domain.ConnectionDescriptor, dbName, owner string) (bool, error) {
	if err := checkAdminDatabase(admin, dbName, domain.OpRecreateDatabase); err != nil {
		return false, err
	}
	for _, ident := range []string{dbName, owner} {
		if err := validateIdentifier(ident); err != nil {
			return false, &domain.AdminOperationError{Operation: domain.OpRecreateDatabase, Database: dbName, Err: err}
		}
	}

	db, err := p.connector.Open(ctx, admin)
	if err != nil {
		return false, &domain.AdminOperationError{Operation: domain.OpRecreateDatabase, Database: dbName, Err: err}
	}
	defer db.Close()

	var existed bool
	if err := db.QueryRowContext(ctx, databaseExistsQuery, dbName).Scan(&existed); err != nil {
		return false, &domain.AdminOperationError{
			Operation: domain.OpCheckDatabase, Database: dbName, Statement: databaseExistsQuery, Err: err,
		}
	}

	// DROP/CREATE DATABASE cannot run inside a transaction block.
	drop := fmt.Sprintf("DROP DATABASE IF EXISTS %s", quoteIdent(dbName))
	if _, err := db.ExecContext(ctx, drop); err != nil {
		return existed, &domain.AdminOperationError{Operation: domain.OpDropDatabase, Database: dbName, Statement: drop, Err: err}
	}
	p.logger.Debugf("Executed: %s", drop)

	create := fmt.Sprintf("CREATE DATABASE %s OWNER %s", quoteIdent(dbName), quoteIdent(owner))
	if _, err := db.ExecContext(ctx, create); err != nil {
		return existed, &domain.AdminOperationError{Operation: domain.OpCreateDatabase, Database: dbName, Statement: create, Err: err}
	}
	p.logger.Debugf("Executed: %s", create)

	return existed, nil
}

// NormalizeOwnership hands every user schema, relation, type and routine of the
// target database to owner and grants database privileges to grantees. It
// runs in a single transaction and returns the number of objects altered.
func (p *PostgreSQL) NormalizeOwnership(ctx context.Context, target domain.ConnectionDescriptor, owner string, grantees []string) (int, error) {
	fail := func(stmt string, err error) (int, error) {
		return 0, &domain.AdminOperationError{Operation: domain.OpNormalizeOwnership, Database: target.Database, Statement: stmt, Err: err}
	}

	for _, ident := range append([]string{target.Database, owner}, grantees...) {
		if err := validateIdentifier(ident); err != nil {
			return fail("", err)
		}
	}

	db, err := p.connector.Open(ctx, target)
	if err != nil {
		return fail("", err)
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fail("BEGIN", err)
	}
	defer tx.Rollback() //nolint:errcheck

	statements := []string{
		fmt.Sprintf("ALTER DATABASE %s OWNER TO %s", quoteIdent(target.Database), quoteIdent(owner)),
	}

	schemas, err := queryStrings(ctx, tx, userSchemasQuery)
	if err != nil {
		return fail(userSchemasQuery, err)
	}
	for _, s := range schemas {
		statements = append(statements, fmt.Sprintf("ALTER SCHEMA %s OWNER TO %s", quoteIdent(s), quoteIdent(owner)))
	}

	relations, err := queryObjects(ctx, tx, userRelationsQuery, relationKinds)
	if err != nil {
		return fail(userRelationsQuery, err)
	}
	types, err := queryObjects(ctx, tx, userTypesQuery, typeKinds)
	if err != nil {
		return fail(userTypesQuery, err)
	}
	for _, o := range append(relations, types...) {
		statements = append(statements, fmt.Sprintf("ALTER %s %s OWNER TO %s",
			o.kind, pgx.Identifier{o.schema, o.name}.Sanitize(), quoteIdent(owner)))
	}

	routines, err := queryStrings(ctx, tx, userRoutinesQuery)
	if err != nil {
		return fail(userRoutinesQuery, err)
	}
	for _, signature := range routines {
		// regprocedure output is already quoted where needed.
		statements = append(statements, fmt.Sprintf("ALTER ROUTINE %s OWNER TO %s", signature, quoteIdent(owner)))
	}

	for _, grantee := range grantees {
		statements = append(statements, fmt.Sprintf("GRANT ALL PRIVILEGES ON DATABASE %s TO %s",
			quoteIdent(target.Database), quoteIdent(grantee)))
	}

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fail(stmt, err)
		}
		p.logger.Debugf("Executed: %s", stmt)
	}

	if err := tx.Commit(); err != nil {
		return fail("COMMIT", err)
	}

	return len(schemas) + len(relations) + len(types) + len(routines), nil
}

// object is a schema-qualified catalog entry with the keyword ALTER needs.
type object struct {
	schema string
	name   string
	kind   string
}

// queryObjects scans (schema, name, kind) rows, keeping only kinds listed
// in kinds.
func queryObjects(ctx context.Context, tx *sql.Tx, query string, kinds map[string]string) ([]object, error) {
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []object
	for rows.Next() {
		var o object
		var code string
		if err := rows.Scan(&o.schema, &o.name, &code); err != nil {
			return nil, fmt.Errorf("failed to scan object: %w", err)
		}
		kind, ok := kinds[code]
		if !ok {
			continue
		}
		o.kind = kind
		out = append(out, o)
	}
	return out, rows.Err()
}

func queryStrings(ctx context.Context, tx *sql.Tx, query string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func checkAdminDatabase(admin domain.ConnectionDescriptor, dbName, op string) error {
	if admin.Database == dbName {
		return &domain.AdminOperationError{
			Operation: op,
			Database:  dbName,
			Err:       errors.New("must be connected to a different database on the same server"),
		}
	}
	return nil
}

func validateIdentifier(name string) error {
	switch {
	case name == "":
		return errors.New("identifier is empty")
	case len(name) > maxIdentifierLength:
		return fmt.Errorf("identifier %q exceeds %d bytes", name, maxIdentifierLength)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("identifier %q contains a NUL byte", name)
	}
	return nil
}

func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

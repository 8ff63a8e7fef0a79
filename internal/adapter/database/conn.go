package database

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/semmidev/pgmirror/internal/domain"
)

// Connector opens a database/sql handle for a descriptor.
type Connector interface {
	Open(ctx context.Context, desc domain.ConnectionDescriptor) (*sql.DB, error)
}

// PgxConnector opens connections through the pgx stdlib driver. Passwords
// are resolved by pgx from the passfile or PGPASSWORD.
type PgxConnector struct {
	ApplicationName string
	ConnectTimeout  time.Duration
}

func NewPgxConnector(appName string) *PgxConnector {
	return &PgxConnector{
		ApplicationName: appName,
		ConnectTimeout:  10 * time.Second,
	}
}

func (c *PgxConnector) Open(ctx context.Context, desc domain.ConnectionDescriptor) (*sql.DB, error) {
	connCfg, err := pgx.ParseConfig(ConnString(desc, c.ApplicationName))
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection config for %s: %w", desc, err)
	}
	if c.ConnectTimeout > 0 {
		connCfg.ConnectTimeout = c.ConnectTimeout
	}

	db := stdlib.OpenDB(*connCfg)
	// Admin statements rely on running in a single backend session.
	db.SetMaxOpenConns(1)
	return db, nil
}

// ConnString renders a descriptor as a postgres:// URL without a password.
func ConnString(desc domain.ConnectionDescriptor, appName string) string {
	q := url.Values{}
	if desc.SSLMode != "" {
		q.Set("sslmode", desc.SSLMode)
	}
	if desc.PassFile != "" {
		q.Set("passfile", desc.PassFile)
	}
	if appName != "" {
		q.Set("application_name", appName)
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.User(desc.Admin),
		Host:     net.JoinHostPort(desc.Host, strconv.Itoa(desc.Port)),
		Path:     "/" + desc.Database,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// credentialEnv is the environment handed to pg_dump and psql.
func credentialEnv(desc domain.ConnectionDescriptor) []string {
	env := []string{}
	if desc.PassFile != "" {
		env = append(env, "PGPASSFILE="+desc.PassFile)
	}
	if desc.SSLMode != "" {
		env = append(env, "PGSSLMODE="+desc.SSLMode)
	}
	return env
}

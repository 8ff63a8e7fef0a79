package domain

import (
	"context"
	"fmt"
	"time"
)

// ConnectionDescriptor identifies one PostgreSQL server and database together
// with the roles used against it. It never carries a password: credentials
// come from the passfile or the PGPASSWORD environment variable.
type ConnectionDescriptor struct {
	Host     string
	Port     int
	Database string
	Owner    string
	Admin    string
	SSLMode  string
	PassFile string
}

// WithDatabase returns a copy of the descriptor pointing at another database
// on the same server.
func (c ConnectionDescriptor) WithDatabase(name string) ConnectionDescriptor {
	c.Database = name
	return c
}

func (c ConnectionDescriptor) String() string {
	return fmt.Sprintf("%s@%s:%d/%s", c.Admin, c.Host, c.Port, c.Database)
}

// Probe is the outcome of a successful connection validation.
type Probe struct {
	Latency       time.Duration
	ServerVersion string
}

// Administrator runs the administrative SQL operations of a job.
type Administrator interface {
	Validate(ctx context.Context, desc ConnectionDescriptor) (Probe, error)
	TerminateSessions(ctx context.Context, admin ConnectionDescriptor, dbName string) (int64, error)
	Recreate(ctx context.Context, admin ConnectionDescriptor, dbName, owner string) (bool, error)
	NormalizeOwnership(ctx context.Context, target ConnectionDescriptor, owner string, grantees []string) (int, error)
}

// Dumper produces a plain SQL dump of a database.
type Dumper interface {
	Dump(ctx context.Context, source ConnectionDescriptor, outputPath string) (*DumpArtifact, error)
}

// RestoreOutcome summarizes what the SQL execution tool reported.
type RestoreOutcome struct {
	Warnings int
	Ignored  int
	Stderr   string
}

// Restorer replays a SQL script into a database.
type Restorer interface {
	Restore(ctx context.Context, target ConnectionDescriptor, scriptPath string) (*RestoreOutcome, error)
}

// Package auditlog records one row per container lifecycle transition to
// a local SQLite database. It is purely observational: nothing in the
// daemon's decision path reads from it, and a write failure here must
// never fail the lifecycle operation that triggered it.
package auditlog

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// maxHistoryRows caps the HISTORY wire request and `vmoor history`
// subcommand's result set.
const maxHistoryRows = 200

// Log is a handle to the lifecycle audit database.
type Log struct {
	db *sql.DB
}

// Event is one row of the lifecycle_events table.
type Event struct {
	ID            int64
	ContainerName string
	AtUnix        int64
	Event         string
	Detail        string
}

// Open opens (creating and migrating if necessary) the audit database at
// path, in WAL mode for concurrent readers alongside the daemon's writer.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if err := migrateUp(db, path); err != nil {
		db.Close()
		return nil, err
	}

	return &Log{db: db}, nil
}

func migrateUp(db *sql.DB, path string) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, "sqlite://"+path)
	if err != nil {
		return fmt.Errorf("constructing migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (l *Log) Close() error {
	return l.db.Close()
}

// Record appends one lifecycle transition row. Never called from a
// decision path: callers log a warning and continue on error rather than
// propagating it as a request failure.
func (l *Log) Record(ctx context.Context, containerName, event, detail string, atUnix int64) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO lifecycle_events (container_name, at_unix, event, detail) VALUES (?, ?, ?, ?)`,
		containerName, atUnix, event, detail)
	if err != nil {
		return fmt.Errorf("recording lifecycle event: %w", err)
	}
	return nil
}

// History returns the most recent events for containerName, or for every
// container if containerName is empty, newest first, capped at
// maxHistoryRows.
func (l *Log) History(ctx context.Context, containerName string) ([]Event, error) {
	var rows *sql.Rows
	var err error
	if containerName == "" {
		rows, err = l.db.QueryContext(ctx,
			`SELECT id, container_name, at_unix, event, detail FROM lifecycle_events ORDER BY at_unix DESC, id DESC LIMIT ?`,
			maxHistoryRows)
	} else {
		rows, err = l.db.QueryContext(ctx,
			`SELECT id, container_name, at_unix, event, detail FROM lifecycle_events WHERE container_name = ? ORDER BY at_unix DESC, id DESC LIMIT ?`,
			containerName, maxHistoryRows)
	}
	if err != nil {
		return nil, fmt.Errorf("querying lifecycle events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.ContainerName, &e.AtUnix, &e.Event, &e.Detail); err != nil {
			return nil, fmt.Errorf("scanning lifecycle event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

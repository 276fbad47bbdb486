package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// Options selects and configures the database backend.
type Options struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string
	// DSN is the Postgres connection string. Ignored for SQLite.
	DSN string
	// DataDir holds the SQLite database file. Pass ":memory:" for an
	// in-memory database (used by tests).
	DataDir string
	// MaxConns bounds the Postgres pool. SQLite always uses one connection.
	MaxConns int
}

// Store wraps the catalog database.
type Store struct {
	db       *sql.DB
	dialect  dialect
	memory   bool
	maxConns int
}

// Open connects to the configured backend and runs pending migrations.
func Open(opts Options) (*Store, error) {
	d, err := dialectFor(opts.Driver)
	if err != nil {
		return nil, err
	}

	var dsn string
	memory := false
	maxConns := 1
	switch d.name {
	case DriverSQLite:
		if opts.DataDir == ":memory:" {
			dsn = ":memory:"
			memory = true
		} else {
			if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
				return nil, fmt.Errorf("creating data directory: %w", err)
			}
			dsn = filepath.Join(opts.DataDir, "catalog.db")
		}
	case DriverPostgres:
		if opts.DSN == "" {
			return nil, fmt.Errorf("postgres driver requires a DSN")
		}
		dsn = opts.DSN
		maxConns = opts.MaxConns
		if maxConns <= 0 {
			maxConns = 4
		}
	}

	db, err := sql.Open(d.sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// SQLite gets a single connection, which serializes statements issued by
	// concurrent tasks and avoids "database is locked" errors.
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	if d.name == DriverSQLite {
		if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting busy timeout: %w", err)
		}
		if !memory {
			if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
				db.Close()
				return nil, fmt.Errorf("setting journal mode: %w", err)
			}
		}
	}

	s := &Store{db: db, dialect: d, memory: memory, maxConns: maxConns}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Driver reports the backend name ("sqlite" or "postgres").
func (s *Store) Driver() string {
	return s.dialect.name
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Reconnect drops every idle pooled connection and verifies a fresh one.
// In-memory SQLite keeps its only connection since closing it would drop
// the database.
func (s *Store) Reconnect(ctx context.Context) error {
	if !s.memory {
		s.db.SetMaxIdleConns(0)
		s.db.SetMaxIdleConns(s.maxConns)
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("reconnecting: %w", err)
	}
	return nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(s.dialect.bootstrap); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir(s.dialect.migrations)
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	versions, err := s.AppliedMigrations()
	if err != nil {
		return fmt.Errorf("reading schema_version: %w", err)
	}
	applied := make(map[int]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		if applied[version] {
			continue
		}

		content, err := migrationsFS.ReadFile(s.dialect.migrations + "/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec(s.dialect.rebind("INSERT INTO schema_version (version) VALUES (?)"), version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

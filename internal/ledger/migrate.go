package ledger

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/davidahmann/truemoneyx/internal/crypto"
)

//go:embed migrations/*/*.sql
var migrationsFS embed.FS

type DBDriver string

const (
	DBSQLite   DBDriver = "sqlite"
	DBPostgres DBDriver = "postgres"
)

var (
	ErrMigrationChecksum = errors.New("applied migration differs from embedded file")
	ErrUnknownMigration  = errors.New("database has a migration this build does not ship")
)

// migrationDialect holds the per-driver bookkeeping statements.
type migrationDialect struct {
	dir         string
	table       string
	createTable string
	insert      string
	appliedAt   func(time.Time) any
}

var migrationDialects = map[DBDriver]migrationDialect{
	DBSQLite: {
		dir:   "migrations/sqlite",
		table: "schema_migrations",
		createTable: `CREATE TABLE IF NOT EXISTS schema_migrations (
  version TEXT PRIMARY KEY,
  checksum TEXT NOT NULL,
  applied_at TEXT NOT NULL
)`,
		insert:    `INSERT INTO schema_migrations(version, checksum, applied_at) VALUES(?, ?, ?)`,
		appliedAt: func(t time.Time) any { return t.Format(time.RFC3339) },
	},
	DBPostgres: {
		dir:   "migrations/postgres",
		table: "truemoneyx_schema_migrations",
		createTable: `CREATE TABLE IF NOT EXISTS truemoneyx_schema_migrations (
  version TEXT PRIMARY KEY,
  checksum TEXT NOT NULL,
  applied_at TIMESTAMPTZ NOT NULL
)`,
		insert:    `INSERT INTO truemoneyx_schema_migrations(version, checksum, applied_at) VALUES($1, $2, $3)`,
		appliedAt: func(t time.Time) any { return t },
	},
}

type migration struct {
	version  string
	checksum string
	sql      string
}

// Migrate brings db up to the embedded schema for driver. Each file runs in
// its own transaction together with its bookkeeping row. Files already
// applied are checked against their recorded checksum and never re-run.
func Migrate(db *sql.DB, driver DBDriver) error {
	if db == nil {
		return errors.New("missing db")
	}
	d, ok := migrationDialects[driver]
	if !ok {
		return fmt.Errorf("unsupported db driver: %s", driver)
	}
	pending, err := embeddedMigrations(d.dir)
	if err != nil {
		return err
	}
	if _, err := db.Exec(d.createTable); err != nil {
		return fmt.Errorf("create %s: %w", d.table, err)
	}
	applied, err := appliedMigrations(db, d.table)
	if err != nil {
		return err
	}

	shipped := make(map[string]bool, len(pending))
	for _, m := range pending {
		shipped[m.version] = true
	}
	for version := range applied {
		if !shipped[version] {
			return fmt.Errorf("%w: %s", ErrUnknownMigration, version)
		}
	}

	for _, m := range pending {
		if sum, ok := applied[m.version]; ok {
			if sum != m.checksum {
				return fmt.Errorf("%w: %s", ErrMigrationChecksum, m.version)
			}
			continue
		}
		if err := applyMigration(db, d, m); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(db *sql.DB, d migrationDialect, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(m.sql); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("apply migration %s: %w", m.version, err)
	}
	if _, err := tx.Exec(d.insert, m.version, m.checksum, d.appliedAt(time.Now().UTC())); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", m.version, err)
	}
	return tx.Commit()
}

func appliedMigrations(db *sql.DB, table string) (map[string]string, error) {
	rows, err := db.Query(`SELECT version, checksum FROM ` + table)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, err
		}
		out[version] = checksum
	}
	return out, rows.Err()
}

// embeddedMigrations returns the driver's .sql files in version order.
// fs.ReadDir sorts by name, and names start with a zero-padded sequence.
func embeddedMigrations(dir string) ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return nil, err
	}
	var out []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		contents, err := migrationsFS.ReadFile(path.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, migration{
			version:  strings.TrimSuffix(e.Name(), ".sql"),
			checksum: crypto.DigestWithPrefix(contents),
			sql:      string(contents),
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no migrations in %s", dir)
	}
	return out, nil
}

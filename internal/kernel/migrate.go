package kernel

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

// migrateSQLite applies every pending SQLite migration.
func migrateSQLite(db *sql.DB) error {
	goose.SetBaseFS(sqliteMigrations)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(db, "migrations/sqlite")
}

// migratePostgres applies every pending Postgres migration.
func migratePostgres(db *sql.DB) error {
	goose.SetBaseFS(postgresMigrations)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, "migrations/postgres")
}

// dirFor resolves the embedded migration tree and goose dialect for backend.
func dirFor(backend string) (embed.FS, string, string, error) {
	switch backend {
	case "", "sqlite":
		return sqliteMigrations, "migrations/sqlite", "sqlite3", nil
	case "postgres", "postgresql":
		return postgresMigrations, "migrations/postgres", "postgres", nil
	default:
		return embed.FS{}, "", "", errUnknownBackend(backend)
	}
}

type errUnknownBackend string

func (e errUnknownBackend) Error() string { return "kernel: unknown migration backend " + string(e) }

// MigrateUp applies every pending migration for backend against db,
// exposed for the `agenthub migrate up` CLI subcommand (teacher's
// MigrationManager.Up/UpTo in internal/infrastructure/migrations).
func MigrateUp(db *sql.DB, backend string) error {
	fs, dir, dialect, err := dirFor(backend)
	if err != nil {
		return err
	}
	goose.SetBaseFS(fs)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect(dialect); err != nil {
		return err
	}
	return goose.Up(db, dir)
}

// MigrateDown rolls back the most recently applied migration for backend.
func MigrateDown(db *sql.DB, backend string) error {
	fs, dir, dialect, err := dirFor(backend)
	if err != nil {
		return err
	}
	goose.SetBaseFS(fs)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect(dialect); err != nil {
		return err
	}
	return goose.Down(db, dir)
}

// MigrateStatus prints the applied/pending state of every migration for
// backend to stdout (teacher's MigrationManager.Status table format).
func MigrateStatus(db *sql.DB, backend string) error {
	fs, dir, dialect, err := dirFor(backend)
	if err != nil {
		return err
	}
	goose.SetBaseFS(fs)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect(dialect); err != nil {
		return err
	}
	return goose.Status(db, dir)
}

// OpenRawDB opens a database/sql handle for the CLI migrate subcommands,
// without applying migrations itself (unlike OpenSQLite/OpenPostgres).
func OpenRawDB(backend, sqlitePath, postgresURL string) (*sql.DB, error) {
	switch backend {
	case "", "sqlite":
		return sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", sqlitePath))
	case "postgres", "postgresql":
		cfg, err := pgxpool.ParseConfig(postgresURL)
		if err != nil {
			return nil, fmt.Errorf("kernel: parse postgres dsn: %w", err)
		}
		return stdlib.OpenDB(*cfg.ConnConfig), nil
	default:
		return nil, fmt.Errorf("kernel: unknown storage backend %q", backend)
	}
}

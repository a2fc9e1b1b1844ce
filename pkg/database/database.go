// Package database snapshots the lamp datasets and derived state into a
// SQL store so restarts skip re-parsing the GeoJSON files and short links
// survive the process. The same driver set the rest of our tooling uses is
// supported: embedded SQLite (default), Genji, DuckDB behind its build
// tag, and PostgreSQL for shared deployments.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"
)

// Database wraps the SQL connection together with the normalized driver
// name so statement builders can pick the right placeholder style.
type Database struct {
	DB     *sql.DB
	Driver string
}

// Config holds what NewDatabase needs to open a store.
type Config struct {
	DBType    string // sqlite, genji, duckdb, or pgx
	DBPath    string // file path for embedded drivers
	DBHost    string
	DBPort    int
	DBUser    string
	DBPass    string
	DBName    string
	PGSSLMode string
	Port      int // server port, used only for default file naming
}

// NewDatabase opens the store and configures pooling. Embedded drivers run
// over a single connection: SQLite and Genji serialize writers anyway, and
// one stable connection avoids lock churn between the updater and readers.
func NewDatabase(cfg Config) (*Database, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.DBType))

	var dsn string
	switch driver {
	case "sqlite", "genji":
		dsn = cfg.DBPath
		if dsn == "" {
			dsn = fmt.Sprintf("lampioni-%d.%s", cfg.Port, driver)
		}
	case "duckdb":
		// The file appears on first open.
		dsn = cfg.DBPath
		if dsn == "" {
			dsn = fmt.Sprintf("lampioni-%d.duckdb", cfg.Port)
		}
	case "pgx":
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName, cfg.PGSSLMode)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.DBType)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	switch driver {
	case "sqlite", "genji", "duckdb":
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		if driver == "sqlite" {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := tuneSQLite(ctx, db, log.Printf); err != nil {
				log.Printf("sqlite tuning skipped: %v", err)
			}
			cancel()
		}
	}

	// Cheap liveness probe with a timeout so startup never hangs on a
	// wedged server.
	{
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("connect database: %w", err)
		}
	}

	log.Printf("using database driver %s (dsn %s)", driver, dsn)
	return &Database{DB: db, Driver: driver}, nil
}

// Close releases the underlying connection.
func (db *Database) Close() error {
	if db == nil || db.DB == nil {
		return nil
	}
	return db.DB.Close()
}

// EnsureTables creates the schema when it is missing. Statements are plain
// enough to run unchanged on every supported driver.
func (db *Database) EnsureTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS lamps (
			osm_id BIGINT,
			kind TEXT,
			lon DOUBLE PRECISION,
			lat DOUBLE PRECISION,
			osm_user TEXT,
			date_added TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS daily_additions (
			day TEXT,
			added INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS short_links (
			code TEXT,
			target TEXT,
			created_at TEXT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure tables: %w", err)
		}
	}
	return nil
}

// placeholder renders the n-th statement parameter for the active driver.
// PostgreSQL and DuckDB want $N, the embedded drivers take ?.
func (db *Database) placeholder(n int) string {
	switch db.Driver {
	case "pgx", "duckdb":
		return fmt.Sprintf("$%d", n)
	default:
		return "?"
	}
}

// tuneSQLite applies the WAL/synchronous/busy pragmas that keep snapshot
// writes from stalling reads on the single shared connection.
func tuneSQLite(ctx context.Context, db *sql.DB, logf func(string, ...any)) error {
	var mode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&mode); err != nil {
		return fmt.Errorf("journal_mode: %w", err)
	}
	logf("sqlite journal_mode -> %s", mode)

	for _, pragma := range []string{
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("%s: %w", strings.TrimSuffix(pragma, ";"), err)
		}
	}
	return nil
}

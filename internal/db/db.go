// Package db persists computed sap flow readings, usage buckets and batch
// runs. SQLite (modernc.org/sqlite) is the default store; PostgreSQL is
// reached through the pgx stdlib driver.
package db

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/sapflow.report/internal/monitoring"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// DefaultPath is the SQLite file used when no path is configured.
const DefaultPath = "sapflow.db"

// timeLayout is fixed width so that TEXT timestamps sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

//go:embed schema_postgres.sql
var postgresSchema string

// Config selects and addresses the backing database.
type Config struct {
	Driver string // "sqlite" (default) or "pgx"
	Path   string // SQLite file
	DSN    string // PostgreSQL connection string
}

// DB wraps *sql.DB with the queries the pipeline needs.
type DB struct {
	*sql.DB
	driver string
	source string
}

// Open connects to the database described by cfg. SQLite connections are
// serialised over a single handle with WAL pragmas applied.
func Open(cfg Config) (*DB, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	var dsn string
	switch driver {
	case "", DriverSQLite:
		driver = DriverSQLite
		dsn = cfg.Path
		if dsn == "" {
			dsn = DefaultPath
		}
	case DriverPostgres, "postgres", "postgresql":
		driver = DriverPostgres
		dsn = strings.TrimSpace(cfg.DSN)
		if dsn == "" {
			return nil, fmt.Errorf("pgx driver requires a DSN")
		}
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening the database: %w", err)
	}

	d := &DB{DB: sqlDB, driver: driver, source: driver + "://" + dsn}
	if driver == DriverPostgres {
		d.source = "pgx://" + redactDSN(dsn)
	}

	if driver == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(0)
		if err := applyPragmas(sqlDB); err != nil {
			sqlDB.Close()
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return d, nil
}

// OpenSQLite opens the SQLite file at path.
func OpenSQLite(path string) (*DB, error) {
	return Open(Config{Driver: DriverSQLite, Path: path})
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return nil
}

func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	return dsn[:scheme+3] + "***" + dsn[at:]
}

// Driver returns the normalised driver name.
func (db *DB) Driver() string { return db.driver }

// EnsureSchema brings the schema up to date: golang-migrate for SQLite and
// the embedded idempotent DDL for PostgreSQL.
func (db *DB) EnsureSchema() error {
	if db.driver == DriverSQLite {
		return db.MigrateUp(MigrationsFS())
	}
	for _, stmt := range splitStatements(postgresSchema) {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply postgres schema: %w", err)
		}
	}
	monitoring.Logf("postgres schema ensured")
	return nil
}

func splitStatements(script string) []string {
	var out []string
	for _, s := range strings.Split(script, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// rebind rewrites ? placeholders as $n for PostgreSQL.
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"net/url"
	"sort"
	"strings"
	"time"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

type SQLDB struct {
	*sql.DB
}

// NewSQL opens the TURSO-flavored backend. Remote libsql/wss/https URLs use
// the libsql driver; ":memory:" and "file:" URLs use the embedded sqlite
// driver so self-hosted deployments need no external database.
func NewSQL(ctx context.Context, dbURL, authToken string) (*SQLDB, error) {
	driver, dsn, err := resolveDSN(dbURL, authToken)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == "sqlite" {
		// Single writer: sqlite serializes writes anyway, and a shared
		// in-memory database must stay on one connection.
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Foreign keys stay advisory (sqlite's default): DELETE audit entries are
	// written after their message row is gone and must not cascade away.
	return &SQLDB{DB: conn}, nil
}

func resolveDSN(dbURL, authToken string) (driver, dsn string, err error) {
	switch {
	case dbURL == ":memory:":
		return "sqlite", "file::memory:?cache=shared", nil
	case strings.HasPrefix(dbURL, "file:"):
		return "sqlite", dbURL, nil
	case strings.HasPrefix(dbURL, "libsql://"),
		strings.HasPrefix(dbURL, "wss://"),
		strings.HasPrefix(dbURL, "https://"):
		if authToken != "" {
			u, perr := url.Parse(dbURL)
			if perr != nil {
				return "", "", fmt.Errorf("invalid TURSO_DB_URL: %w", perr)
			}
			q := u.Query()
			q.Set("authToken", authToken)
			u.RawQuery = q.Encode()
			dbURL = u.String()
		}
		return "libsql", dbURL, nil
	default:
		return "", "", fmt.Errorf("unsupported TURSO_DB_URL %q", dbURL)
	}
}

// RunMigrations applies the embedded migrations that are not yet recorded in
// the migrations table. Applied migrations are recorded as (id, name,
// created_at); the table itself is never truncated by admin reset.
func (db *SQLDB) RunMigrations(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS migrations (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	names, err := fs.Glob(migrationFiles, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)

	for _, name := range names {
		base := strings.TrimSuffix(strings.TrimPrefix(name, "migrations/"), ".sql")
		id, _, _ := strings.Cut(base, "_")

		var applied int
		if err := db.QueryRowContext(ctx,
			"SELECT COUNT(1) FROM migrations WHERE id = ?", id).Scan(&applied); err != nil {
			return fmt.Errorf("failed to check migration %s: %w", id, err)
		}
		if applied > 0 {
			continue
		}

		script, err := migrationFiles.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, string(script)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", base, err)
		}
		if _, err := db.ExecContext(ctx,
			"INSERT INTO migrations (id, name, created_at) VALUES (?, ?, ?)",
			id, base, time.Now().UTC().Format(time.RFC3339)); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", base, err)
		}
	}

	return nil
}

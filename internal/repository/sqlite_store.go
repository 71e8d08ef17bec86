package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed sqlite_schema.sql
var sqliteSchemaSQL string

// Schema version tracking:
// 0 - Initial schema
// 1 - Index on outbox_events(user_id, status) for account-scoped runs
// 2 - Index on outbox_events(status, completed_at) for housekeeping
const currentSQLiteSchemaVersion = 2

// SQLiteStore is the on-device database holding local entities and the outbox.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode so reads proceed during a sync run's writes
//   - NORMAL synchronous mode (durable across app crashes in WAL mode)
//   - 5-second busy timeout for lock contention
//   - a single connection, since SQLite allows one writer at a time
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Transactions carry their *sql.Tx in the context, so a single
	// connection never deadlocks against itself.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applySQLitePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySQLiteSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}

	return s.db.Close()
}

// DB returns the underlying sql.DB.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// SchemaVersion reports the applied migration version.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("get user_version: %w", err)
	}

	return version, nil
}

func applySQLitePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

func applySQLiteSchema(db *sql.DB) error {
	if _, err := db.Exec(sqliteSchemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	return runSQLiteMigrations(db)
}

// runSQLiteMigrations applies incremental schema migrations based on user_version.
func runSQLiteMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	migrations := []struct {
		version int
		stmt    string
	}{
		{1, `CREATE INDEX IF NOT EXISTS idx_outbox_events_user ON outbox_events (user_id, status)`},
		{2, `CREATE INDEX IF NOT EXISTS idx_outbox_events_completed ON outbox_events (status, completed_at)`},
	}

	for _, m := range migrations {
		if version >= m.version {
			continue
		}

		if _, err := db.Exec(m.stmt); err != nil {
			return fmt.Errorf("migrate to v%d: %w", m.version, err)
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSQLiteSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteTxKey struct{}

// sqliteQuerier returns the transaction carried by ctx, falling back to db.
func sqliteQuerier(ctx context.Context, db *sql.DB) sqlQuerier {
	if tx, ok := ctx.Value(sqliteTxKey{}).(*sql.Tx); ok {
		return tx
	}

	return db
}

func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

func nullMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: toMicros(*t), Valid: true}
}

func fromNullMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}

	t := fromMicros(v.Int64)

	return &t
}

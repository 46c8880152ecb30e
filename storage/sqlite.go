package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ruteri/enrollment-gateway/interfaces"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const migrationTable = "schema_migrations"

// SQLiteBackend stores records in a single table of a SQLite database.
type SQLiteBackend struct {
	db          *sql.DB
	path        string
	log         *slog.Logger
	locationURI string
}

// NewSQLiteBackend opens (creating if needed) the database at path and applies
// the embedded migrations.
func NewSQLiteBackend(path string, log *slog.Logger) (*SQLiteBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(db, migrationFS, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteBackend{
		db:          db,
		path:        cleanPath,
		log:         log,
		locationURI: "sqlite://" + cleanPath,
	}, nil
}

func (b *SQLiteBackend) Fetch(ctx context.Context, ns interfaces.Namespace, key string) ([]byte, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT data FROM records WHERE namespace = ? AND key = ?`, ns.String(), key,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrContentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrBackendUnavailable, err)
	}
	return data, nil
}

func (b *SQLiteBackend) Store(ctx context.Context, ns interfaces.Namespace, key string, data []byte) error {
	_, err := b.db.ExecContext(ctx, `
INSERT INTO records (namespace, key, data, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (namespace, key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		ns.String(), key, data, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrBackendUnavailable, err)
	}
	b.log.Debug("Stored record in SQLite", slog.String("namespace", ns.String()))
	return nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, ns interfaces.Namespace, key string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM records WHERE namespace = ? AND key = ?`, ns.String(), key); err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

func (b *SQLiteBackend) List(ctx context.Context, ns interfaces.Namespace) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT key FROM records WHERE namespace = ? ORDER BY key`, ns.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrBackendUnavailable, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (b *SQLiteBackend) Available(ctx context.Context) bool {
	if err := b.db.PingContext(ctx); err != nil {
		b.log.Debug("SQLite backend unavailable", "err", err)
		return false
	}
	return true
}

func (b *SQLiteBackend) Name() string {
	return fmt.Sprintf("sqlite-%s", filepath.Base(b.path))
}

func (b *SQLiteBackend) LocationURI() string {
	return b.locationURI
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

// applyMigrations runs every *.sql file under root once, in name order,
// recording applied files in schema_migrations.
func applyMigrations(db *sql.DB, migrations fs.FS, root string) error {
	entries, err := fs.ReadDir(migrations, root)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	if _, err := db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (name TEXT PRIMARY KEY, applied_at INTEGER NOT NULL)`, migrationTable)); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range files {
		var count int
		if err := db.QueryRow(fmt.Sprintf(`SELECT COUNT(1) FROM %s WHERE name = ?`, migrationTable), file).Scan(&count); err != nil {
			return fmt.Errorf("check migration %s: %w", file, err)
		}
		if count > 0 {
			continue
		}

		content, err := fs.ReadFile(migrations, root+"/"+file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}

		tx, err := db.BeginTx(context.Background(), nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", file, err)
		}
		if _, err := tx.Exec(upMigration(string(content))); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", file, err)
		}
		if _, err := tx.Exec(fmt.Sprintf(`INSERT INTO %s (name, applied_at) VALUES (?, ?)`, migrationTable), file, time.Now().UTC().UnixMilli()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}

// upMigration returns the SQL between "-- +migrate Up" and "-- +migrate Down".
func upMigration(content string) string {
	if i := strings.Index(content, "-- +migrate Up"); i >= 0 {
		content = content[i+len("-- +migrate Up"):]
	}
	if i := strings.Index(content, "-- +migrate Down"); i >= 0 {
		content = content[:i]
	}
	return content
}

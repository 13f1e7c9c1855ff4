// Package store keeps device identities and cached settings documents in a
// local SQLite database, for installs without a shared PostgreSQL server.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/pressly/goose/v3"

	"github.com/matt-riley/flagkit/internal/core"
	"github.com/matt-riley/flagkit/migrations"
)

const (
	// MemoryPath opens a private in-memory database.
	MemoryPath = ":memory:"

	dirPermissions    = 0o750
	filePermissions   = 0o600
	connectionTimeout = 5 * time.Second
)

// Config contains SQLite connection options.
type Config struct {
	// Path is the database file. Its directory is created if missing.
	Path string
	// WALMode enables write-ahead logging.
	WALMode bool
	// BusyTimeout is how long to wait for a lock.
	BusyTimeout time.Duration
	Logger      *slog.Logger
}

// Store implements identity.Store and settings.Cache on SQLite.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open connects to the database described by cfg and applies the embedded
// migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	memory := cfg.Path == "" || cfg.Path == MemoryPath
	if !memory {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", connString(cfg))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection serializes writers and keeps in-memory databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if !memory {
		db.SetConnMaxLifetime(time.Hour)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("verify database connection: %w", err)
	}

	if !memory {
		_ = os.Chmod(cfg.Path, filePermissions)
	}

	s := &Store{db: db, path: cfg.Path, logger: logger}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func connString(cfg Config) string {
	path := cfg.Path
	if path == "" {
		path = MemoryPath
	}

	conn := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on", path, cfg.BusyTimeout.Milliseconds())
	if cfg.WALMode && path != MemoryPath {
		conn += "&_journal_mode=WAL&_synchronous=NORMAL"
	}
	return conn
}

func (s *Store) migrate(ctx context.Context) error {
	dir, err := fs.Sub(migrations.FS, migrations.SQLiteDir)
	if err != nil {
		return fmt.Errorf("open sqlite migrations: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, dir)
	if err != nil {
		return fmt.Errorf("create goose provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	s.logger.Debug("migrations applied", "dialect", "sqlite3", "path", s.path, "count", len(results))
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// LoadDeviceID returns the installation id stored for scope.
func (s *Store) LoadDeviceID(ctx context.Context, scope string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT device_id FROM device_identities WHERE scope = ?`, scope,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("load device id: %w", notFound(err))
	}
	return id, nil
}

// SaveDeviceID stores id for scope unless one already exists and returns the
// stored id.
func (s *Store) SaveDeviceID(ctx context.Context, scope, id string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin save device id tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO device_identities (scope, device_id) VALUES (?, ?)`, scope, id,
	); err != nil {
		return "", fmt.Errorf("insert device id: %w", err)
	}

	var stored string
	if err := tx.QueryRowContext(ctx,
		`SELECT device_id FROM device_identities WHERE scope = ?`, scope,
	).Scan(&stored); err != nil {
		return "", fmt.Errorf("read device id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit save device id tx: %w", err)
	}
	return stored, nil
}

// LoadSettings returns the cached settings document for key and its expiry.
func (s *Store) LoadSettings(ctx context.Context, key string) ([]byte, time.Time, error) {
	var (
		payload   []byte
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, expires_at FROM settings_cache WHERE cache_key = ?`, key,
	).Scan(&payload, &expiresAt)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("load settings: %w", notFound(err))
	}
	return payload, time.UnixMilli(expiresAt), nil
}

// SaveSettings upserts the settings document for key.
func (s *Store) SaveSettings(ctx context.Context, key string, payload []byte, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings_cache (cache_key, payload, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (cache_key) DO UPDATE
		SET payload = excluded.payload,
		    expires_at = excluded.expires_at,
		    updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
	`, key, payload, expiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrNotFound
	}
	return err
}

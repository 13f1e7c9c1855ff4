// Package repository provides PostgreSQL-backed persistence for device
// identities, cached settings documents and the tracked-event journal. It
// also handles LISTEN/NOTIFY so that clients sharing a database refresh their
// settings when another process stores a newer document.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matt-riley/flagkit/internal/core"
)

const (
	defaultNotifyChannel = "flagkit_settings"
	maxEventBatchSize    = 1000
)

// PostgresRepository implements identity.Store and settings.Cache backed by a
// pgxpool connection pool.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	notifyChannel string
}

// NewPostgresRepository creates a [PostgresRepository] using the default
// "flagkit_settings" notification channel.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return NewPostgresRepositoryWithChannel(pool, defaultNotifyChannel)
}

// NewPostgresRepositoryWithChannel creates a [PostgresRepository] using the
// specified LISTEN/NOTIFY channel name for settings notifications.
func NewPostgresRepositoryWithChannel(pool *pgxpool.Pool, notifyChannel string) *PostgresRepository {
	return &PostgresRepository{
		pool:          pool,
		notifyChannel: normalizeNotifyChannel(notifyChannel),
	}
}

// LoadDeviceID returns the installation id stored for scope. Returns
// core.ErrNotFound (wrapped) if none has been saved.
func (r *PostgresRepository) LoadDeviceID(ctx context.Context, scope string) (string, error) {
	var id string
	err := r.pool.QueryRow(ctx, `
		SELECT device_id
		FROM device_identities
		WHERE scope = $1
	`, scope).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("load device id: %w", notFound(err))
	}

	return id, nil
}

// SaveDeviceID stores id for scope unless one already exists and returns the
// id that is stored afterwards, so concurrent first launches agree.
func (r *PostgresRepository) SaveDeviceID(ctx context.Context, scope, id string) (string, error) {
	var stored string
	err := r.pool.QueryRow(ctx, `
		WITH inserted AS (
			INSERT INTO device_identities (scope, device_id)
			VALUES ($1, $2)
			ON CONFLICT (scope) DO NOTHING
			RETURNING device_id
		)
		SELECT device_id FROM inserted
		UNION ALL
		SELECT device_id FROM device_identities WHERE scope = $1
		LIMIT 1
	`, scope, id).Scan(&stored)
	if err != nil {
		return "", fmt.Errorf("save device id: %w", err)
	}

	return stored, nil
}

// LoadSettings returns the cached settings document for key along with its
// expiry. Expired rows are still returned. Returns core.ErrNotFound (wrapped)
// if key has never been saved.
func (r *PostgresRepository) LoadSettings(ctx context.Context, key string) ([]byte, time.Time, error) {
	var (
		payload   []byte
		expiresAt time.Time
	)
	err := r.pool.QueryRow(ctx, `
		SELECT payload, expires_at
		FROM settings_cache
		WHERE cache_key = $1
	`, key).Scan(&payload, &expiresAt)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("load settings: %w", notFound(err))
	}

	return payload, expiresAt, nil
}

// SaveSettings upserts the settings document for key and sends a PostgreSQL
// NOTIFY on the configured channel within a single transaction.
func (r *PostgresRepository) SaveSettings(ctx context.Context, key string, payload []byte, expiresAt time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save settings tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO settings_cache (cache_key, payload, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (cache_key) DO UPDATE
		SET payload = EXCLUDED.payload,
		    expires_at = EXCLUDED.expires_at,
		    updated_at = NOW()
	`, key, payload, expiresAt); err != nil {
		return fmt.Errorf("upsert settings: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, key); err != nil {
		return fmt.Errorf("notify settings: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save settings tx: %w", err)
	}

	return nil
}

// SubscribeSettingsInvalidation returns a channel that receives a signal
// whenever a settings notification arrives on the PostgreSQL LISTEN channel.
// The channel is closed when ctx is done.
func (r *PostgresRepository) SubscribeSettingsInvalidation(ctx context.Context) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)

	go r.runInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runInvalidationListener(ctx context.Context, invalidations chan<- struct{}) {
	defer close(invalidations)

	for {
		err := r.listenForInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForInvalidation(ctx context.Context, invalidations chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for settings notification: %w", err)
		}

		select {
		case invalidations <- struct{}{}:
		default:
		}
	}
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return core.ErrNotFound
	}
	return err
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

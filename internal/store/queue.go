package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/matt-riley/flagkit/internal/batch"
	"github.com/matt-riley/flagkit/internal/core"
)

var _ batch.Queue = (*Store)(nil)

// EnqueueEvent holds event for a later batch upload.
func (s *Store) EnqueueEvent(ctx context.Context, group string, event core.TrackingEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal queued event: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO event_queue (group_key, payload, created_at)
		VALUES (?, ?, ?)
	`, group, string(payload), time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("insert queued event: %w", err)
	}
	return nil
}

// QueuedEvents returns up to limit queued events of group, oldest first.
func (s *Store) QueuedEvents(ctx context.Context, group string, limit int) ([]batch.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT queue_id, payload
		FROM event_queue
		WHERE group_key = ?
		ORDER BY queue_id ASC
		LIMIT ?
	`, group, limit)
	if err != nil {
		return nil, fmt.Errorf("list queued events: %w", err)
	}
	defer rows.Close()

	entries := make([]batch.Entry, 0)
	for rows.Next() {
		var (
			entry   batch.Entry
			payload string
		)
		if err := rows.Scan(&entry.ID, &payload); err != nil {
			return nil, fmt.Errorf("scan queued event: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &entry.Event); err != nil {
			return nil, fmt.Errorf("decode queued event %d: %w", entry.ID, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list queued events rows: %w", err)
	}
	return entries, nil
}

func (s *Store) CountQueuedEvents(ctx context.Context, group string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM event_queue WHERE group_key = ?`, group).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queued events: %w", err)
	}
	return n, nil
}

// DeleteQueuedEvents removes uploaded events. Unknown ids are ignored.
func (s *Store) DeleteQueuedEvents(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM event_queue WHERE queue_id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("delete queued events: %w", err)
	}
	return nil
}

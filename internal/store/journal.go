package store

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/matt-riley/flagkit/internal/core"
)

const maxJournalRows = 1000

// Event is a row of the offline event journal.
type Event struct {
	EventID    int64
	Name       string
	UserID     string
	Properties map[string]core.Value
	CreatedAt  time.Time
}

// Name identifies the store as an event delivery target.
func (s *Store) Name() string {
	return "sqlite"
}

// Publish appends event to the offline journal.
func (s *Store) Publish(ctx context.Context, event core.TrackingEvent) error {
	properties := event.Properties
	if properties == nil {
		properties = map[string]core.Value{}
	}
	encoded, err := json.Marshal(properties)
	if err != nil {
		return fmt.Errorf("marshal event properties: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO tracked_events (name, user_id, properties, created_at)
		VALUES (?, ?, ?, ?)
	`, event.Name, event.UserID, string(encoded), time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("insert tracked event: %w", err)
	}
	return nil
}

// SendEvent lets the store stand in for a backend when running offline.
func (s *Store) SendEvent(ctx context.Context, event core.TrackingEvent) (map[string]bool, error) {
	if err := s.Publish(ctx, event); err != nil {
		return nil, err
	}
	return map[string]bool{s.Name(): true}, nil
}

// SendAttributes records attributes for userID, replacing earlier values.
func (s *Store) SendAttributes(ctx context.Context, userID string, attributes map[string]core.Value) (map[string]error, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin save attributes tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UnixMilli()
	rejected := make(map[string]error)
	for _, key := range slices.Sorted(maps.Keys(attributes)) {
		encoded, err := json.Marshal(attributes[key])
		if err != nil {
			rejected[key] = err
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_attributes (user_id, attr_key, value, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (user_id, attr_key) DO UPDATE
			SET value = excluded.value,
			    updated_at = excluded.updated_at
		`, userID, key, string(encoded), now); err != nil {
			return nil, fmt.Errorf("save attribute %q: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit save attributes tx: %w", err)
	}
	return rejected, nil
}

// Attributes returns the recorded attributes for userID.
func (s *Store) Attributes(ctx context.Context, userID string) (map[string]core.Value, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT attr_key, value FROM user_attributes WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("list attributes: %w", err)
	}
	defer rows.Close()

	attributes := make(map[string]core.Value)
	for rows.Next() {
		var (
			key     string
			encoded string
			value   core.Value
		)
		if err := rows.Scan(&key, &encoded); err != nil {
			return nil, fmt.Errorf("scan attribute: %w", err)
		}
		if err := json.Unmarshal([]byte(encoded), &value); err != nil {
			return nil, fmt.Errorf("decode attribute %q: %w", key, err)
		}
		attributes[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list attributes rows: %w", err)
	}
	return attributes, nil
}

// ListEventsSince returns journal rows for userID with an id greater than
// eventID, oldest first.
func (s *Store) ListEventsSince(ctx context.Context, userID string, eventID int64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, name, user_id, properties, created_at
		FROM tracked_events
		WHERE user_id = ? AND event_id > ?
		ORDER BY event_id ASC
		LIMIT ?
	`, userID, eventID, maxJournalRows)
	if err != nil {
		return nil, fmt.Errorf("list tracked events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		var (
			event      Event
			properties string
			createdAt  int64
		)
		if err := rows.Scan(&event.EventID, &event.Name, &event.UserID, &properties, &createdAt); err != nil {
			return nil, fmt.Errorf("scan tracked event: %w", err)
		}
		if err := json.Unmarshal([]byte(properties), &event.Properties); err != nil {
			return nil, fmt.Errorf("decode event %d properties: %w", event.EventID, err)
		}
		event.CreatedAt = time.UnixMilli(createdAt)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tracked events rows: %w", err)
	}
	return events, nil
}

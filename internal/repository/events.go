package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matt-riley/flagkit/internal/core"
)

// JournalEvent is a tracked event row.
type JournalEvent struct {
	EventID    int64           `json:"event_id"`
	Name       string          `json:"name"`
	UserID     string          `json:"user_id"`
	Properties json.RawMessage `json:"properties"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Name identifies the journal as an event delivery target.
func (r *PostgresRepository) Name() string {
	return "postgres"
}

// Publish appends event to the tracked-event journal.
func (r *PostgresRepository) Publish(ctx context.Context, event core.TrackingEvent) error {
	_, err := r.AppendEvent(ctx, event)
	return err
}

// AppendEvent inserts event into the journal and returns the stored row.
func (r *PostgresRepository) AppendEvent(ctx context.Context, event core.TrackingEvent) (JournalEvent, error) {
	properties, err := marshalProperties(event.Properties)
	if err != nil {
		return JournalEvent{}, fmt.Errorf("marshal event properties: %w", err)
	}

	var created JournalEvent
	if err := r.pool.QueryRow(ctx, `
		INSERT INTO tracked_events (name, user_id, properties)
		VALUES ($1, $2, $3)
		RETURNING event_id, name, user_id, properties, created_at
	`,
		event.Name,
		event.UserID,
		properties,
	).Scan(
		&created.EventID,
		&created.Name,
		&created.UserID,
		&created.Properties,
		&created.CreatedAt,
	); err != nil {
		return JournalEvent{}, fmt.Errorf("insert tracked event: %w", err)
	}

	return created, nil
}

// ListEventsSince returns journal rows for userID with an id greater than
// eventID, oldest first, capped at maxEventBatchSize rows.
func (r *PostgresRepository) ListEventsSince(ctx context.Context, userID string, eventID int64) ([]JournalEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, name, user_id, properties, created_at
		FROM tracked_events
		WHERE user_id = $1 AND event_id > $2
		ORDER BY event_id ASC
		LIMIT $3
	`, userID, eventID, maxEventBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list tracked events: %w", err)
	}
	defer rows.Close()

	events := make([]JournalEvent, 0)
	for rows.Next() {
		var event JournalEvent
		if err := rows.Scan(
			&event.EventID,
			&event.Name,
			&event.UserID,
			&event.Properties,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan tracked event: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tracked events rows: %w", err)
	}

	return events, nil
}

func marshalProperties(properties map[string]core.Value) (json.RawMessage, error) {
	if len(properties) == 0 {
		return ensureJSON(nil, "{}"), nil
	}

	serialized, err := json.Marshal(properties)
	if err != nil {
		return nil, err
	}

	return ensureJSON(serialized, "{}"), nil
}

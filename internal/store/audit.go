package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// InsertAuditEvent appends one event to the audit log. Events are write-once:
// nothing in the core updates or deletes them.
func (db *DB) InsertAuditEvent(ctx context.Context, event *AuditEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	var metadataJSON []byte
	if event.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("encoding event metadata: %w", err)
		}
	}

	_, err := db.pool.Exec(ctx, `
		INSERT INTO audit_events (actor, exercise_id, instance_id, action, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		event.Actor, event.ExerciseID, event.InstanceID, event.Action, metadataJSON, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}

// ListAuditEvents queries the audit log with optional filters, newest first.
func (db *DB) ListAuditEvents(ctx context.Context, filter EventFilter) ([]AuditEvent, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, `
		SELECT id, actor, exercise_id, instance_id, action, metadata, created_at
		FROM audit_events
		WHERE ($1 = '' OR actor = $1)
		  AND ($2 = '' OR exercise_id = $2)
		  AND ($3 = '' OR action = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`,
		filter.Owner, filter.Exercise, filter.Action, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer rows.Close()

	var results []AuditEvent
	for rows.Next() {
		var event AuditEvent
		var metadataJSON []byte
		if err := rows.Scan(
			&event.ID, &event.Actor, &event.ExerciseID, &event.InstanceID,
			&event.Action, &metadataJSON, &event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning audit event row: %w", err)
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
				return nil, fmt.Errorf("decoding event metadata: %w", err)
			}
		}
		results = append(results, event)
	}
	return results, rows.Err()
}

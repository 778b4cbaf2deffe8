package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"finlink/internal/domain/audit"
)

// AuditRepository appends to bank_audit_events.
type AuditRepository struct {
	db *DB
}

func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

var _ audit.Repository = (*AuditRepository)(nil)

func (r *AuditRepository) Insert(ctx context.Context, event *audit.Event) error {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode audit payload: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO bank_audit_events (id, user_id, event_type, connection_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.UserID, string(event.EventType), nullString(event.ConnectionID), data, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// ListByConnectionID returns the newest events first.
func (r *AuditRepository) ListByConnectionID(ctx context.Context, connectionID string, limit int) ([]*audit.Event, error) {
	if !isUUID(connectionID) {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, event_type, connection_id, payload, created_at
		FROM bank_audit_events
		WHERE connection_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		connectionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var events []*audit.Event
	for rows.Next() {
		var e audit.Event
		var eventType string
		var connID *string
		var payload []byte
		if err := rows.Scan(&e.ID, &e.UserID, &eventType, &connID, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.EventType = audit.EventType(eventType)
		if connID != nil {
			e.ConnectionID = *connID
		}
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode audit payload: %w", err)
		}
		events = append(events, &e)
	}

	return events, rows.Err()
}

package audit

import "time"

// EventType names an append-only audit record.
type EventType string

const (
	EventLinkInitiated     EventType = "bank_link_initiated"
	EventConnected         EventType = "bank_connected"
	EventTokensRefreshed   EventType = "bank_tokens_refreshed"
	EventSyncRequested     EventType = "bank_sync_requested"
	EventSyncCompleted     EventType = "bank_sync_completed"
	EventSyncFailed        EventType = "bank_sync_failed"
	EventConnectionError   EventType = "bank_connection_error"
	EventConnectionRevoked EventType = "bank_connection_revoked"
)

type Event struct {
	ID           string         `json:"id"`
	UserID       int64          `json:"userId"`
	EventType    EventType      `json:"eventType"`
	ConnectionID string         `json:"connectionId,omitempty"`
	Payload      map[string]any `json:"payload"`
	CreatedAt    time.Time      `json:"createdAt"`
}

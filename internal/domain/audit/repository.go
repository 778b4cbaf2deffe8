package audit

import "context"

// Repository appends audit events. Events are never updated or deleted.
type Repository interface {
	Insert(ctx context.Context, event *Event) error
	ListByConnectionID(ctx context.Context, connectionID string, limit int) ([]*Event, error)
}

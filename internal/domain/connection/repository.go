package connection

import (
	"context"
	"time"
)

// Repository defines the interface for connection data access.
// Implemented in the infrastructure layer.
type Repository interface {
	// Upsert inserts or reactivates a connection as active.
	Upsert(ctx context.Context, params UpsertParams) (*Connection, error)

	GetByID(ctx context.Context, id string) (*Connection, error)

	ListByStatus(ctx context.Context, status Status) ([]*Connection, error)

	// ListWithCredentials returns every non-revoked connection holding a credential.
	ListWithCredentials(ctx context.Context) ([]*Connection, error)

	// UpdateCredentials stores rotated blobs, clears error_message and sets
	// status active. Fails with ErrStaleStatus when the row is revoked.
	UpdateCredentials(ctx context.Context, update CredentialUpdate) error

	// TransitionStatus moves the row from one status to another and records
	// errorMessage (empty clears it). Fails with ErrStaleStatus when the
	// stored status is no longer from.
	TransitionStatus(ctx context.Context, id string, from, to Status, errorMessage string) error

	// MarkSynced advances last_sync_at; it never moves it backwards.
	MarkSynced(ctx context.Context, id string, at time.Time) error

	// Revoke discards both credentials and sets status revoked.
	Revoke(ctx context.Context, id string) error
}

package account

import "context"

// Repository defines the interface for bank account data access
// This interface is defined in the domain layer, but implemented in the infrastructure layer
type Repository interface {
	// UpsertForConnection inserts or refreshes accounts keyed by
	// (connection_id, external_account_id) and returns the number written.
	UpsertForConnection(ctx context.Context, connectionID string, accounts []UpsertParams) (int, error)

	// ListByConnectionID retrieves all accounts of a connection
	ListByConnectionID(ctx context.Context, connectionID string) ([]*Account, error)
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"finlink/internal/domain/connection"
)

const connectionColumns = `
	id, user_id, provider_key, external_connection_id,
	access_token_encrypted, refresh_token_encrypted, scopes, status,
	last_sync_at, error_message, created_at, updated_at`

// ConnectionRepository implements connection.Repository for PostgreSQL.
type ConnectionRepository struct {
	db *DB
}

func NewConnectionRepository(db *DB) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

var _ connection.Repository = (*ConnectionRepository)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*connection.Connection, error) {
	var c connection.Connection
	var access, refresh, errorMessage sql.NullString
	var status string
	var lastSync sql.NullTime

	err := row.Scan(
		&c.ID, &c.UserID, &c.ProviderKey, &c.ExternalConnectionID,
		&access, &refresh, pq.Array(&c.Scopes), &status,
		&lastSync, &errorMessage, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.AccessTokenEncrypted = access.String
	c.RefreshTokenEncrypted = refresh.String
	c.Status = connection.Status(status)
	c.ErrorMessage = errorMessage.String
	if lastSync.Valid {
		t := lastSync.Time
		c.LastSyncAt = &t
	}
	return &c, nil
}

// Upsert inserts an active connection or, when a live row with the same
// (provider, external id, user) exists, replaces its credentials and
// reactivates it.
func (r *ConnectionRepository) Upsert(ctx context.Context, params connection.UpsertParams) (*connection.Connection, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	query := `
		INSERT INTO bank_connections (
			user_id, provider_key, external_connection_id,
			access_token_encrypted, refresh_token_encrypted, scopes, status, last_sync_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, 'active', $7)
		ON CONFLICT (provider_key, external_connection_id, user_id) WHERE status <> 'revoked'
		DO UPDATE SET
			access_token_encrypted = EXCLUDED.access_token_encrypted,
			refresh_token_encrypted = EXCLUDED.refresh_token_encrypted,
			scopes = EXCLUDED.scopes,
			status = 'active',
			error_message = NULL,
			last_sync_at = GREATEST(bank_connections.last_sync_at, EXCLUDED.last_sync_at),
			updated_at = NOW()
		RETURNING` + connectionColumns

	scopes := params.Scopes
	if scopes == nil {
		scopes = []string{}
	}

	c, err := scanConnection(r.db.QueryRowContext(ctx, query,
		params.UserID, params.ProviderKey, params.ExternalConnectionID,
		nullString(params.AccessTokenEncrypted), nullString(params.RefreshTokenEncrypted),
		pq.Array(scopes), params.LastSyncAt,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert connection: %w", err)
	}
	return c, nil
}

func (r *ConnectionRepository) GetByID(ctx context.Context, id string) (*connection.Connection, error) {
	if !isUUID(id) {
		return nil, connection.ErrConnectionNotFound
	}

	query := `SELECT` + connectionColumns + ` FROM bank_connections WHERE id = $1`

	c, err := scanConnection(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, connection.ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return c, nil
}

func (r *ConnectionRepository) ListByStatus(ctx context.Context, status connection.Status) ([]*connection.Connection, error) {
	query := `SELECT` + connectionColumns + `
		FROM bank_connections
		WHERE status = $1
		ORDER BY last_sync_at ASC NULLS FIRST, created_at`

	return r.list(ctx, query, string(status))
}

func (r *ConnectionRepository) ListWithCredentials(ctx context.Context) ([]*connection.Connection, error) {
	query := `SELECT` + connectionColumns + `
		FROM bank_connections
		WHERE status <> 'revoked' AND COALESCE(access_token_encrypted, '') <> ''
		ORDER BY created_at`

	return r.list(ctx, query)
}

func (r *ConnectionRepository) list(ctx context.Context, query string, args ...any) ([]*connection.Connection, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var out []*connection.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *ConnectionRepository) UpdateCredentials(ctx context.Context, update connection.CredentialUpdate) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE bank_connections
		SET access_token_encrypted = $2,
		    refresh_token_encrypted = $3,
		    status = 'active',
		    error_message = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status <> 'revoked'`,
		update.ConnectionID, nullString(update.AccessTokenEncrypted), nullString(update.RefreshTokenEncrypted),
	)
	if err != nil {
		return fmt.Errorf("failed to update credentials: %w", err)
	}
	return r.expectOne(ctx, result, update.ConnectionID, connection.ErrStaleStatus)
}

func (r *ConnectionRepository) TransitionStatus(ctx context.Context, id string, from, to connection.Status, errorMessage string) error {
	if err := from.ValidateTransition(to); err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE bank_connections
		SET status = $3, error_message = $4, updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), nullString(errorMessage),
	)
	if err != nil {
		return fmt.Errorf("failed to update connection status: %w", err)
	}
	return r.expectOne(ctx, result, id, connection.ErrStaleStatus)
}

func (r *ConnectionRepository) MarkSynced(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE bank_connections
		SET last_sync_at = $2, updated_at = NOW()
		WHERE id = $1 AND (last_sync_at IS NULL OR last_sync_at < $2)`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("failed to mark connection synced: %w", err)
	}
	// A newer last_sync_at is not an error.
	return r.expectOne(ctx, result, id, nil)
}

func (r *ConnectionRepository) Revoke(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE bank_connections
		SET access_token_encrypted = NULL,
		    refresh_token_encrypted = NULL,
		    status = 'revoked',
		    updated_at = NOW()
		WHERE id = $1 AND status <> 'revoked'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke connection: %w", err)
	}
	return r.expectOne(ctx, result, id, nil)
}

// expectOne turns a zero-row update into ErrConnectionNotFound when the row
// is missing, or into onMiss when the row exists but did not match.
func (r *ConnectionRepository) expectOne(ctx context.Context, result sql.Result, id string, onMiss error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM bank_connections WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check connection: %w", err)
	}
	if !exists {
		return connection.ErrConnectionNotFound
	}
	return onMiss
}

package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"finlink/internal/domain/account"
)

// AccountRepository implements the account.Repository interface for PostgreSQL
type AccountRepository struct {
	db *DB
}

// NewAccountRepository creates a new PostgreSQL account repository
func NewAccountRepository(db *DB) *AccountRepository {
	return &AccountRepository{db: db}
}

var _ account.Repository = (*AccountRepository)(nil)

// UpsertForConnection writes all snapshots in one transaction. A balance
// timestamp the provider did not report defaults to now.
func (r *AccountRepository) UpsertForConnection(ctx context.Context, connectionID string, accounts []account.UpsertParams) (int, error) {
	if len(accounts) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO bank_accounts (
			connection_id, external_account_id, name, account_type, subtype, currency,
			current_balance, available_balance, balance_updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()))
		ON CONFLICT (connection_id, external_account_id) DO UPDATE SET
			name = EXCLUDED.name,
			account_type = EXCLUDED.account_type,
			subtype = EXCLUDED.subtype,
			currency = EXCLUDED.currency,
			current_balance = EXCLUDED.current_balance,
			available_balance = EXCLUDED.available_balance,
			balance_updated_at = EXCLUDED.balance_updated_at,
			updated_at = NOW()
	`

	written := 0
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare account upsert: %w", err)
		}
		defer stmt.Close()

		for _, a := range accounts {
			var balanceAt sql.NullTime
			if !a.BalanceUpdatedAt.IsZero() {
				balanceAt = sql.NullTime{Time: a.BalanceUpdatedAt, Valid: true}
			}

			_, err := stmt.ExecContext(ctx,
				connectionID, a.ExternalAccountID, a.Name, a.AccountType, nullString(a.Subtype), a.Currency,
				a.CurrentBalance, a.AvailableBalance, balanceAt,
			)
			if err != nil {
				return fmt.Errorf("failed to upsert account %s: %w", a.ExternalAccountID, err)
			}
			written++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return written, nil
}

// ListByConnectionID retrieves all accounts of a connection
func (r *AccountRepository) ListByConnectionID(ctx context.Context, connectionID string) ([]*account.Account, error) {
	if !isUUID(connectionID) {
		return nil, nil
	}

	query := `
		SELECT id, connection_id, external_account_id, name, account_type, subtype, currency,
		       current_balance, available_balance, balance_updated_at, created_at, updated_at
		FROM bank_accounts
		WHERE connection_id = $1
		ORDER BY account_type, name
	`

	rows, err := r.db.QueryContext(ctx, query, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*account.Account
	for rows.Next() {
		var acc account.Account
		var subtype sql.NullString
		if err := rows.Scan(
			&acc.ID, &acc.ConnectionID, &acc.ExternalAccountID, &acc.Name, &acc.AccountType, &subtype, &acc.Currency,
			&acc.CurrentBalance, &acc.AvailableBalance, &acc.BalanceUpdatedAt, &acc.CreatedAt, &acc.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		acc.Subtype = subtype.String
		accounts = append(accounts, &acc)
	}

	return accounts, rows.Err()
}

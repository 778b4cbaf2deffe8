package postgres

import (
	"context"
	"fmt"

	"finlink/internal/domain/notification"
)

type DeviceTokenRepository struct {
	db *DB
}

func NewDeviceTokenRepository(db *DB) *DeviceTokenRepository {
	return &DeviceTokenRepository{db: db}
}

var _ notification.Repository = (*DeviceTokenRepository)(nil)

// UpsertDeviceToken registers or refreshes a token, moving it to params.UserID
// when another user held it.
func (r *DeviceTokenRepository) UpsertDeviceToken(ctx context.Context, params notification.RegisterDeviceParams) (*notification.DeviceToken, error) {
	query := `
		INSERT INTO fcm_device_tokens (user_id, token, device_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (token) DO UPDATE
			SET user_id = EXCLUDED.user_id,
			    device_type = EXCLUDED.device_type,
			    is_active = true,
			    last_used = NOW()
		RETURNING id, user_id, token, device_type, is_active, created_at, last_used
	`

	var dt notification.DeviceToken
	err := r.db.QueryRowContext(ctx, query, params.UserID, params.Token, params.DeviceType).Scan(
		&dt.ID, &dt.UserID, &dt.Token, &dt.DeviceType, &dt.IsActive, &dt.CreatedAt, &dt.LastUsed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert device token: %w", err)
	}

	return &dt, nil
}

func (r *DeviceTokenRepository) GetActiveTokensByUserID(ctx context.Context, userID int64) ([]*notification.DeviceToken, error) {
	query := `
		SELECT id, user_id, token, device_type, is_active, created_at, last_used
		FROM fcm_device_tokens
		WHERE user_id = $1 AND is_active = true
		ORDER BY last_used DESC
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get device tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*notification.DeviceToken
	for rows.Next() {
		var dt notification.DeviceToken
		if err := rows.Scan(&dt.ID, &dt.UserID, &dt.Token, &dt.DeviceType, &dt.IsActive, &dt.CreatedAt, &dt.LastUsed); err != nil {
			return nil, fmt.Errorf("failed to scan device token: %w", err)
		}
		tokens = append(tokens, &dt)
	}

	return tokens, rows.Err()
}

func (r *DeviceTokenRepository) DeactivateToken(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE fcm_device_tokens SET is_active = false WHERE token = $1`,
		token,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate token: %w", err)
	}
	return nil
}

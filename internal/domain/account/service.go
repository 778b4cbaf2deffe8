package account

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Service contains the business logic for bank account snapshots
type Service struct {
	repo   Repository
	logger *zap.Logger
}

// NewService creates a new account service
func NewService(repo Repository, logger *zap.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// StoreResult reports how many snapshots were written and how many were
// rejected by validation.
type StoreResult struct {
	Stored  int
	Skipped int
}

// StoreSnapshots normalizes and validates provider accounts, skips invalid
// ones and upserts the rest under the connection.
func (s *Service) StoreSnapshots(ctx context.Context, connectionID string, snapshots []UpsertParams) (StoreResult, error) {
	if connectionID == "" {
		return StoreResult{}, fmt.Errorf("%w: connection ID is required", ErrInvalidInput)
	}

	valid := make([]UpsertParams, 0, len(snapshots))
	seen := make(map[string]struct{}, len(snapshots))
	var result StoreResult

	for _, snapshot := range snapshots {
		p := snapshot.Normalize()
		if err := p.Validate(); err != nil {
			s.logger.Warn("skipping provider account",
				zap.String("connection_id", connectionID),
				zap.String("external_account_id", p.ExternalAccountID),
				zap.Error(err),
			)
			result.Skipped++
			continue
		}
		// Duplicates within one batch would hit the same row twice in a
		// single INSERT ... ON CONFLICT statement.
		if _, dup := seen[p.ExternalAccountID]; dup {
			result.Skipped++
			continue
		}
		seen[p.ExternalAccountID] = struct{}{}
		valid = append(valid, p)
	}

	if len(valid) == 0 {
		return result, nil
	}

	stored, err := s.repo.UpsertForConnection(ctx, connectionID, valid)
	if err != nil {
		return result, fmt.Errorf("failed to store accounts: %w", err)
	}
	result.Stored = stored

	return result, nil
}

// ListAccounts retrieves the accounts of a connection
func (s *Service) ListAccounts(ctx context.Context, connectionID string) ([]*Account, error) {
	if connectionID == "" {
		return nil, errors.New("connection ID is required")
	}
	return s.repo.ListByConnectionID(ctx, connectionID)
}

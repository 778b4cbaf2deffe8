// Package openfinance orchestrates bank connections: linking, credential
// rotation, revocation and sync job requests.
package openfinance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"finlink/internal/domain/account"
	"finlink/internal/domain/audit"
	"finlink/internal/domain/connection"
	"finlink/internal/domain/syncjob"
)

var (
	ofMeter             = otel.Meter("finlink/openfinance")
	syncJobsEnqueued, _ = ofMeter.Int64Counter("openfinance.sync_jobs.enqueued",
		metric.WithDescription("Sync jobs created"),
	)
	syncJobsDeduplicated, _ = ofMeter.Int64Counter("openfinance.sync_jobs.deduplicated",
		metric.WithDescription("Sync requests answered with an already live job"),
	)
	connectionErrors, _ = ofMeter.Int64Counter("openfinance.connections.errored",
		metric.WithDescription("Connections moved to the error status"),
	)
)

// Vault seals and opens provider credentials.
type Vault interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(blob string) (string, error)
}

// AccountStore persists provider account snapshots.
type AccountStore interface {
	StoreSnapshots(ctx context.Context, connectionID string, snapshots []account.UpsertParams) (account.StoreResult, error)
	ListAccounts(ctx context.Context, connectionID string) ([]*account.Account, error)
}

// AuditRecorder appends audit events; failures are handled by the recorder.
type AuditRecorder interface {
	Record(ctx context.Context, userID int64, eventType audit.EventType, connectionID string, payload map[string]any)
}

// ReconnectNotifier tells a user that a connection needs to be re-linked.
type ReconnectNotifier interface {
	NotifyReconnectRequired(ctx context.Context, userID int64, connectionID, providerKey string) error
}

// ServiceDeps groups the collaborators of Service.
type ServiceDeps struct {
	Registry    *Registry
	Connections connection.Repository
	Jobs        syncjob.Repository
	Accounts    AccountStore
	Vault       Vault
	Audit       AuditRecorder
	Notifier    ReconnectNotifier // optional
	Logger      *zap.Logger
	MaxAttempts int
}

// Service implements the connection lifecycle. It holds no mutable state;
// the database is the only source of truth.
type Service struct {
	registry    *Registry
	connections connection.Repository
	jobs        syncjob.Repository
	accounts    AccountStore
	vault       Vault
	audit       AuditRecorder
	notifier    ReconnectNotifier
	logger      *zap.Logger
	maxAttempts int
	now         func() time.Time
}

func NewService(deps ServiceDeps) *Service {
	maxAttempts := deps.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = syncjob.DefaultMaxAttempts
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		registry:    deps.Registry,
		connections: deps.Connections,
		jobs:        deps.Jobs,
		accounts:    deps.Accounts,
		vault:       deps.Vault,
		audit:       deps.Audit,
		notifier:    deps.Notifier,
		logger:      logger,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// ExchangeResult is returned after a successful public token exchange.
type ExchangeResult struct {
	ConnectionID string `json:"connectionId"`
	AccountCount int    `json:"accountCount"`
}

// CreateLinkToken starts the client-side consent flow for an enabled provider.
func (s *Service) CreateLinkToken(ctx context.Context, userID int64, providerKey ProviderKey) (*LinkToken, error) {
	if userID <= 0 {
		return nil, ErrUnauthorized
	}
	adapter, err := s.registry.Get(providerKey)
	if err != nil {
		return nil, err
	}

	link, err := adapter.CreateLinkToken(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to create link token: %w", err)
	}

	s.audit.Record(ctx, userID, audit.EventLinkInitiated, "", map[string]any{
		"provider_key": string(providerKey),
		"expires_at":   link.ExpiresAt.UTC().Format(time.RFC3339),
	})

	return link, nil
}

// ExchangePublicToken turns a consent artifact into an active connection and
// stores the accounts the provider reports. Account failures do not undo the
// connection; the next sync backfills them.
func (s *Service) ExchangePublicToken(ctx context.Context, userID int64, providerKey ProviderKey, publicToken string) (*ExchangeResult, error) {
	if userID <= 0 {
		return nil, ErrUnauthorized
	}
	if strings.TrimSpace(publicToken) == "" {
		return nil, fmt.Errorf("%w: public token is required", ErrInvalidInput)
	}

	adapter, err := s.registry.Get(providerKey)
	if err != nil {
		return nil, err
	}

	creds, err := adapter.ExchangePublicToken(ctx, publicToken)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange public token: %w", err)
	}

	accessBlob, err := s.vault.Encrypt(creds.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access credential: %w", err)
	}
	refreshBlob, err := s.vault.Encrypt(creds.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt refresh credential: %w", err)
	}

	conn, err := s.connections.Upsert(ctx, connection.UpsertParams{
		UserID:                userID,
		ProviderKey:           string(providerKey),
		ExternalConnectionID:  creds.ExternalConnectionID,
		AccessTokenEncrypted:  accessBlob,
		RefreshTokenEncrypted: refreshBlob,
		Scopes:                creds.Scopes,
		LastSyncAt:            s.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save connection: %w", err)
	}

	log := s.logger.With(
		zap.String("connection_id", conn.ID),
		zap.Int64("user_id", userID),
		zap.String("provider", string(providerKey)),
	)

	attempted := 0
	providerAccounts, err := adapter.FetchAccounts(ctx, creds.AccessToken)
	if err != nil {
		log.Warn("failed to fetch accounts after exchange", zap.Error(err))
	} else {
		attempted = len(providerAccounts)
		result, err := s.accounts.StoreSnapshots(ctx, conn.ID, toAccountSnapshots(providerAccounts))
		if err != nil {
			log.Warn("failed to store accounts after exchange", zap.Error(err))
		} else {
			log.Info("stored accounts after exchange",
				zap.Int("stored", result.Stored),
				zap.Int("skipped", result.Skipped),
			)
		}
	}

	s.audit.Record(ctx, userID, audit.EventConnected, conn.ID, map[string]any{
		"provider_key":  string(providerKey),
		"account_count": attempted,
		"scopes":        toAnySlice(creds.Scopes),
	})

	return &ExchangeResult{ConnectionID: conn.ID, AccountCount: attempted}, nil
}

// RefreshConnectionTokens rotates a connection's credentials. A provider
// that rejects the credential, or a blob that fails integrity checks, moves
// the connection to the error status.
func (s *Service) RefreshConnectionTokens(ctx context.Context, userID int64, connectionID string) error {
	conn, err := s.ownedConnection(ctx, userID, connectionID)
	if err != nil {
		return err
	}

	if conn.Status == connection.StatusRevoked {
		return &StateConflictError{Operation: "refresh", Status: conn.Status}
	}
	if !conn.HasRefreshToken() {
		return ErrNoRefreshToken
	}

	adapter, err := s.registry.Get(ProviderKey(conn.ProviderKey))
	if err != nil {
		return err
	}

	refreshToken, err := s.vault.Decrypt(conn.RefreshTokenEncrypted)
	if err != nil {
		s.markConnectionError(ctx, conn, "stored credential failed integrity check")
		return fmt.Errorf("failed to decrypt refresh credential: %w", err)
	}

	pair, err := adapter.RefreshTokens(ctx, refreshToken)
	if err != nil {
		if pErr, ok := AsProviderError(err); ok && pErr.CredentialsRejected() {
			s.markConnectionError(ctx, conn, "provider rejected credentials")
		}
		return fmt.Errorf("failed to refresh tokens: %w", err)
	}

	accessBlob, err := s.vault.Encrypt(pair.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access credential: %w", err)
	}
	refreshBlob := conn.RefreshTokenEncrypted
	if pair.RefreshToken != "" {
		if refreshBlob, err = s.vault.Encrypt(pair.RefreshToken); err != nil {
			return fmt.Errorf("failed to encrypt refresh credential: %w", err)
		}
	}

	err = s.connections.UpdateCredentials(ctx, connection.CredentialUpdate{
		ConnectionID:          conn.ID,
		AccessTokenEncrypted:  accessBlob,
		RefreshTokenEncrypted: refreshBlob,
	})
	if errors.Is(err, connection.ErrStaleStatus) {
		return &StateConflictError{Operation: "refresh", Status: connection.StatusRevoked}
	}
	if err != nil {
		return fmt.Errorf("failed to save refreshed credentials: %w", err)
	}

	s.audit.Record(ctx, userID, audit.EventTokensRefreshed, conn.ID, map[string]any{
		"provider_key":    conn.ProviderKey,
		"previous_status": string(conn.Status),
	})

	return nil
}

// InitiateSync requests a sync for an active connection. When a job is
// already pending or running for the connection that job is returned and
// created is false.
func (s *Service) InitiateSync(ctx context.Context, userID int64, connectionID, rawMode string) (job *syncjob.Job, created bool, err error) {
	mode, err := syncjob.ParseMode(rawMode)
	if err != nil {
		return nil, false, err
	}

	conn, err := s.ownedConnection(ctx, userID, connectionID)
	if err != nil {
		return nil, false, err
	}

	return s.enqueue(ctx, conn, mode, syncjob.TriggerUser, userID)
}

// RevokeConnection discards a connection's credentials for good. Revoking
// an already revoked connection is a no-op.
func (s *Service) RevokeConnection(ctx context.Context, userID int64, connectionID string) error {
	conn, err := s.ownedConnection(ctx, userID, connectionID)
	if err != nil {
		return err
	}

	if conn.Status == connection.StatusRevoked {
		return nil
	}

	if err := s.connections.Revoke(ctx, conn.ID); err != nil {
		return fmt.Errorf("failed to revoke connection: %w", err)
	}

	s.audit.Record(ctx, userID, audit.EventConnectionRevoked, conn.ID, map[string]any{
		"provider_key":    conn.ProviderKey,
		"previous_status": string(conn.Status),
	})

	return nil
}

// GetSyncJob returns a job if it belongs to one of the user's connections.
func (s *Service) GetSyncJob(ctx context.Context, userID int64, jobID string) (*syncjob.Job, error) {
	if userID <= 0 {
		return nil, ErrUnauthorized
	}
	if jobID == "" {
		return nil, fmt.Errorf("%w: job ID is required", ErrInvalidInput)
	}

	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if _, err := s.ownedConnection(ctx, userID, job.ConnectionID); err != nil {
		return nil, err
	}

	return job, nil
}

// ListAccounts returns the stored accounts of one of the user's connections.
func (s *Service) ListAccounts(ctx context.Context, userID int64, connectionID string) ([]*account.Account, error) {
	conn, err := s.ownedConnection(ctx, userID, connectionID)
	if err != nil {
		return nil, err
	}

	accounts, err := s.accounts.ListAccounts(ctx, conn.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// ListSyncableConnections returns every active connection.
func (s *Service) ListSyncableConnections(ctx context.Context) ([]*connection.Connection, error) {
	return s.connections.ListByStatus(ctx, connection.StatusActive)
}

// EnqueueSystemSync requests an incremental sync on behalf of the system
// (scheduler or operator) for the connection's owner.
func (s *Service) EnqueueSystemSync(ctx context.Context, connectionID string, trigger syncjob.Trigger) (*syncjob.Job, bool, error) {
	conn, err := s.connections.GetByID(ctx, connectionID)
	if err != nil {
		return nil, false, err
	}
	return s.enqueue(ctx, conn, syncjob.ModeIncremental, trigger, conn.UserID)
}

// ScheduledSyncResult summarizes one EnqueueScheduledSyncs pass.
type ScheduledSyncResult struct {
	Connections  int
	Enqueued     int
	Deduplicated int
	Failed       int
}

// EnqueueScheduledSyncs requests an incremental sync for every active
// connection through the same deduplication path as user requests.
func (s *Service) EnqueueScheduledSyncs(ctx context.Context, trigger syncjob.Trigger) (ScheduledSyncResult, error) {
	conns, err := s.ListSyncableConnections(ctx)
	if err != nil {
		return ScheduledSyncResult{}, fmt.Errorf("failed to list active connections: %w", err)
	}

	result := ScheduledSyncResult{Connections: len(conns)}
	for _, conn := range conns {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		_, created, err := s.enqueue(ctx, conn, syncjob.ModeIncremental, trigger, conn.UserID)
		switch {
		case err != nil:
			result.Failed++
			s.logger.Warn("failed to enqueue scheduled sync",
				zap.String("connection_id", conn.ID),
				zap.Error(err),
			)
		case created:
			result.Enqueued++
		default:
			result.Deduplicated++
		}
	}

	return result, nil
}

// RecordSyncOutcome reacts to a job reaching a terminal status. A finished
// job advances last_sync_at and heals an errored connection; a failed job
// with no attempts left moves the connection to error and asks the user to
// reconnect.
func (s *Service) RecordSyncOutcome(ctx context.Context, event syncjob.StatusEvent) error {
	conn, err := s.connections.GetByID(ctx, event.ConnectionID)
	if err != nil {
		return err
	}

	log := s.logger.With(
		zap.String("connection_id", conn.ID),
		zap.String("job_id", event.JobID),
		zap.Int64("user_id", conn.UserID),
	)

	if conn.Status == connection.StatusRevoked {
		log.Debug("ignoring sync outcome for revoked connection")
		return nil
	}

	switch {
	case event.Status == syncjob.StatusFinished:
		finishedAt := s.now().UTC()
		if event.FinishedAt != nil {
			finishedAt = event.FinishedAt.UTC()
		}
		if err := s.connections.MarkSynced(ctx, conn.ID, finishedAt); err != nil {
			return fmt.Errorf("failed to record sync time: %w", err)
		}
		if conn.Status == connection.StatusError {
			if err := s.connections.TransitionStatus(ctx, conn.ID, conn.Status, connection.StatusActive, ""); err != nil && !errors.Is(err, connection.ErrStaleStatus) {
				return fmt.Errorf("failed to reactivate connection: %w", err)
			}
		}
		s.audit.Record(ctx, conn.UserID, audit.EventSyncCompleted, conn.ID, map[string]any{
			"job_id":          event.JobID,
			"previous_status": string(conn.Status),
		})

	case event.Exhausted():
		applied := false
		if conn.Status.CanTransitionTo(connection.StatusError) {
			message := event.Error
			if message == "" {
				message = "sync failed after all attempts"
			}
			err := s.connections.TransitionStatus(ctx, conn.ID, conn.Status, connection.StatusError, message)
			switch {
			case err == nil:
				applied = true
			case errors.Is(err, connection.ErrStaleStatus):
				// Revoked or reconnected meanwhile; the owner has nothing to fix.
				log.Info("connection changed before sync failure was recorded")
			default:
				return fmt.Errorf("failed to mark connection error: %w", err)
			}
		}
		s.audit.Record(ctx, conn.UserID, audit.EventSyncFailed, conn.ID, map[string]any{
			"job_id":   event.JobID,
			"attempts": event.Attempts,
			"error":    event.Error,
		})
		if applied {
			connectionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "sync_failed")))
			s.notifyReconnect(ctx, conn)
		}

	default:
		log.Info("sync job failed, worker will retry",
			zap.Int("attempts", event.Attempts),
			zap.Int("max_attempts", event.MaxAttempts),
		)
	}

	return nil
}

// CredentialCheck is the outcome of decrypting one connection's blobs.
type CredentialCheck struct {
	ConnectionID string
	UserID       int64
	ProviderKey  string
	Status       connection.Status
	Err          error
}

// VerifyCredentials decrypts every stored credential with the current vault
// key and reports the connections that fail. With markErrors set, failing
// connections are moved to error so the user is asked to reconnect.
func (s *Service) VerifyCredentials(ctx context.Context, markErrors bool) (checked int, failures []CredentialCheck, err error) {
	conns, err := s.connections.ListWithCredentials(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to list connections: %w", err)
	}

	for _, conn := range conns {
		if err := ctx.Err(); err != nil {
			return checked, failures, err
		}
		checked++

		decErr := s.openCredentials(conn)
		if decErr == nil {
			continue
		}

		failures = append(failures, CredentialCheck{
			ConnectionID: conn.ID,
			UserID:       conn.UserID,
			ProviderKey:  conn.ProviderKey,
			Status:       conn.Status,
			Err:          decErr,
		})
		if markErrors {
			s.markConnectionError(ctx, conn, "stored credential failed integrity check")
			s.notifyReconnect(ctx, conn)
		}
	}

	return checked, failures, nil
}

func (s *Service) openCredentials(conn *connection.Connection) error {
	if _, err := s.vault.Decrypt(conn.AccessTokenEncrypted); err != nil {
		return fmt.Errorf("access credential: %w", err)
	}
	if conn.HasRefreshToken() {
		if _, err := s.vault.Decrypt(conn.RefreshTokenEncrypted); err != nil {
			return fmt.Errorf("refresh credential: %w", err)
		}
	}
	return nil
}

func (s *Service) enqueue(ctx context.Context, conn *connection.Connection, mode syncjob.Mode, trigger syncjob.Trigger, requestedBy int64) (*syncjob.Job, bool, error) {
	if conn.Status != connection.StatusActive {
		return nil, false, &StateConflictError{Operation: "sync", Status: conn.Status}
	}

	job, created, err := s.jobs.EnqueueOrGetLive(ctx, syncjob.EnqueueParams{
		ConnectionID: conn.ID,
		JobType:      mode,
		MaxAttempts:  s.maxAttempts,
		ScheduledAt:  s.now().UTC(),
		Payload: syncjob.Payload{
			RequestedBy: requestedBy,
			Mode:        mode,
			Trigger:     trigger,
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to enqueue sync job: %w", err)
	}

	attrs := metric.WithAttributes(attribute.String("trigger", string(trigger)))
	if !created {
		syncJobsDeduplicated.Add(ctx, 1, attrs)
		return job, false, nil
	}
	syncJobsEnqueued.Add(ctx, 1, attrs)

	s.audit.Record(ctx, conn.UserID, audit.EventSyncRequested, conn.ID, map[string]any{
		"job_id":       job.ID,
		"mode":         string(mode),
		"trigger":      string(trigger),
		"requested_by": requestedBy,
	})

	return job, true, nil
}

func (s *Service) ownedConnection(ctx context.Context, userID int64, connectionID string) (*connection.Connection, error) {
	if userID <= 0 {
		return nil, ErrUnauthorized
	}
	if connectionID == "" {
		return nil, fmt.Errorf("%w: connection ID is required", ErrInvalidInput)
	}

	conn, err := s.connections.GetByID(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	if !conn.IsOwnedBy(userID) {
		return nil, ErrForbidden
	}

	return conn, nil
}

// markConnectionError moves conn to error when the state machine allows it
// and records the transition. Failures are logged; the caller's error wins.
func (s *Service) markConnectionError(ctx context.Context, conn *connection.Connection, reason string) {
	if !conn.Status.CanTransitionTo(connection.StatusError) {
		return
	}

	ctx = context.WithoutCancel(ctx)
	if err := s.connections.TransitionStatus(ctx, conn.ID, conn.Status, connection.StatusError, reason); err != nil {
		s.logger.Error("failed to mark connection error",
			zap.String("connection_id", conn.ID),
			zap.Error(err),
		)
		return
	}
	connectionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))

	s.audit.Record(ctx, conn.UserID, audit.EventConnectionError, conn.ID, map[string]any{
		"provider_key":    conn.ProviderKey,
		"previous_status": string(conn.Status),
		"reason":          reason,
	})
}

func (s *Service) notifyReconnect(ctx context.Context, conn *connection.Connection) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyReconnectRequired(ctx, conn.UserID, conn.ID, conn.ProviderKey); err != nil {
		s.logger.Warn("failed to send reconnect notification",
			zap.String("connection_id", conn.ID),
			zap.Int64("user_id", conn.UserID),
			zap.Error(err),
		)
	}
}

func toAccountSnapshots(accounts []ProviderAccount) []account.UpsertParams {
	out := make([]account.UpsertParams, len(accounts))
	for i, a := range accounts {
		out[i] = account.UpsertParams{
			ExternalAccountID: a.ExternalID,
			Name:              a.Name,
			AccountType:       a.Type,
			Subtype:           a.Subtype,
			Currency:          a.Currency,
			CurrentBalance:    a.CurrentBalance,
			AvailableBalance:  a.AvailableBalance,
			BalanceUpdatedAt:  a.UpdatedAt,
		}
	}
	return out
}

func toAnySlice(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

package openfinance

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"finlink/internal/domain/account"
	"finlink/internal/domain/audit"
	"finlink/internal/domain/connection"
	"finlink/internal/domain/syncjob"
	"finlink/internal/infrastructure/crypto"
)

const testVaultKey = "01234567890123456789012345678901"

type harness struct {
	svc      *Service
	adapter  *MockAdapter
	conns    *memConnections
	jobs     *memJobs
	audit    *fakeAudit
	accounts *MockAccountStore
	notifier *MockNotifier
	vault    *crypto.Encryptor
}

func newHarness(t *testing.T, rows ...*connection.Connection) *harness {
	t.Helper()

	vault, err := crypto.NewEncryptor(testVaultKey)
	require.NoError(t, err)

	adapter := newMockAdapter(ProviderPluggy)
	registry, err := NewRegistry(adapter)
	require.NoError(t, err)

	h := &harness{
		adapter:  adapter,
		conns:    newMemConnections(rows...),
		jobs:     newMemJobs(),
		audit:    &fakeAudit{},
		accounts: &MockAccountStore{},
		notifier: &MockNotifier{},
		vault:    vault,
	}
	h.svc = NewService(ServiceDeps{
		Registry:    registry,
		Connections: h.conns,
		Jobs:        h.jobs,
		Accounts:    h.accounts,
		Vault:       vault,
		Audit:       h.audit,
		Notifier:    h.notifier,
		Logger:      zap.NewNop(),
		MaxAttempts: 3,
	})
	return h
}

func (h *harness) seal(t *testing.T, plaintext string) string {
	t.Helper()
	blob, err := h.vault.Encrypt(plaintext)
	require.NoError(t, err)
	return blob
}

func (h *harness) open(t *testing.T, blob string) string {
	t.Helper()
	plaintext, err := h.vault.Decrypt(blob)
	require.NoError(t, err)
	return plaintext
}

func activeConnection(id string, userID int64) *connection.Connection {
	return &connection.Connection{
		ID:                   id,
		UserID:               userID,
		ProviderKey:          string(ProviderPluggy),
		ExternalConnectionID: "ext-" + id,
		Status:               connection.StatusActive,
	}
}

func TestCreateLinkToken(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		h := newHarness(t)

		link, err := h.svc.CreateLinkToken(ctx, 1, ProviderPluggy)
		require.NoError(t, err)
		assert.Equal(t, "link-token", link.Token)

		events := h.audit.ofType(audit.EventLinkInitiated)
		require.Len(t, events, 1)
		assert.Equal(t, int64(1), events[0].UserID)
		assert.Equal(t, "pluggy", events[0].Payload["provider_key"])
	})

	t.Run("Disabled provider never reaches an adapter", func(t *testing.T) {
		h := newHarness(t)

		_, err := h.svc.CreateLinkToken(ctx, 1, ProviderKey("nubank"))
		assert.ErrorIs(t, err, ErrProviderDisabled)
		assert.Equal(t, 0, h.adapter.Calls())
		assert.Equal(t, 0, h.audit.count())
	})

	t.Run("Provider failure", func(t *testing.T) {
		h := newHarness(t)
		h.adapter.CreateLinkTokenFunc = func(ctx context.Context, userID int64) (*LinkToken, error) {
			return nil, &ProviderError{Provider: ProviderPluggy, Operation: "create_link_token", Timeout: true}
		}

		_, err := h.svc.CreateLinkToken(ctx, 1, ProviderPluggy)
		pErr, ok := AsProviderError(err)
		require.True(t, ok)
		assert.True(t, pErr.Retryable())
		assert.Equal(t, 0, h.audit.count())
	})
}

func TestExchangePublicToken(t *testing.T) {
	ctx := context.Background()

	twoAccounts := func(ctx context.Context, accessToken string) ([]ProviderAccount, error) {
		return []ProviderAccount{
			{ExternalID: "a1", Name: "Checking", Type: "BANK", Currency: "BRL", CurrentBalance: decimal.RequireFromString("120.10")},
			{ExternalID: "a2", Name: "Card", Type: "CREDIT", Currency: "BRL"},
		}, nil
	}

	t.Run("Success", func(t *testing.T) {
		h := newHarness(t)
		h.adapter.FetchAccountsFunc = twoAccounts

		var stored []account.UpsertParams
		h.accounts.StoreSnapshotsFunc = func(ctx context.Context, connectionID string, snapshots []account.UpsertParams) (account.StoreResult, error) {
			stored = snapshots
			return account.StoreResult{Stored: len(snapshots)}, nil
		}

		before := time.Now().Add(-time.Second)
		result, err := h.svc.ExchangePublicToken(ctx, 9, ProviderPluggy, "pub-1")
		require.NoError(t, err)
		assert.Equal(t, 2, result.AccountCount)
		assert.Len(t, stored, 2)

		conn := h.conns.get(result.ConnectionID)
		assert.Equal(t, connection.StatusActive, conn.Status)
		assert.Equal(t, int64(9), conn.UserID)
		assert.Equal(t, "ext-pub-1", conn.ExternalConnectionID)
		require.NotNil(t, conn.LastSyncAt)
		assert.True(t, conn.LastSyncAt.After(before))

		assert.NotContains(t, conn.AccessTokenEncrypted, "access-pub-1")
		assert.Equal(t, "access-pub-1", h.open(t, conn.AccessTokenEncrypted))
		assert.Equal(t, "refresh-pub-1", h.open(t, conn.RefreshTokenEncrypted))

		events := h.audit.ofType(audit.EventConnected)
		require.Len(t, events, 1)
		assert.Equal(t, result.ConnectionID, events[0].ConnectionID)
		assert.Equal(t, 2, events[0].Payload["account_count"])
	})

	t.Run("Repeat exchange converges on one connection", func(t *testing.T) {
		h := newHarness(t)

		first, err := h.svc.ExchangePublicToken(ctx, 9, ProviderPluggy, "pub-1")
		require.NoError(t, err)
		second, err := h.svc.ExchangePublicToken(ctx, 9, ProviderPluggy, "pub-1")
		require.NoError(t, err)

		assert.Equal(t, first.ConnectionID, second.ConnectionID)
	})

	t.Run("Account insert failure keeps the connection", func(t *testing.T) {
		h := newHarness(t)
		h.adapter.FetchAccountsFunc = twoAccounts
		h.accounts.StoreSnapshotsFunc = func(ctx context.Context, connectionID string, snapshots []account.UpsertParams) (account.StoreResult, error) {
			return account.StoreResult{}, errors.New("constraint violation")
		}

		result, err := h.svc.ExchangePublicToken(ctx, 9, ProviderPluggy, "pub-2")
		require.NoError(t, err)
		assert.Equal(t, 2, result.AccountCount)
		assert.Equal(t, connection.StatusActive, h.conns.get(result.ConnectionID).Status)

		events := h.audit.ofType(audit.EventConnected)
		require.Len(t, events, 1)
		assert.Equal(t, 2, events[0].Payload["account_count"])
	})

	t.Run("Account fetch failure keeps the connection", func(t *testing.T) {
		h := newHarness(t)
		h.adapter.FetchAccountsFunc = func(ctx context.Context, accessToken string) ([]ProviderAccount, error) {
			return nil, &ProviderError{Provider: ProviderPluggy, Operation: "fetch_accounts", StatusCode: http.StatusBadGateway}
		}

		result, err := h.svc.ExchangePublicToken(ctx, 9, ProviderPluggy, "pub-3")
		require.NoError(t, err)
		assert.Equal(t, 0, result.AccountCount)
		assert.Equal(t, connection.StatusActive, h.conns.get(result.ConnectionID).Status)
	})

	t.Run("Provider failure persists nothing", func(t *testing.T) {
		h := newHarness(t)
		h.adapter.ExchangePublicTokenFunc = func(ctx context.Context, publicToken string) (*Credentials, error) {
			return nil, &ProviderError{Provider: ProviderPluggy, Operation: "exchange_public_token", StatusCode: http.StatusNotFound}
		}

		_, err := h.svc.ExchangePublicToken(ctx, 9, ProviderPluggy, "bad")
		assert.Error(t, err)
		assert.Equal(t, 0, h.conns.mutations())
		assert.Equal(t, 0, h.audit.count())
	})

	t.Run("Vault failure persists nothing", func(t *testing.T) {
		h := newHarness(t)
		h.svc.vault = failingVault{err: errors.New("no entropy")}

		_, err := h.svc.ExchangePublicToken(ctx, 9, ProviderPluggy, "pub-4")
		assert.Error(t, err)
		assert.Equal(t, 0, h.conns.mutations())
	})

	t.Run("Validation", func(t *testing.T) {
		h := newHarness(t)

		_, err := h.svc.ExchangePublicToken(ctx, 9, ProviderPluggy, "  ")
		assert.ErrorIs(t, err, ErrInvalidInput)

		_, err = h.svc.ExchangePublicToken(ctx, 9, ProviderKey("nubank"), "pub")
		assert.ErrorIs(t, err, ErrProviderDisabled)

		assert.Equal(t, 0, h.adapter.Calls())
	})
}

func TestRefreshConnectionTokens(t *testing.T) {
	ctx := context.Background()

	withCredentials := func(h *harness, c *connection.Connection, t *testing.T) *connection.Connection {
		c.AccessTokenEncrypted = h.seal(t, "old-access")
		c.RefreshTokenEncrypted = h.seal(t, "old-refresh")
		return c
	}

	t.Run("Success rotates credentials", func(t *testing.T) {
		h := newHarness(t)
		c := withCredentials(h, activeConnection("c1", 1), t)
		h.conns.rows[c.ID] = c

		var sentRefresh string
		h.adapter.RefreshTokensFunc = func(ctx context.Context, refreshToken string) (*TokenPair, error) {
			sentRefresh = refreshToken
			return &TokenPair{AccessToken: "new-access", RefreshToken: "new-refresh"}, nil
		}

		require.NoError(t, h.svc.RefreshConnectionTokens(ctx, 1, "c1"))
		assert.Equal(t, "old-refresh", sentRefresh)

		got := h.conns.get("c1")
		assert.Equal(t, "new-access", h.open(t, got.AccessTokenEncrypted))
		assert.Equal(t, "new-refresh", h.open(t, got.RefreshTokenEncrypted))
		assert.Len(t, h.audit.ofType(audit.EventTokensRefreshed), 1)
	})

	t.Run("Echoing provider keeps the refresh credential", func(t *testing.T) {
		h := newHarness(t)
		c := withCredentials(h, activeConnection("c1", 1), t)
		original := c.RefreshTokenEncrypted
		h.conns.rows[c.ID] = c
		h.adapter.RefreshTokensFunc = func(ctx context.Context, refreshToken string) (*TokenPair, error) {
			return &TokenPair{AccessToken: refreshToken}, nil
		}

		require.NoError(t, h.svc.RefreshConnectionTokens(ctx, 1, "c1"))
		assert.Equal(t, original, h.conns.get("c1").RefreshTokenEncrypted)
	})

	t.Run("Errored connection becomes active", func(t *testing.T) {
		h := newHarness(t)
		c := withCredentials(h, activeConnection("c1", 1), t)
		c.Status = connection.StatusError
		c.ErrorMessage = "sync failed"
		h.conns.rows[c.ID] = c

		require.NoError(t, h.svc.RefreshConnectionTokens(ctx, 1, "c1"))

		got := h.conns.get("c1")
		assert.Equal(t, connection.StatusActive, got.Status)
		assert.Empty(t, got.ErrorMessage)
	})

	t.Run("Other user is forbidden and nothing changes", func(t *testing.T) {
		h := newHarness(t)
		c := withCredentials(h, activeConnection("c1", 1), t)
		h.conns.rows[c.ID] = c

		err := h.svc.RefreshConnectionTokens(ctx, 2, "c1")
		assert.ErrorIs(t, err, ErrForbidden)
		assert.Equal(t, 0, h.adapter.Calls())
		assert.Equal(t, 0, h.conns.mutations())
		assert.Equal(t, 0, h.audit.count())
	})

	t.Run("Revoked connection conflicts", func(t *testing.T) {
		h := newHarness(t)
		c := activeConnection("c1", 1)
		c.Status = connection.StatusRevoked
		h.conns.rows[c.ID] = c

		err := h.svc.RefreshConnectionTokens(ctx, 1, "c1")
		var conflict *StateConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, connection.StatusRevoked, conflict.Status)
		assert.ErrorIs(t, err, ErrStateConflict)
	})

	t.Run("Missing refresh credential fails before the provider", func(t *testing.T) {
		h := newHarness(t)
		c := activeConnection("c1", 1)
		c.AccessTokenEncrypted = h.seal(t, "api-key")
		h.conns.rows[c.ID] = c

		err := h.svc.RefreshConnectionTokens(ctx, 1, "c1")
		assert.ErrorIs(t, err, ErrNoRefreshToken)
		assert.Equal(t, 0, h.adapter.Calls())
	})

	t.Run("Tampered blob marks the connection error", func(t *testing.T) {
		h := newHarness(t)
		c := withCredentials(h, activeConnection("c1", 1), t)
		raw, _ := base64.StdEncoding.DecodeString(c.RefreshTokenEncrypted)
		raw[len(raw)-1] ^= 0xff
		c.RefreshTokenEncrypted = base64.StdEncoding.EncodeToString(raw)
		h.conns.rows[c.ID] = c

		err := h.svc.RefreshConnectionTokens(ctx, 1, "c1")
		assert.ErrorIs(t, err, ErrIntegrity)
		assert.Equal(t, 0, h.adapter.Calls())

		got := h.conns.get("c1")
		assert.Equal(t, connection.StatusError, got.Status)
		assert.NotEmpty(t, got.ErrorMessage)
		assert.Len(t, h.audit.ofType(audit.EventConnectionError), 1)
	})

	t.Run("Rejected credentials mark the connection error", func(t *testing.T) {
		h := newHarness(t)
		c := withCredentials(h, activeConnection("c1", 1), t)
		h.conns.rows[c.ID] = c
		h.adapter.RefreshTokensFunc = func(ctx context.Context, refreshToken string) (*TokenPair, error) {
			return nil, &ProviderError{Provider: ProviderPluggy, Operation: "refresh_tokens", StatusCode: http.StatusUnauthorized}
		}

		err := h.svc.RefreshConnectionTokens(ctx, 1, "c1")
		_, isProvider := AsProviderError(err)
		assert.True(t, isProvider)
		assert.Equal(t, connection.StatusError, h.conns.get("c1").Status)
	})

	t.Run("Refused service credentials leave status alone", func(t *testing.T) {
		h := newHarness(t)
		c := withCredentials(h, activeConnection("c1", 1), t)
		h.conns.rows[c.ID] = c
		h.adapter.RefreshTokensFunc = func(ctx context.Context, refreshToken string) (*TokenPair, error) {
			return nil, &ProviderError{Provider: ProviderPluggy, Operation: "authenticate", StatusCode: http.StatusUnauthorized, ServiceAuth: true}
		}

		err := h.svc.RefreshConnectionTokens(ctx, 1, "c1")
		assert.ErrorIs(t, err, ErrConfiguration)
		assert.Equal(t, connection.StatusActive, h.conns.get("c1").Status)
		assert.Empty(t, h.audit.ofType(audit.EventConnectionError))
		assert.Empty(t, h.notifier.sent)
	})

	t.Run("Transient provider failure leaves status alone", func(t *testing.T) {
		h := newHarness(t)
		c := withCredentials(h, activeConnection("c1", 1), t)
		h.conns.rows[c.ID] = c
		h.adapter.RefreshTokensFunc = func(ctx context.Context, refreshToken string) (*TokenPair, error) {
			return nil, &ProviderError{Provider: ProviderPluggy, Operation: "refresh_tokens", StatusCode: http.StatusServiceUnavailable}
		}

		assert.Error(t, h.svc.RefreshConnectionTokens(ctx, 1, "c1"))
		assert.Equal(t, connection.StatusActive, h.conns.get("c1").Status)
		assert.Equal(t, 0, h.audit.count())
	})

	t.Run("Revoked while refreshing", func(t *testing.T) {
		h := newHarness(t)
		c := withCredentials(h, activeConnection("c1", 1), t)
		h.conns.rows[c.ID] = c
		h.conns.UpdateCredentialsErr = connection.ErrStaleStatus

		err := h.svc.RefreshConnectionTokens(ctx, 1, "c1")
		assert.ErrorIs(t, err, ErrStateConflict)
	})

	t.Run("Unknown connection", func(t *testing.T) {
		h := newHarness(t)
		assert.ErrorIs(t, h.svc.RefreshConnectionTokens(ctx, 1, "missing"), ErrConnectionNotFound)
	})
}

func TestInitiateSync(t *testing.T) {
	ctx := context.Background()

	t.Run("Creates one job and deduplicates the next", func(t *testing.T) {
		h := newHarness(t, activeConnection("c1", 1))

		job, created, err := h.svc.InitiateSync(ctx, 1, "c1", "")
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, syncjob.StatusPending, job.Status)
		assert.Equal(t, syncjob.ModeIncremental, job.JobType)
		assert.Equal(t, 0, job.Attempts)
		assert.Equal(t, 3, job.MaxAttempts)
		assert.Equal(t, syncjob.Payload{RequestedBy: 1, Mode: syncjob.ModeIncremental, Trigger: syncjob.TriggerUser}, job.Payload)

		again, created, err := h.svc.InitiateSync(ctx, 1, "c1", "full_sync")
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, job.ID, again.ID)

		assert.Len(t, h.audit.ofType(audit.EventSyncRequested), 1)
	})

	t.Run("New job once the previous one finished", func(t *testing.T) {
		h := newHarness(t, activeConnection("c1", 1))

		first, _, err := h.svc.InitiateSync(ctx, 1, "c1", "full_sync")
		require.NoError(t, err)
		h.jobs.setStatus(first.ID, syncjob.StatusFinished)

		second, created, err := h.svc.InitiateSync(ctx, 1, "c1", "full_sync")
		require.NoError(t, err)
		assert.True(t, created)
		assert.NotEqual(t, first.ID, second.ID)
	})

	t.Run("Concurrent requests share one live job", func(t *testing.T) {
		h := newHarness(t, activeConnection("c1", 1))

		const workers = 50
		ids := make([]string, workers)
		errs := make([]error, workers)

		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				job, _, err := h.svc.InitiateSync(ctx, 1, "c1", "incremental_sync")
				errs[i] = err
				if job != nil {
					ids[i] = job.ID
				}
			}(i)
		}
		close(start)
		wg.Wait()

		for i := 0; i < workers; i++ {
			require.NoError(t, errs[i])
			assert.Equal(t, ids[0], ids[i])
		}
		assert.Equal(t, 1, h.jobs.count())
		assert.Len(t, h.audit.ofType(audit.EventSyncRequested), 1)
	})

	t.Run("Only active connections can sync", func(t *testing.T) {
		for _, status := range []connection.Status{connection.StatusPending, connection.StatusError, connection.StatusRevoked} {
			t.Run(string(status), func(t *testing.T) {
				c := activeConnection("c1", 1)
				c.Status = status
				h := newHarness(t, c)

				_, _, err := h.svc.InitiateSync(ctx, 1, "c1", "")
				var conflict *StateConflictError
				require.ErrorAs(t, err, &conflict)
				assert.Equal(t, status, conflict.Status)
				assert.Equal(t, 0, h.jobs.count())
				assert.Equal(t, 0, h.audit.count())
			})
		}
	})

	t.Run("Rejects bad input", func(t *testing.T) {
		h := newHarness(t, activeConnection("c1", 1))

		_, _, err := h.svc.InitiateSync(ctx, 1, "c1", "weekly")
		assert.ErrorIs(t, err, ErrInvalidSyncMode)

		_, _, err = h.svc.InitiateSync(ctx, 2, "c1", "")
		assert.ErrorIs(t, err, ErrForbidden)

		_, _, err = h.svc.InitiateSync(ctx, 1, "", "")
		assert.ErrorIs(t, err, ErrInvalidInput)

		_, _, err = h.svc.InitiateSync(ctx, 1, "missing", "")
		assert.ErrorIs(t, err, ErrConnectionNotFound)

		assert.Equal(t, 0, h.jobs.count())
	})
}

func TestRevokeConnection(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t)
	c := activeConnection("c1", 1)
	c.AccessTokenEncrypted = h.seal(t, "access")
	c.RefreshTokenEncrypted = h.seal(t, "refresh")
	h.conns.rows[c.ID] = c

	assert.ErrorIs(t, h.svc.RevokeConnection(ctx, 2, "c1"), ErrForbidden)
	assert.Equal(t, connection.StatusActive, h.conns.get("c1").Status)

	require.NoError(t, h.svc.RevokeConnection(ctx, 1, "c1"))
	got := h.conns.get("c1")
	assert.Equal(t, connection.StatusRevoked, got.Status)
	assert.Empty(t, got.AccessTokenEncrypted)
	assert.Empty(t, got.RefreshTokenEncrypted)

	require.NoError(t, h.svc.RevokeConnection(ctx, 1, "c1"))
	assert.Len(t, h.audit.ofType(audit.EventConnectionRevoked), 1)
}

func TestGetSyncJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, activeConnection("c1", 1))

	job, _, err := h.svc.InitiateSync(ctx, 1, "c1", "")
	require.NoError(t, err)

	got, err := h.svc.GetSyncJob(ctx, 1, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)

	_, err = h.svc.GetSyncJob(ctx, 2, job.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = h.svc.GetSyncJob(ctx, 1, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = h.svc.GetSyncJob(ctx, 1, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAnonymousCallerIsRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, activeConnection("c1", 1))

	_, err := h.svc.CreateLinkToken(ctx, 0, ProviderPluggy)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = h.svc.ExchangePublicToken(ctx, 0, ProviderPluggy, "pub")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, _, err = h.svc.InitiateSync(ctx, 0, "c1", "")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = h.svc.GetSyncJob(ctx, 0, "j1")
	assert.ErrorIs(t, err, ErrUnauthorized)

	assert.Equal(t, 0, h.adapter.Calls())
	assert.Equal(t, 0, h.conns.mutations())
	assert.Equal(t, 0, h.audit.count())
}

func TestListAccounts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, activeConnection("c1", 1))
	h.accounts.ListAccountsFunc = func(ctx context.Context, connectionID string) ([]*account.Account, error) {
		return []*account.Account{{ID: "a1", ConnectionID: connectionID}}, nil
	}

	got, err := h.svc.ListAccounts(ctx, 1, "c1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].ConnectionID)

	_, err = h.svc.ListAccounts(ctx, 2, "c1")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = h.svc.ListAccounts(ctx, 1, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRecordSyncOutcome(t *testing.T) {
	ctx := context.Background()
	finished := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	t.Run("Finished job advances last sync and heals error", func(t *testing.T) {
		c := activeConnection("c1", 1)
		c.Status = connection.StatusError
		c.ErrorMessage = "boom"
		h := newHarness(t, c)

		err := h.svc.RecordSyncOutcome(ctx, syncjob.StatusEvent{
			JobID: "j1", ConnectionID: "c1", Status: syncjob.StatusFinished, FinishedAt: &finished,
		})
		require.NoError(t, err)

		got := h.conns.get("c1")
		assert.Equal(t, connection.StatusActive, got.Status)
		require.NotNil(t, got.LastSyncAt)
		assert.True(t, got.LastSyncAt.Equal(finished))
		assert.Len(t, h.audit.ofType(audit.EventSyncCompleted), 1)
	})

	t.Run("Exhausted failure marks error and notifies", func(t *testing.T) {
		h := newHarness(t, activeConnection("c1", 1))

		err := h.svc.RecordSyncOutcome(ctx, syncjob.StatusEvent{
			JobID: "j1", ConnectionID: "c1", Status: syncjob.StatusFailed,
			Attempts: 3, MaxAttempts: 3, Error: "provider timeout",
		})
		require.NoError(t, err)

		got := h.conns.get("c1")
		assert.Equal(t, connection.StatusError, got.Status)
		assert.Equal(t, "provider timeout", got.ErrorMessage)
		assert.Len(t, h.audit.ofType(audit.EventSyncFailed), 1)
		assert.Equal(t, []string{"1/c1/pluggy"}, h.notifier.sent)
	})

	t.Run("Failure with attempts left changes nothing", func(t *testing.T) {
		h := newHarness(t, activeConnection("c1", 1))

		err := h.svc.RecordSyncOutcome(ctx, syncjob.StatusEvent{
			JobID: "j1", ConnectionID: "c1", Status: syncjob.StatusFailed, Attempts: 1, MaxAttempts: 3,
		})
		require.NoError(t, err)
		assert.Equal(t, connection.StatusActive, h.conns.get("c1").Status)
		assert.Equal(t, 0, h.audit.count())
		assert.Empty(t, h.notifier.sent)
	})

	t.Run("Revoked connection is ignored", func(t *testing.T) {
		c := activeConnection("c1", 1)
		c.Status = connection.StatusRevoked
		h := newHarness(t, c)

		err := h.svc.RecordSyncOutcome(ctx, syncjob.StatusEvent{
			JobID: "j1", ConnectionID: "c1", Status: syncjob.StatusFinished, FinishedAt: &finished,
		})
		require.NoError(t, err)
		assert.Equal(t, 0, h.conns.mutations())
	})

	t.Run("Exhausted failure after a concurrent revoke does not notify", func(t *testing.T) {
		h := newHarness(t, activeConnection("c1", 1))
		h.conns.BeforeTransition = func(c *connection.Connection) {
			c.Status = connection.StatusRevoked
		}

		err := h.svc.RecordSyncOutcome(ctx, syncjob.StatusEvent{
			JobID: "j1", ConnectionID: "c1", Status: syncjob.StatusFailed,
			Attempts: 3, MaxAttempts: 3, Error: "provider timeout",
		})
		require.NoError(t, err)

		got := h.conns.get("c1")
		assert.Equal(t, connection.StatusRevoked, got.Status)
		assert.Empty(t, got.ErrorMessage)
		assert.Len(t, h.audit.ofType(audit.EventSyncFailed), 1)
		assert.Empty(t, h.notifier.sent)
	})

	t.Run("Notification failure is not an error", func(t *testing.T) {
		h := newHarness(t, activeConnection("c1", 1))
		h.notifier.Error = errors.New("fcm down")

		err := h.svc.RecordSyncOutcome(ctx, syncjob.StatusEvent{
			JobID: "j1", ConnectionID: "c1", Status: syncjob.StatusFailed, Attempts: 3, MaxAttempts: 3,
		})
		assert.NoError(t, err)
	})
}

func TestEnqueueScheduledSyncs(t *testing.T) {
	ctx := context.Background()

	errored := activeConnection("c3", 2)
	errored.Status = connection.StatusError
	h := newHarness(t, activeConnection("c1", 1), activeConnection("c2", 2), errored)

	result, err := h.svc.EnqueueScheduledSyncs(ctx, syncjob.TriggerScheduler)
	require.NoError(t, err)
	assert.Equal(t, ScheduledSyncResult{Connections: 2, Enqueued: 2}, result)

	result, err = h.svc.EnqueueScheduledSyncs(ctx, syncjob.TriggerScheduler)
	require.NoError(t, err)
	assert.Equal(t, ScheduledSyncResult{Connections: 2, Deduplicated: 2}, result)

	for _, e := range h.audit.ofType(audit.EventSyncRequested) {
		assert.Equal(t, "scheduler", e.Payload["trigger"])
	}
}

func TestEnqueueSystemSync(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, activeConnection("c1", 7))

	job, created, err := h.svc.EnqueueSystemSync(ctx, "c1", syncjob.TriggerAdmin)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(7), job.Payload.RequestedBy)
	assert.Equal(t, syncjob.TriggerAdmin, job.Payload.Trigger)

	_, _, err = h.svc.EnqueueSystemSync(ctx, "missing", syncjob.TriggerAdmin)
	assert.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestVerifyCredentials(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) *harness {
		h := newHarness(t)
		good := activeConnection("c1", 1)
		good.AccessTokenEncrypted = h.seal(t, "access")
		good.RefreshTokenEncrypted = h.seal(t, "refresh")

		tampered := activeConnection("c2", 2)
		tampered.AccessTokenEncrypted = h.seal(t, "access")
		raw, _ := base64.StdEncoding.DecodeString(h.seal(t, "refresh"))
		raw[len(raw)-1] ^= 0xff
		tampered.RefreshTokenEncrypted = base64.StdEncoding.EncodeToString(raw)

		apiKeyOnly := activeConnection("c3", 3)
		apiKeyOnly.AccessTokenEncrypted = h.seal(t, "api-key")

		for _, c := range []*connection.Connection{good, tampered, apiKeyOnly} {
			h.conns.rows[c.ID] = c
		}
		return h
	}

	t.Run("Reports without mutating", func(t *testing.T) {
		h := setup(t)

		checked, failures, err := h.svc.VerifyCredentials(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, 3, checked)
		require.Len(t, failures, 1)
		assert.Equal(t, "c2", failures[0].ConnectionID)
		assert.ErrorIs(t, failures[0].Err, ErrIntegrity)
		assert.Zero(t, h.conns.mutations())
		assert.Empty(t, h.notifier.sent)
	})

	t.Run("Marks failing connections", func(t *testing.T) {
		h := setup(t)

		_, failures, err := h.svc.VerifyCredentials(ctx, true)
		require.NoError(t, err)
		require.Len(t, failures, 1)
		assert.Equal(t, connection.StatusError, h.conns.get("c2").Status)
		assert.Equal(t, connection.StatusActive, h.conns.get("c1").Status)
		assert.Len(t, h.audit.ofType(audit.EventConnectionError), 1)
		assert.Equal(t, []string{"2/c2/pluggy"}, h.notifier.sent)
	})
}

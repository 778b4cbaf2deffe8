package openfinance

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"finlink/internal/domain/account"
	"finlink/internal/domain/audit"
	"finlink/internal/domain/connection"
	"finlink/internal/domain/syncjob"
)

// MockAdapter is a provider adapter with overridable behavior and call counters.
type MockAdapter struct {
	key ProviderKey

	CreateLinkTokenFunc     func(ctx context.Context, userID int64) (*LinkToken, error)
	ExchangePublicTokenFunc func(ctx context.Context, publicToken string) (*Credentials, error)
	RefreshTokensFunc       func(ctx context.Context, refreshToken string) (*TokenPair, error)
	FetchAccountsFunc       func(ctx context.Context, accessToken string) ([]ProviderAccount, error)

	calls atomic.Int32
}

func newMockAdapter(key ProviderKey) *MockAdapter {
	return &MockAdapter{key: key}
}

func (m *MockAdapter) Key() ProviderKey { return m.key }

func (m *MockAdapter) Calls() int { return int(m.calls.Load()) }

func (m *MockAdapter) CreateLinkToken(ctx context.Context, userID int64) (*LinkToken, error) {
	m.calls.Add(1)
	if m.CreateLinkTokenFunc != nil {
		return m.CreateLinkTokenFunc(ctx, userID)
	}
	return &LinkToken{Token: "link-token", ExpiresAt: time.Now().Add(LinkTokenTTL)}, nil
}

func (m *MockAdapter) ExchangePublicToken(ctx context.Context, publicToken string) (*Credentials, error) {
	m.calls.Add(1)
	if m.ExchangePublicTokenFunc != nil {
		return m.ExchangePublicTokenFunc(ctx, publicToken)
	}
	return &Credentials{
		AccessToken:          "access-" + publicToken,
		RefreshToken:         "refresh-" + publicToken,
		ExternalConnectionID: "ext-" + publicToken,
		Scopes:               []string{"accounts"},
	}, nil
}

func (m *MockAdapter) RefreshTokens(ctx context.Context, refreshToken string) (*TokenPair, error) {
	m.calls.Add(1)
	if m.RefreshTokensFunc != nil {
		return m.RefreshTokensFunc(ctx, refreshToken)
	}
	return &TokenPair{AccessToken: "new-access", RefreshToken: "new-refresh"}, nil
}

func (m *MockAdapter) FetchAccounts(ctx context.Context, accessToken string) ([]ProviderAccount, error) {
	m.calls.Add(1)
	if m.FetchAccountsFunc != nil {
		return m.FetchAccountsFunc(ctx, accessToken)
	}
	return nil, nil
}

// memConnections is an in-memory connection.Repository.
type memConnections struct {
	mu    sync.Mutex
	rows  map[string]*connection.Connection
	calls map[string]int

	UpdateCredentialsErr error
	// BeforeTransition runs under the lock ahead of the status check, to
	// stand in for a concurrent writer.
	BeforeTransition func(c *connection.Connection)
}

func newMemConnections(rows ...*connection.Connection) *memConnections {
	m := &memConnections{rows: map[string]*connection.Connection{}, calls: map[string]int{}}
	for _, r := range rows {
		m.rows[r.ID] = r
	}
	return m
}

func (m *memConnections) get(id string) *connection.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *m.rows[id]
	return &c
}

func (m *memConnections) mutations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls["Upsert"] + m.calls["UpdateCredentials"] + m.calls["TransitionStatus"] + m.calls["MarkSynced"] + m.calls["Revoke"]
}

func (m *memConnections) Upsert(ctx context.Context, p connection.UpsertParams) (*connection.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["Upsert"]++

	if err := p.Validate(); err != nil {
		return nil, err
	}

	at := p.LastSyncAt
	for _, c := range m.rows {
		if c.ProviderKey == p.ProviderKey && c.ExternalConnectionID == p.ExternalConnectionID &&
			c.UserID == p.UserID && c.Status != connection.StatusRevoked {
			c.AccessTokenEncrypted = p.AccessTokenEncrypted
			c.RefreshTokenEncrypted = p.RefreshTokenEncrypted
			c.Scopes = p.Scopes
			c.Status = connection.StatusActive
			c.ErrorMessage = ""
			c.LastSyncAt = &at
			out := *c
			return &out, nil
		}
	}

	c := &connection.Connection{
		ID:                    uuid.NewString(),
		UserID:                p.UserID,
		ProviderKey:           p.ProviderKey,
		ExternalConnectionID:  p.ExternalConnectionID,
		AccessTokenEncrypted:  p.AccessTokenEncrypted,
		RefreshTokenEncrypted: p.RefreshTokenEncrypted,
		Scopes:                p.Scopes,
		Status:                connection.StatusActive,
		LastSyncAt:            &at,
	}
	m.rows[c.ID] = c
	out := *c
	return &out, nil
}

func (m *memConnections) GetByID(ctx context.Context, id string) (*connection.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok {
		return nil, connection.ErrConnectionNotFound
	}
	out := *c
	return &out, nil
}

func (m *memConnections) ListByStatus(ctx context.Context, status connection.Status) ([]*connection.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*connection.Connection
	for _, c := range m.rows {
		if c.Status == status {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memConnections) ListWithCredentials(ctx context.Context) ([]*connection.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*connection.Connection
	for _, c := range m.rows {
		if c.Status != connection.StatusRevoked && c.AccessTokenEncrypted != "" {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memConnections) UpdateCredentials(ctx context.Context, u connection.CredentialUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["UpdateCredentials"]++
	if m.UpdateCredentialsErr != nil {
		return m.UpdateCredentialsErr
	}
	c, ok := m.rows[u.ConnectionID]
	if !ok {
		return connection.ErrConnectionNotFound
	}
	if c.Status == connection.StatusRevoked {
		return connection.ErrStaleStatus
	}
	c.AccessTokenEncrypted = u.AccessTokenEncrypted
	c.RefreshTokenEncrypted = u.RefreshTokenEncrypted
	c.Status = connection.StatusActive
	c.ErrorMessage = ""
	return nil
}

func (m *memConnections) TransitionStatus(ctx context.Context, id string, from, to connection.Status, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["TransitionStatus"]++
	c, ok := m.rows[id]
	if !ok {
		return connection.ErrConnectionNotFound
	}
	if m.BeforeTransition != nil {
		m.BeforeTransition(c)
	}
	if c.Status != from {
		return connection.ErrStaleStatus
	}
	if err := from.ValidateTransition(to); err != nil {
		return err
	}
	c.Status = to
	c.ErrorMessage = msg
	return nil
}

func (m *memConnections) MarkSynced(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["MarkSynced"]++
	c, ok := m.rows[id]
	if !ok {
		return connection.ErrConnectionNotFound
	}
	if c.LastSyncAt == nil || at.After(*c.LastSyncAt) {
		c.LastSyncAt = &at
	}
	return nil
}

func (m *memConnections) Revoke(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["Revoke"]++
	c, ok := m.rows[id]
	if !ok {
		return connection.ErrConnectionNotFound
	}
	c.AccessTokenEncrypted = ""
	c.RefreshTokenEncrypted = ""
	c.Status = connection.StatusRevoked
	return nil
}

// memJobs emulates the partial unique index on live jobs per connection.
type memJobs struct {
	mu   sync.Mutex
	jobs map[string]*syncjob.Job
}

func newMemJobs() *memJobs {
	return &memJobs{jobs: map[string]*syncjob.Job{}}
}

func (m *memJobs) EnqueueOrGetLive(ctx context.Context, p syncjob.EnqueueParams) (*syncjob.Job, bool, error) {
	if err := p.Validate(); err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range m.jobs {
		if j.ConnectionID == p.ConnectionID && j.Status.IsLive() {
			out := *j
			return &out, false, nil
		}
	}

	j := &syncjob.Job{
		ID:           uuid.NewString(),
		ConnectionID: p.ConnectionID,
		JobType:      p.JobType,
		Status:       syncjob.StatusPending,
		MaxAttempts:  p.MaxAttempts,
		ScheduledAt:  p.ScheduledAt,
		Payload:      p.Payload,
	}
	m.jobs[j.ID] = j
	out := *j
	return &out, true, nil
}

func (m *memJobs) GetByID(ctx context.Context, id string) (*syncjob.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, syncjob.ErrJobNotFound
	}
	out := *j
	return &out, nil
}

func (m *memJobs) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

func (m *memJobs) setStatus(id string, status syncjob.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].Status = status
}

// recordedEvent is one captured audit call.
type recordedEvent struct {
	UserID       int64
	Type         audit.EventType
	ConnectionID string
	Payload      map[string]any
}

type fakeAudit struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeAudit) Record(ctx context.Context, userID int64, t audit.EventType, connectionID string, payload map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{UserID: userID, Type: t, ConnectionID: connectionID, Payload: payload})
}

func (f *fakeAudit) ofType(t audit.EventType) []recordedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedEvent
	for _, e := range f.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeAudit) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type MockAccountStore struct {
	StoreSnapshotsFunc func(ctx context.Context, connectionID string, snapshots []account.UpsertParams) (account.StoreResult, error)
	ListAccountsFunc   func(ctx context.Context, connectionID string) ([]*account.Account, error)
}

func (m *MockAccountStore) ListAccounts(ctx context.Context, connectionID string) ([]*account.Account, error) {
	if m.ListAccountsFunc != nil {
		return m.ListAccountsFunc(ctx, connectionID)
	}
	return nil, nil
}

func (m *MockAccountStore) StoreSnapshots(ctx context.Context, connectionID string, snapshots []account.UpsertParams) (account.StoreResult, error) {
	if m.StoreSnapshotsFunc != nil {
		return m.StoreSnapshotsFunc(ctx, connectionID, snapshots)
	}
	return account.StoreResult{Stored: len(snapshots)}, nil
}

type MockNotifier struct {
	mu    sync.Mutex
	sent  []string
	Error error
}

func (m *MockNotifier) NotifyReconnectRequired(ctx context.Context, userID int64, connectionID, providerKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, fmt.Sprintf("%d/%s/%s", userID, connectionID, providerKey))
	return m.Error
}

// failingVault fails every call with err.
type failingVault struct{ err error }

func (v failingVault) Encrypt(string) (string, error) { return "", v.err }
func (v failingVault) Decrypt(string) (string, error) { return "", v.err }

package connection

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a bank connection.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusError   Status = "error"
	StatusRevoked Status = "revoked"
)

// transitions lists the states reachable from each state. Revoked is terminal.
var transitions = map[Status][]Status{
	StatusPending: {StatusActive, StatusError, StatusRevoked},
	StatusActive:  {StatusError, StatusRevoked},
	StatusError:   {StatusActive, StatusRevoked},
	StatusRevoked: {},
}

// Domain errors
var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrInvalidTransition  = errors.New("invalid connection status transition")
	ErrStaleStatus        = errors.New("connection status changed concurrently")
	ErrInvalidStatus      = errors.New("invalid connection status")
)

func (s Status) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition when s cannot move to next.
func (s Status) ValidateTransition(next Status) error {
	if !s.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
	}
	return nil
}

func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return s, nil
}

// Connection is a user's authorized link to one provider. Credential fields
// hold vault blobs, never plaintext.
type Connection struct {
	ID                    string     `json:"id"`
	UserID                int64      `json:"userId"`
	ProviderKey           string     `json:"providerKey"`
	ExternalConnectionID  string     `json:"externalConnectionId"`
	AccessTokenEncrypted  string     `json:"-"`
	RefreshTokenEncrypted string     `json:"-"`
	Scopes                []string   `json:"scopes"`
	Status                Status     `json:"status"`
	LastSyncAt            *time.Time `json:"lastSyncAt,omitempty"`
	ErrorMessage          string     `json:"errorMessage,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

func (c *Connection) IsOwnedBy(userID int64) bool {
	return c.UserID == userID
}

func (c *Connection) HasRefreshToken() bool {
	return c.RefreshTokenEncrypted != ""
}

// UpsertParams creates a connection, or reactivates the existing row for the
// same (provider, external id, user).
type UpsertParams struct {
	UserID                int64
	ProviderKey           string
	ExternalConnectionID  string
	AccessTokenEncrypted  string
	RefreshTokenEncrypted string
	Scopes                []string
	LastSyncAt            time.Time
}

func (p UpsertParams) Validate() error {
	if p.UserID <= 0 {
		return errors.New("valid user ID is required")
	}
	if p.ProviderKey == "" {
		return errors.New("provider key is required")
	}
	if p.ExternalConnectionID == "" {
		return errors.New("external connection ID is required")
	}
	if p.AccessTokenEncrypted == "" {
		return errors.New("access credential is required")
	}
	return nil
}

// CredentialUpdate replaces the stored credential blobs of a connection.
type CredentialUpdate struct {
	ConnectionID          string
	AccessTokenEncrypted  string
	RefreshTokenEncrypted string
}

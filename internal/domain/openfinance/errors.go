package openfinance

import (
	"errors"
	"fmt"
	"net/http"

	"finlink/internal/domain/connection"
	"finlink/internal/domain/syncjob"
	"finlink/internal/infrastructure/crypto"
)

var (
	// ErrConfiguration marks failures caused by the service's own setup,
	// such as rejected client credentials or an unknown provider. They say
	// nothing about any user's connection.
	ErrConfiguration        = errors.New("service misconfigured")
	ErrUnauthorized         = errors.New("unauthenticated")
	ErrForbidden            = errors.New("access forbidden")
	ErrNoRefreshToken       = errors.New("connection has no refresh credential")
	ErrProviderDisabled     = errors.New("provider is not enabled")
	ErrUnsupportedOperation = errors.New("operation not supported by provider")
	ErrInvalidInput         = errors.New("invalid input")
	ErrStateConflict        = errors.New("connection state conflict")

	ErrConnectionNotFound = connection.ErrConnectionNotFound
	ErrJobNotFound        = syncjob.ErrJobNotFound
	ErrInvalidSyncMode    = syncjob.ErrInvalidMode
	ErrIntegrity          = crypto.ErrIntegrity
)

// StateConflictError is returned when an operation is not allowed in the
// connection's current status.
type StateConflictError struct {
	Operation string
	Status    connection.Status
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("cannot %s connection in status %s", e.Operation, e.Status)
}

func (e *StateConflictError) Unwrap() error {
	return ErrStateConflict
}

// ProviderError describes a failed call to an Open Finance provider.
type ProviderError struct {
	Provider   ProviderKey
	Operation  string
	StatusCode int
	Message    string
	Timeout    bool

	// ServiceAuth is set when the provider refused the service's own
	// credentials rather than the user's.
	ServiceAuth bool
	Err         error
}

func (e *ProviderError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("%s %s: timed out", e.Provider, e.Operation)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s %s: status %d: %s", e.Provider, e.Operation, e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("%s %s: %s", e.Provider, e.Operation, e.Message)
	}
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is matches ErrConfiguration for service authentication failures.
func (e *ProviderError) Is(target error) bool {
	return target == ErrConfiguration && e.ServiceAuth
}

// Retryable reports whether the same call may succeed later.
func (e *ProviderError) Retryable() bool {
	return e.Timeout ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= http.StatusInternalServerError
}

// CredentialsRejected reports whether the provider refused the stored
// credential, meaning the user has to reconnect.
func (e *ProviderError) CredentialsRejected() bool {
	if e.ServiceAuth {
		return false
	}
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// AsProviderError unwraps err into a *ProviderError when possible.
func AsProviderError(err error) (*ProviderError, bool) {
	var pErr *ProviderError
	if errors.As(err, &pErr) {
		return pErr, true
	}
	return nil, false
}

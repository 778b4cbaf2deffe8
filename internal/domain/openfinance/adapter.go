package openfinance

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ProviderKey identifies an Open Finance vendor.
type ProviderKey string

const (
	ProviderPluggy ProviderKey = "pluggy"
	ProviderPierre ProviderKey = "pierre"
)

// LinkTokenTTL is how long a link token stays usable after issuance.
const LinkTokenTTL = 30 * time.Minute

func ParseProviderKey(raw string) ProviderKey {
	return ProviderKey(strings.ToLower(strings.TrimSpace(raw)))
}

type LinkToken struct {
	Token     string    `json:"linkToken"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Credentials returned by a successful exchange. RefreshToken may be empty.
type Credentials struct {
	AccessToken          string
	RefreshToken         string
	ExternalConnectionID string
	Scopes               []string
}

type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// ProviderAccount is one account snapshot as reported by a provider.
type ProviderAccount struct {
	ExternalID       string
	Name             string
	Type             string
	Subtype          string
	Currency         string
	CurrentBalance   decimal.Decimal
	AvailableBalance decimal.Decimal
	UpdatedAt        time.Time
}

// Adapter is the contract every provider integration implements. All
// methods must honor ctx and fail with *ProviderError on transport or
// HTTP-level failures.
type Adapter interface {
	Key() ProviderKey

	// CreateLinkToken issues a short-lived token for the client-side consent flow.
	CreateLinkToken(ctx context.Context, userID int64) (*LinkToken, error)

	// ExchangePublicToken trades a consent artifact for long-lived
	// credentials. Repeating the exchange yields the same ExternalConnectionID.
	ExchangePublicToken(ctx context.Context, publicToken string) (*Credentials, error)

	// RefreshTokens rotates credentials. API-key providers may echo them.
	RefreshTokens(ctx context.Context, refreshToken string) (*TokenPair, error)

	FetchAccounts(ctx context.Context, accessToken string) ([]ProviderAccount, error)
}

package openfinance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "finlink/internal/domain/openfinance"
)

const (
	pierreAccountsPath = "/get-accounts"
	pierreFingerprint  = 16
)

var pierreScopes = []string{"accounts", "transactions", "bills"}

type PierreConfig struct {
	BaseURL string
	Timeout time.Duration
}

// Pierre adapts the Pierre Finance tools API. Users link it by handing over
// a personal API key, so there is no hosted consent flow and nothing to
// refresh.
type Pierre struct {
	api *apiClient
}

var _ domain.Adapter = (*Pierre)(nil)

func NewPierre(cfg PierreConfig) *Pierre {
	return &Pierre{api: newAPIClient(domain.ProviderPierre, cfg.BaseURL, cfg.Timeout)}
}

// pierreAccountsResponse represents the API response for account data
type pierreAccountsResponse struct {
	Success   bool            `json:"success"`
	Data      []pierreAccount `json:"data"`
	Count     int             `json:"count"`
	Timestamp string          `json:"timestamp"`
}

type pierreAccount struct {
	AccountID            string            `json:"id"`
	ItemID               string            `json:"itemId"`
	AccountName          string            `json:"name"`
	AccountType          string            `json:"type"`
	AccountSubtype       string            `json:"subtype"`
	AccountCurrencyCode  string            `json:"currencyCode"`
	AccountMarketingName string            `json:"marketingName"`
	BalanceString        string            `json:"balance"` // API returns balance as string
	UpdatedAt            string            `json:"updatedAt"`
	CreditData           *pierreCreditData `json:"creditData,omitempty"`
}

type pierreCreditData struct {
	CreditLimit          float64 `json:"creditLimit"`
	AvailableCreditLimit float64 `json:"availableCreditLimit"`
}

func (p *Pierre) Key() domain.ProviderKey { return domain.ProviderPierre }

func (p *Pierre) CreateLinkToken(ctx context.Context, userID int64) (*domain.LinkToken, error) {
	return nil, fmt.Errorf("%w: %s links with a personal API key", domain.ErrUnsupportedOperation, domain.ProviderPierre)
}

// ExchangePublicToken accepts the user's API key after checking it works.
func (p *Pierre) ExchangePublicToken(ctx context.Context, apiKey string) (*domain.Credentials, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: api key is required", domain.ErrInvalidInput)
	}

	if _, err := p.getAccounts(ctx, "exchange_public_token", apiKey); err != nil {
		return nil, err
	}

	return &domain.Credentials{
		AccessToken:          apiKey,
		ExternalConnectionID: fingerprint(apiKey),
		Scopes:               append([]string(nil), pierreScopes...),
	}, nil
}

func (p *Pierre) RefreshTokens(ctx context.Context, refreshToken string) (*domain.TokenPair, error) {
	return nil, domain.ErrNoRefreshToken
}

func (p *Pierre) FetchAccounts(ctx context.Context, apiKey string) ([]domain.ProviderAccount, error) {
	data, err := p.getAccounts(ctx, "fetch_accounts", apiKey)
	if err != nil {
		return nil, err
	}

	accounts := make([]domain.ProviderAccount, 0, len(data))
	for _, a := range data {
		accounts = append(accounts, a.toProviderAccount())
	}
	return accounts, nil
}

func (p *Pierre) getAccounts(ctx context.Context, operation, apiKey string) ([]pierreAccount, error) {
	var resp pierreAccountsResponse
	err := p.api.do(ctx, apiRequest{
		Operation: operation,
		Method:    http.MethodGet,
		Path:      pierreAccountsPath,
		Header:    http.Header{"Authorization": {"Bearer " + apiKey}},
	}, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &domain.ProviderError{Provider: domain.ProviderPierre, Operation: operation, Message: "API returned success=false"}
	}
	return resp.Data, nil
}

// balance parses the balance string; an empty or malformed value is zero.
func (a pierreAccount) balance() decimal.Decimal {
	if a.BalanceString == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(a.BalanceString)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (a pierreAccount) toProviderAccount() domain.ProviderAccount {
	balance := a.balance()

	name := a.AccountMarketingName
	if name == "" {
		name = a.AccountName
	}

	available := balance
	if a.AccountType == "CREDIT" && a.CreditData != nil {
		available = decimal.NewFromFloat(a.CreditData.AvailableCreditLimit)
	}

	var updatedAt time.Time
	if t, err := time.Parse(time.RFC3339, a.UpdatedAt); err == nil {
		updatedAt = t.UTC()
	}

	return domain.ProviderAccount{
		ExternalID:       a.AccountID,
		Name:             name,
		Type:             a.AccountType,
		Subtype:          a.AccountSubtype,
		Currency:         a.AccountCurrencyCode,
		CurrentBalance:   balance,
		AvailableBalance: available,
		UpdatedAt:        updatedAt,
	}
}

// fingerprint derives a stable, non-reversible connection id from an API key.
func fingerprint(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:pierreFingerprint])
}

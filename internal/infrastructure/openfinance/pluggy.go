package openfinance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	domain "finlink/internal/domain/openfinance"
)

const (
	pluggyAPIKeyTTL    = 2 * time.Hour
	pluggyAPIKeyMargin = 10 * time.Minute

	pluggyItemLoginError = "LOGIN_ERROR"
	pluggyAccountsPage   = 500
	// pluggyMaxAccountPages stops paging through a listing whose totals
	// never converge.
	pluggyMaxAccountPages = 20
)

type PluggyConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// Pluggy adapts the Pluggy aggregator. The item id identifies a connection
// and doubles as its credential: every call is authorized with the service's
// own API key.
type Pluggy struct {
	api          *apiClient
	clientID     string
	clientSecret string
	logger       *zap.Logger
	now          func() time.Time

	mu           sync.Mutex
	apiKey       string
	apiKeyExpiry time.Time
}

var _ domain.Adapter = (*Pluggy)(nil)

func NewPluggy(cfg PluggyConfig, logger *zap.Logger) *Pluggy {
	return &Pluggy{
		api:          newAPIClient(domain.ProviderPluggy, cfg.BaseURL, cfg.Timeout),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		logger:       logger.With(zap.String("provider", string(domain.ProviderPluggy))),
		now:          time.Now,
	}
}

type pluggyAuthResponse struct {
	APIKey string `json:"apiKey"`
}

type pluggyConnectTokenResponse struct {
	AccessToken string `json:"accessToken"`
}

type pluggyItem struct {
	ID       string   `json:"id"`
	Status   string   `json:"status"`
	Products []string `json:"products"`
}

type pluggyAccountsResponse struct {
	Total      int             `json:"total"`
	TotalPages int             `json:"totalPages"`
	Results    []pluggyAccount `json:"results"`
}

type pluggyAccount struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	Subtype       string            `json:"subtype"`
	Name          string            `json:"name"`
	MarketingName string            `json:"marketingName"`
	Balance       decimal.Decimal   `json:"balance"`
	CurrencyCode  string            `json:"currencyCode"`
	UpdatedAt     *time.Time        `json:"updatedAt"`
	CreditData    *pluggyCreditData `json:"creditData"`
}

type pluggyCreditData struct {
	AvailableCreditLimit *decimal.Decimal `json:"availableCreditLimit"`
}

func (p *Pluggy) Key() domain.ProviderKey { return domain.ProviderPluggy }

func (p *Pluggy) CreateLinkToken(ctx context.Context, userID int64) (*domain.LinkToken, error) {
	var resp pluggyConnectTokenResponse
	err := p.call(ctx, apiRequest{
		Operation: "create_link_token",
		Method:    http.MethodPost,
		Path:      "/connect_token",
		Body: map[string]any{
			"options": map[string]string{"clientUserId": strconv.FormatInt(userID, 10)},
		},
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, &domain.ProviderError{Provider: domain.ProviderPluggy, Operation: "create_link_token", Message: "empty connect token"}
	}

	return &domain.LinkToken{
		Token:     resp.AccessToken,
		ExpiresAt: p.now().Add(domain.LinkTokenTTL).UTC(),
	}, nil
}

// ExchangePublicToken validates the item id returned by the Pluggy widget.
func (p *Pluggy) ExchangePublicToken(ctx context.Context, itemID string) (*domain.Credentials, error) {
	item, err := p.getItem(ctx, "exchange_public_token", itemID)
	if err != nil {
		return nil, err
	}

	scopes := make([]string, len(item.Products))
	for i, product := range item.Products {
		scopes[i] = strings.ToLower(product)
	}

	return &domain.Credentials{
		AccessToken:          item.ID,
		RefreshToken:         item.ID,
		ExternalConnectionID: item.ID,
		Scopes:               scopes,
	}, nil
}

// RefreshTokens checks that the item still has valid bank credentials.
// Pluggy rotates nothing, so the item id is echoed back.
func (p *Pluggy) RefreshTokens(ctx context.Context, itemID string) (*domain.TokenPair, error) {
	item, err := p.getItem(ctx, "refresh_tokens", itemID)
	if err != nil {
		return nil, err
	}
	if item.Status == pluggyItemLoginError {
		return nil, &domain.ProviderError{
			Provider:   domain.ProviderPluggy,
			Operation:  "refresh_tokens",
			StatusCode: http.StatusUnauthorized,
			Message:    "item credentials are no longer valid",
		}
	}
	return &domain.TokenPair{AccessToken: item.ID, RefreshToken: item.ID}, nil
}

// FetchAccounts pages through the item's accounts until the reported total
// is reached.
func (p *Pluggy) FetchAccounts(ctx context.Context, itemID string) ([]domain.ProviderAccount, error) {
	accounts := []domain.ProviderAccount{}
	for page := 1; ; page++ {
		var resp pluggyAccountsResponse
		err := p.call(ctx, apiRequest{
			Operation: "fetch_accounts",
			Method:    http.MethodGet,
			Path:      "/accounts",
			Query: url.Values{
				"itemId":   {itemID},
				"pageSize": {strconv.Itoa(pluggyAccountsPage)},
				"page":     {strconv.Itoa(page)},
			},
		}, &resp)
		if err != nil {
			return nil, err
		}

		for _, a := range resp.Results {
			accounts = append(accounts, a.toProviderAccount())
		}

		if len(resp.Results) == 0 || len(accounts) >= resp.Total || page >= resp.TotalPages {
			return accounts, nil
		}
		if page >= pluggyMaxAccountPages {
			p.logger.Warn("pluggy account listing truncated",
				zap.String("item_id", itemID),
				zap.Int("total", resp.Total),
				zap.Int("fetched", len(accounts)),
			)
			return accounts, nil
		}
	}
}

func (a pluggyAccount) toProviderAccount() domain.ProviderAccount {
	name := a.MarketingName
	if name == "" {
		name = a.Name
	}

	available := a.Balance
	if a.Type == "CREDIT" && a.CreditData != nil && a.CreditData.AvailableCreditLimit != nil {
		available = *a.CreditData.AvailableCreditLimit
	}

	var updatedAt time.Time
	if a.UpdatedAt != nil {
		updatedAt = a.UpdatedAt.UTC()
	}

	return domain.ProviderAccount{
		ExternalID:       a.ID,
		Name:             name,
		Type:             a.Type,
		Subtype:          a.Subtype,
		Currency:         a.CurrencyCode,
		CurrentBalance:   a.Balance,
		AvailableBalance: available,
		UpdatedAt:        updatedAt,
	}
}

func (p *Pluggy) getItem(ctx context.Context, operation, itemID string) (*pluggyItem, error) {
	if strings.TrimSpace(itemID) == "" {
		return nil, fmt.Errorf("%w: item id is required", domain.ErrInvalidInput)
	}

	var item pluggyItem
	err := p.call(ctx, apiRequest{
		Operation: operation,
		Method:    http.MethodGet,
		Path:      "/items/" + url.PathEscape(itemID),
	}, &item)
	if err != nil {
		return nil, err
	}
	if item.ID == "" {
		return nil, &domain.ProviderError{Provider: domain.ProviderPluggy, Operation: operation, Message: "item without id"}
	}
	return &item, nil
}

// call sends an authenticated request. A 401 means the cached API key was
// revoked early; it is dropped and the request retried once. A 401 with a
// fresh key is a service credential problem, not the user's.
func (p *Pluggy) call(ctx context.Context, r apiRequest, out any) error {
	for attempt := 0; ; attempt++ {
		key, err := p.authenticate(ctx)
		if err != nil {
			return err
		}

		r.Header = http.Header{"X-Api-Key": {key}}
		err = p.api.do(ctx, r, out)

		pErr, ok := domain.AsProviderError(err)
		if ok && pErr.StatusCode == http.StatusUnauthorized {
			if attempt == 0 {
				p.logger.Info("pluggy api key rejected, re-authenticating", zap.String("operation", r.Operation))
				p.invalidate(key)
				continue
			}
			pErr.ServiceAuth = true
			p.logger.Error("pluggy rejected a freshly issued api key", zap.String("operation", r.Operation))
		}
		return err
	}
}

func (p *Pluggy) authenticate(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.apiKey != "" && p.now().Before(p.apiKeyExpiry) {
		return p.apiKey, nil
	}

	var resp pluggyAuthResponse
	err := p.api.do(ctx, apiRequest{
		Operation: "authenticate",
		Method:    http.MethodPost,
		Path:      "/auth",
		Body: map[string]string{
			"clientId":     p.clientID,
			"clientSecret": p.clientSecret,
		},
	}, &resp)
	if err != nil {
		if pErr, ok := domain.AsProviderError(err); ok && (pErr.StatusCode == http.StatusUnauthorized || pErr.StatusCode == http.StatusForbidden) {
			pErr.ServiceAuth = true
		}
		return "", err
	}
	if resp.APIKey == "" {
		return "", &domain.ProviderError{Provider: domain.ProviderPluggy, Operation: "authenticate", Message: "empty api key", ServiceAuth: true}
	}

	p.apiKey = resp.APIKey
	p.apiKeyExpiry = p.now().Add(pluggyAPIKeyTTL - pluggyAPIKeyMargin)
	return p.apiKey, nil
}

func (p *Pluggy) invalidate(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.apiKey == key {
		p.apiKey = ""
	}
}

package openfinance

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "finlink/internal/domain/openfinance"
)

const pierreAccountsBody = `{"success":true,"count":2,"timestamp":"2026-05-01T10:00:00Z","data":[
	{"id":"p-1","itemId":"i-1","name":"Conta","type":"BANK","subtype":"CHECKING_ACCOUNT","currencyCode":"BRL","balance":"250.75","updatedAt":"2026-05-01T09:00:00Z"},
	{"id":"p-2","itemId":"i-1","name":"Cartao","marketingName":"Cartao Gold","type":"CREDIT","subtype":"CREDIT_CARD","currencyCode":"BRL","balance":"","creditData":{"creditLimit":5000,"availableCreditLimit":3200.5}}
]}`

func newPierreServer(t *testing.T, validKey string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, pierreAccountsPath, r.URL.Path)
		if r.Header.Get("Authorization") != "Bearer "+validKey {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"success":false,"error":"unauthorized","message":"invalid api key"}`))
			return
		}
		_, _ = w.Write([]byte(pierreAccountsBody))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPierre_ExchangePublicToken(t *testing.T) {
	srv := newPierreServer(t, "sk-good")
	p := NewPierre(PierreConfig{BaseURL: srv.URL, Timeout: time.Second})

	creds, err := p.ExchangePublicToken(t.Context(), "sk-good")
	require.NoError(t, err)
	assert.Equal(t, "sk-good", creds.AccessToken)
	assert.Empty(t, creds.RefreshToken)
	assert.Equal(t, []string{"accounts", "transactions", "bills"}, creds.Scopes)
	assert.Len(t, creds.ExternalConnectionID, 32)
	assert.NotContains(t, creds.ExternalConnectionID, "sk-good")

	again, err := p.ExchangePublicToken(t.Context(), "sk-good")
	require.NoError(t, err)
	assert.Equal(t, creds.ExternalConnectionID, again.ExternalConnectionID)

	_, err = p.ExchangePublicToken(t.Context(), "sk-bad")
	pErr, ok := domain.AsProviderError(err)
	require.True(t, ok)
	assert.True(t, pErr.CredentialsRejected())
	assert.Equal(t, "unauthorized - invalid api key", pErr.Message)
}

func TestPierre_FetchAccounts(t *testing.T) {
	srv := newPierreServer(t, "sk-good")
	p := NewPierre(PierreConfig{BaseURL: srv.URL, Timeout: time.Second})

	accounts, err := p.FetchAccounts(t.Context(), "sk-good")
	require.NoError(t, err)
	require.Len(t, accounts, 2)

	assert.True(t, accounts[0].CurrentBalance.Equal(decimal.RequireFromString("250.75")))
	assert.Equal(t, time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC), accounts[0].UpdatedAt)

	assert.Equal(t, "Cartao Gold", accounts[1].Name)
	assert.True(t, accounts[1].CurrentBalance.IsZero())
	assert.True(t, accounts[1].AvailableBalance.Equal(decimal.RequireFromString("3200.5")))
}

func TestPierre_UnsupportedOperations(t *testing.T) {
	p := NewPierre(PierreConfig{BaseURL: "http://127.0.0.1:0", Timeout: time.Second})

	_, err := p.CreateLinkToken(t.Context(), 1)
	assert.ErrorIs(t, err, domain.ErrUnsupportedOperation)

	_, err = p.RefreshTokens(t.Context(), "anything")
	assert.ErrorIs(t, err, domain.ErrNoRefreshToken)

	_, err = p.ExchangePublicToken(t.Context(), "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestPierre_SuccessFalse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"data":[]}`))
	}))
	defer srv.Close()

	p := NewPierre(PierreConfig{BaseURL: srv.URL, Timeout: time.Second})
	_, err := p.FetchAccounts(t.Context(), "sk")
	_, ok := domain.AsProviderError(err)
	assert.True(t, ok)
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"Error and message", `{"error":"bad","message":"details"}`, "bad - details"},
		{"Message only", `{"code":404,"message":"item not found"}`, "item not found"},
		{"Error only", `{"error":"bad"}`, "bad"},
		{"Plain text", "  upstream down \n", "upstream down"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorMessage([]byte(tt.body)))
		})
	}
}

package account

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	TypeBank       = "BANK"
	TypeCredit     = "CREDIT"
	TypeInvestment = "INVESTMENT"
	TypeLoan       = "LOAN"
	TypeOther      = "OTHER"

	defaultCurrency = "BRL"
)

var (
	accountTypes = map[string]struct{}{
		TypeBank:       {},
		TypeCredit:     {},
		TypeInvestment: {},
		TypeLoan:       {},
		TypeOther:      {},
	}
	accountSubtypes = map[string]struct{}{
		"CHECKING_ACCOUNT": {},
		"SAVINGS_ACCOUNT":  {},
		"CREDIT_CARD":      {},
	}
	// Common ISO 4217 currency codes
	validCurrencies = map[string]struct{}{
		"BRL": {}, "USD": {}, "EUR": {}, "GBP": {}, "JPY": {},
		"CHF": {}, "CAD": {}, "AUD": {}, "NZD": {}, "CNY": {},
		"INR": {}, "MXN": {}, "ZAR": {}, "SEK": {}, "NOK": {},
		"DKK": {}, "PLN": {}, "TRY": {}, "RUB": {}, "KRW": {},
		"SGD": {}, "HKD": {}, "ARS": {}, "CLP": {}, "COP": {},
	}
)

// Domain errors
var (
	ErrInvalidAccountSubtype = errors.New("invalid account subtype")
	ErrInvalidCurrency       = errors.New("valid ISO 4217 currency is required")
	ErrInvalidInput          = errors.New("invalid input")
)

// Account is a bank account discovered through a connection. Balances are
// exact decimals as reported by the provider.
type Account struct {
	ID                string          `json:"id"`
	ConnectionID      string          `json:"connectionId"`
	ExternalAccountID string          `json:"externalAccountId"`
	Name              string          `json:"name"`
	AccountType       string          `json:"accountType"`
	Subtype           string          `json:"subtype,omitempty"`
	Currency          string          `json:"currency"`
	CurrentBalance    decimal.Decimal `json:"currentBalance"`
	AvailableBalance  decimal.Decimal `json:"availableBalance"`
	BalanceUpdatedAt  time.Time       `json:"balanceUpdatedAt"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// UpsertParams carries one provider account snapshot.
type UpsertParams struct {
	ExternalAccountID string
	Name              string
	AccountType       string
	Subtype           string
	Currency          string
	CurrentBalance    decimal.Decimal
	AvailableBalance  decimal.Decimal
	BalanceUpdatedAt  time.Time
}

// Normalize upper-cases codes, applies the default currency and maps
// unknown account types to OTHER.
func (p UpsertParams) Normalize() UpsertParams {
	p.Name = strings.TrimSpace(p.Name)
	p.AccountType = strings.ToUpper(strings.TrimSpace(p.AccountType))
	if !IsValidAccountType(p.AccountType) {
		p.AccountType = TypeOther
	}
	p.Subtype = strings.ToUpper(strings.TrimSpace(p.Subtype))
	p.Currency = strings.ToUpper(strings.TrimSpace(p.Currency))
	if p.Currency == "" {
		p.Currency = defaultCurrency
	}
	if p.Name == "" {
		p.Name = p.ExternalAccountID
	}
	return p
}

// Validate validates normalized parameters.
func (p UpsertParams) Validate() error {
	if p.ExternalAccountID == "" {
		return errors.New("external account ID is required")
	}
	if p.Name == "" {
		return errors.New("account name is required")
	}
	if !IsValidAccountType(p.AccountType) {
		return errors.New("account type is required")
	}
	if p.Subtype != "" && !IsValidAccountSubtype(p.Subtype) {
		return ErrInvalidAccountSubtype
	}
	if !IsValidCurrency(p.Currency) {
		return ErrInvalidCurrency
	}
	return nil
}

// IsValidAccountType checks if the provided account type is valid.
func IsValidAccountType(t string) bool {
	_, ok := accountTypes[t]
	return ok
}

// IsValidAccountSubtype checks if the provided subtype is valid.
func IsValidAccountSubtype(s string) bool {
	_, ok := accountSubtypes[s]
	return ok
}

// IsValidCurrency checks if the provided currency is a valid ISO 4217 code.
func IsValidCurrency(c string) bool {
	if len(c) != 3 {
		return false
	}
	_, ok := validCurrencies[c]
	return ok
}

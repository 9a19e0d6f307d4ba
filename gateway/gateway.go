// Package gateway normalizes the embedded (SDK callback) and redirect
// (provider-hosted page) payment protocols behind one interface.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"order-payment/models"
	"order-payment/session"
)

var (
	ErrGateway             = errors.New("payment gateway error")
	ErrAlreadyPaid         = errors.New("order is already paid")
	ErrConfirmNotSupported = errors.New("gateway confirms through redirect return")
	ErrHandleMismatch      = errors.New("payment handle does not belong to this gateway")
)

// Gateway starts a payment for an order and turns the provider's result
// into a PaymentConfirmation.
type Gateway interface {
	Provider() models.Provider
	Initiate(ctx context.Context, order *models.Order, s *session.Session) (*Handle, error)
	Confirm(ctx context.Context, h *Handle, result ProviderResult) (*models.PaymentConfirmation, error)
}

// Handle is the state of one started payment.
type Handle struct {
	Provider    models.Provider `json:"provider"`
	OrderID     string          `json:"orderId"`
	ClientID    string          `json:"clientId,omitempty"`
	Currency    string          `json:"currency"`
	Amount      decimal.Decimal `json:"amount"`
	RedirectURL string          `json:"redirectUrl,omitempty"`
}

// ProviderResult is what the provider hands back after capture.
type ProviderResult struct {
	ID         string
	Status     string
	UpdateTime time.Time
	PayerID    string
}

// Conversion turns a home-currency total into the amount a provider
// settles in. Rate is home units per settlement unit.
type Conversion struct {
	Currency string
	Rate     decimal.Decimal
	Places   int32
}

// Identity keeps amounts in the home currency.
func Identity(currency string) Conversion {
	return Conversion{Currency: currency, Rate: decimal.NewFromInt(1), Places: 2}
}

func (c Conversion) Convert(total decimal.Decimal) (decimal.Decimal, error) {
	if !c.Rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: exchange rate for %s must be positive", ErrGateway, c.Currency)
	}
	return total.Div(c.Rate).Round(c.Places), nil
}

func declined(provider models.Provider, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s: %s", ErrGateway, provider, fmt.Sprintf(format, args...))
}

package gateway

import (
	"context"

	"github.com/shopspring/decimal"

	"order-payment/models"
	"order-payment/navigation"
	"order-payment/session"
)

type SessionSigner interface {
	RedirectSession(ctx context.Context, amount decimal.Decimal, returnURL string, s *session.Session) (string, error)
}

// Redirect sends the browser to a provider-hosted page. Once Initiate has
// navigated away the view is gone; the outcome comes back as query
// parameters handled by the resolver package.
type Redirect struct {
	signer    SessionSigner
	nav       navigation.Navigator
	currency  string
	returnURL func(orderID string) string
}

func NewRedirect(signer SessionSigner, nav navigation.Navigator, currency string, returnURL func(orderID string) string) *Redirect {
	return &Redirect{signer: signer, nav: nav, currency: currency, returnURL: returnURL}
}

func (g *Redirect) Provider() models.Provider { return models.ProviderRedirect }

func (g *Redirect) Initiate(ctx context.Context, order *models.Order, s *session.Session) (*Handle, error) {
	if order.IsPaid {
		return nil, ErrAlreadyPaid
	}
	amount, err := Identity(g.currency).Convert(order.TotalPrice)
	if err != nil {
		return nil, err
	}
	target, err := g.signer.RedirectSession(ctx, amount, g.returnURL(order.ID), s)
	if err != nil {
		return nil, err
	}

	g.nav.Assign(target)
	return &Handle{
		Provider:    models.ProviderRedirect,
		OrderID:     order.ID,
		Currency:    g.currency,
		Amount:      amount,
		RedirectURL: target,
	}, nil
}

func (g *Redirect) Confirm(context.Context, *Handle, ProviderResult) (*models.PaymentConfirmation, error) {
	return nil, ErrConfirmNotSupported
}

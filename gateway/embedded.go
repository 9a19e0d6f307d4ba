package gateway

import (
	"context"
	"strings"
	"sync"
	"time"

	"order-payment/models"
	"order-payment/session"
)

// CompletedStatus is the capture status the embedded provider reports for a
// settled payment.
const CompletedStatus = "COMPLETED"

type CredentialSource interface {
	EmbeddedCredential(ctx context.Context, s *session.Session) (string, error)
}

// Embedded completes payment inside the page. The provider's capture
// callback supplies the details, so Confirm makes no network call.
type Embedded struct {
	credentials CredentialSource
	conversion  Conversion
	now         func() time.Time

	mu       sync.Mutex
	clientID string
}

// NewEmbedded returns a gateway for one view. The provider credential is
// fetched on first use and kept for the rest of the view.
func NewEmbedded(credentials CredentialSource, conversion Conversion) *Embedded {
	return &Embedded{credentials: credentials, conversion: conversion, now: time.Now}
}

func (g *Embedded) Provider() models.Provider { return models.ProviderEmbedded }

func (g *Embedded) Initiate(ctx context.Context, order *models.Order, s *session.Session) (*Handle, error) {
	if order.IsPaid {
		return nil, ErrAlreadyPaid
	}
	amount, err := g.conversion.Convert(order.TotalPrice)
	if err != nil {
		return nil, err
	}
	clientID, err := g.credential(ctx, s)
	if err != nil {
		return nil, err
	}
	return &Handle{
		Provider: models.ProviderEmbedded,
		OrderID:  order.ID,
		ClientID: clientID,
		Currency: g.conversion.Currency,
		Amount:   amount,
	}, nil
}

func (g *Embedded) credential(ctx context.Context, s *session.Session) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.clientID != "" {
		return g.clientID, nil
	}
	id, err := g.credentials.EmbeddedCredential(ctx, s)
	if err != nil {
		return "", err
	}
	g.clientID = id
	return id, nil
}

func (g *Embedded) Confirm(_ context.Context, h *Handle, result ProviderResult) (*models.PaymentConfirmation, error) {
	if h == nil || h.Provider != models.ProviderEmbedded {
		return nil, ErrHandleMismatch
	}
	if result.ID == "" {
		return nil, declined(models.ProviderEmbedded, "capture has no transaction id")
	}
	if !strings.EqualFold(result.Status, CompletedStatus) {
		return nil, declined(models.ProviderEmbedded, "capture status %q", result.Status)
	}

	updated := result.UpdateTime
	if updated.IsZero() {
		updated = g.now()
	}
	return &models.PaymentConfirmation{
		Provider:              models.ProviderEmbedded,
		ExternalTransactionID: result.ID,
		Status:                CompletedStatus,
		UpdateTime:            updated.UTC(),
		PayerID:               result.PayerID,
	}, nil
}

package models

import "time"

type Provider string

const (
	ProviderEmbedded Provider = "embedded"
	ProviderRedirect Provider = "redirect"
)

// PaymentConfirmation is produced by exactly one gateway per successful payment.
type PaymentConfirmation struct {
	Provider              Provider  `json:"provider"`
	ExternalTransactionID string    `json:"externalTransactionId"`
	Status                string    `json:"status"`
	UpdateTime            time.Time `json:"updateTime"`
	PayerID               string    `json:"payerId,omitempty"`
}

// PaymentEvent is published after a confirmation has been reconciled.
type PaymentEvent struct {
	OrderID       string    `json:"order_id"`
	Type          string    `json:"type"` // reconciled, redirect_check
	Provider      Provider  `json:"provider,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Occurred      time.Time `json:"occurred"`
}

const (
	EventReconciled    = "reconciled"
	EventRedirectCheck = "redirect_check"
)

package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var ErrTotalMismatch = errors.New("order total does not match its components")

type Order struct {
	ID              string          `json:"_id"`
	OrderItems      []OrderItem     `json:"orderItems"`
	ShippingAddress ShippingAddress `json:"shippingAddress"`
	ItemsPrice      decimal.Decimal `json:"itemsPrice"`
	ShippingPrice   decimal.Decimal `json:"shippingPrice"`
	TaxPrice        decimal.Decimal `json:"taxPrice"`
	TotalPrice      decimal.Decimal `json:"totalPrice"`
	IsPaid          bool            `json:"isPaid"`
	PaidAt          *time.Time      `json:"paidAt"`
	IsDelivered     bool            `json:"isDelivered"`
	DeliveredAt     *time.Time      `json:"deliveredAt"`
}

type OrderItem struct {
	ID        string          `json:"_id"`
	ProductID string          `json:"product"`
	Name      string          `json:"name"`
	Slug      string          `json:"slug"`
	Image     string          `json:"image"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

type ShippingAddress struct {
	FullName    string `json:"fullName"`
	PhoneNumber string `json:"phoneNumber"`
	Address     string `json:"address"`
	District    string `json:"district"`
	City        string `json:"city"`
}

// CheckTotals reports ErrTotalMismatch unless
// totalPrice == itemsPrice + shippingPrice + taxPrice.
func (o *Order) CheckTotals() error {
	sum := o.ItemsPrice.Add(o.ShippingPrice).Add(o.TaxPrice)
	if !sum.Equal(o.TotalPrice) {
		return fmt.Errorf("%w: order %s has total %s, components sum to %s",
			ErrTotalMismatch, o.ID, o.TotalPrice, sum)
	}
	return nil
}

// Clone returns a copy that shares no mutable state with o.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.OrderItems = append([]OrderItem(nil), o.OrderItems...)
	if o.PaidAt != nil {
		t := *o.PaidAt
		c.PaidAt = &t
	}
	if o.DeliveredAt != nil {
		t := *o.DeliveredAt
		c.DeliveredAt = &t
	}
	return &c
}

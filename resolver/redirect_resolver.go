// Package resolver interprets the query parameters a redirect payment
// provider appends when it sends the browser back to the order view.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"order-payment/models"
	"order-payment/navigation"
	"order-payment/repository"
	"order-payment/session"
	"order-payment/statemachine"
)

var (
	ErrAlreadyResolved    = errors.New("redirect confirmation already resolved for this view")
	ErrMissingTransaction = errors.New("success code without transaction id")
)

// Params names the provider-defined confirmation parameters.
type Params struct {
	ResponseCode string
	Transaction  string
	SuccessCode  string
	// Prefix strips every other provider parameter (hashes, bank codes).
	Prefix string
}

type Reconciler interface {
	MarkPaid(ctx context.Context, orderID string, conf models.PaymentConfirmation, s *session.Session) (*models.Order, error)
}

type Kind int

const (
	None Kind = iota
	Confirmed
	Declined
	Failed
)

func (k Kind) String() string {
	switch k {
	case Confirmed:
		return "confirmed"
	case Declined:
		return "declined"
	case Failed:
		return "failed"
	default:
		return "none"
	}
}

// Intent is the single reconciliation outcome of one return navigation.
type Intent struct {
	Kind         Kind
	Code         string
	Confirmation *models.PaymentConfirmation
	Order        *models.Order
	Err          error
}

type Resolver struct {
	params Params
	repo   Reconciler
	nav    navigation.Navigator
	now    func() time.Time

	mu   sync.Mutex
	done bool
}

// New returns a resolver for one view activation.
func New(params Params, repo Reconciler, nav navigation.Navigator) *Resolver {
	return &Resolver{params: params, repo: repo, nav: nav, now: time.Now}
}

// Resolve reads the confirmation parameters from the current location,
// strips them, and reconciles a successful payment. The parameters are
// removed before the network call so neither a refresh nor a failed update
// can confirm the same return twice. A failed update is logged and
// reported in the Intent; it is not retried.
func (r *Resolver) Resolve(ctx context.Context, orderID string, s *session.Session) (Intent, error) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return Intent{}, ErrAlreadyResolved
	}
	r.done = true
	r.mu.Unlock()

	current := r.nav.Current()
	query := current.Query()
	code := query.Get(r.params.ResponseCode)
	txn := query.Get(r.params.Transaction)

	if cleaned, changed := r.strip(current); changed {
		r.nav.Replace(cleaned)
	}

	switch {
	case code == "":
		return Intent{Kind: None}, nil
	case code != r.params.SuccessCode:
		log.Printf("Redirect payment for order %s returned code %s", orderID, code)
		return Intent{Kind: Declined, Code: code}, nil
	case txn == "":
		log.Printf("Redirect payment for order %s returned success without a transaction id", orderID)
		return Intent{Kind: Failed, Code: code, Err: ErrMissingTransaction}, nil
	}

	conf := &models.PaymentConfirmation{
		Provider:              models.ProviderRedirect,
		ExternalTransactionID: txn,
		Status:                code,
		UpdateTime:            r.now().UTC(),
	}
	order, err := r.repo.MarkPaid(ctx, orderID, *conf, s)
	if err != nil {
		log.Printf("Error updating order %s after redirect payment %s: %v", orderID, txn, err)
		return Intent{Kind: Failed, Code: code, Confirmation: conf, Err: err}, nil
	}
	return Intent{Kind: Confirmed, Code: code, Confirmation: conf, Order: order}, nil
}

func (r *Resolver) strip(u *url.URL) (*url.URL, bool) {
	query := u.Query()
	changed := false
	for key := range query {
		if key == r.params.ResponseCode || key == r.params.Transaction ||
			(r.params.Prefix != "" && strings.HasPrefix(key, r.params.Prefix)) {
			query.Del(key)
			changed = true
		}
	}
	if !changed {
		return u, false
	}
	cleaned := *u
	cleaned.RawQuery = query.Encode()
	return &cleaned, true
}

// Dispatcher is the part of the state machine an Intent is applied to.
type Dispatcher interface {
	State() statemachine.ViewState
	PayRequested() error
	PaySucceeded(order *models.Order) error
	PayFailed(message string) error
	Notify(level statemachine.Level, message string) error
}

// Apply emits the events for i into m, which must hold the loaded order.
func (i Intent) Apply(m Dispatcher) error {
	switch i.Kind {
	case Confirmed:
		if s := m.State(); s.Order != nil && s.Order.IsPaid {
			return m.Notify(statemachine.LevelSuccess, "Payment successful")
		}
		if err := m.PayRequested(); err != nil {
			return err
		}
		return m.PaySucceeded(i.Order)
	case Declined:
		return m.Notify(statemachine.LevelError, fmt.Sprintf("Payment was not completed (code %s)", i.Code))
	case Failed:
		msg := "Payment could not be confirmed: " + repositoryMessage(i.Err)
		if s := m.State(); s.Phase == statemachine.Loaded && s.Order != nil && !s.Order.IsPaid {
			if err := m.PayRequested(); err != nil {
				return err
			}
			return m.PayFailed(msg)
		}
		return m.Notify(statemachine.LevelError, msg)
	default:
		return nil
	}
}

func repositoryMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	return repository.UserMessage(err)
}

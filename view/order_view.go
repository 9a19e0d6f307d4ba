// Package view runs one activation of the order view: it loads the order,
// resolves a redirect payment return, prepares the embedded gateway and
// drives payments, feeding every result into the view's state machine.
package view

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"order-payment/database"
	"order-payment/gateway"
	"order-payment/middlewares"
	"order-payment/models"
	"order-payment/navigation"
	"order-payment/repository"
	"order-payment/resolver"
	"order-payment/session"
	"order-payment/statemachine"
)

var ErrNotPayable = errors.New("order is not awaiting payment")

type Orders interface {
	Fetch(ctx context.Context, orderID string, s *session.Session) (*models.Order, error)
	MarkPaid(ctx context.Context, orderID string, conf models.PaymentConfirmation, s *session.Session) (*models.Order, error)
}

type Events interface {
	PublishPaymentEvent(ctx context.Context, event models.PaymentEvent, priority int) error
	PublishDelayedEvent(ctx context.Context, event models.PaymentEvent, delay time.Duration) error
}

type Options struct {
	Orders   Orders
	Embedded gateway.Gateway
	Redirect gateway.Gateway
	Nav      navigation.Navigator
	Params   resolver.Params
	// Ledger and Events are optional.
	Ledger             database.Ledger
	Events             Events
	RedirectCheckDelay time.Duration
}

// Snapshot is what the presentation layer renders after a view operation.
type Snapshot struct {
	OrderID string `json:"orderId"`
	statemachine.ViewState
	Notices []statemachine.Notice `json:"notices,omitempty"`
	Payment *gateway.Handle       `json:"payment,omitempty"`
	URL     string                `json:"url"`
}

type OrderView struct {
	orderID  string
	session  *session.Session
	machine  *statemachine.Machine
	orders   Orders
	embedded gateway.Gateway
	redirect gateway.Gateway
	resolver *resolver.Resolver
	nav      navigation.Navigator
	ledger   database.Ledger
	events   Events
	delay    time.Duration

	mu     sync.Mutex
	handle *gateway.Handle
}

func New(orderID string, s *session.Session, opts Options) *OrderView {
	orders := instrumentedOrders{Orders: opts.Orders}
	return &OrderView{
		orderID:  orderID,
		session:  s,
		machine:  statemachine.New(orderID),
		orders:   orders,
		embedded: opts.Embedded,
		redirect: opts.Redirect,
		resolver: resolver.New(opts.Params, orders, opts.Nav),
		nav:      opts.Nav,
		ledger:   opts.Ledger,
		events:   opts.Events,
		delay:    opts.RedirectCheckDelay,
	}
}

// Activate loads the order and, at the same time, resolves any redirect
// return in the current location. Embedded payment is prepared only after
// both finished. Unauthorized errors are returned; every other failure
// ends up in the view state.
func (v *OrderView) Activate(ctx context.Context) error {
	if err := v.Load(ctx); err != nil {
		return err
	}
	return v.initEmbedded(ctx)
}

// Load is Activate without preparing embedded payment. The capture
// callback uses it: the provider already holds the money and needs no
// credential.
func (v *OrderView) Load(ctx context.Context) error {
	if err := v.session.Valid(); err != nil {
		return err
	}
	if err := v.machine.FetchRequested(); err != nil {
		return err
	}

	var (
		order    *models.Order
		fetchErr error
		intent   resolver.Intent
	)
	var g errgroup.Group
	g.Go(func() error {
		order, fetchErr = v.orders.Fetch(ctx, v.orderID, v.session)
		return nil
	})
	g.Go(func() error {
		var err error
		intent, err = v.resolver.Resolve(ctx, v.orderID, v.session)
		return err
	})
	resolveErr := g.Wait()

	if err := ctx.Err(); err != nil {
		v.Deactivate()
		return err
	}
	if errors.Is(fetchErr, repository.ErrUnauthorized) || errors.Is(intent.Err, repository.ErrUnauthorized) {
		v.Deactivate()
		return fmt.Errorf("order %s: %w", v.orderID, repository.ErrUnauthorized)
	}

	if fetchErr != nil && intent.Kind == resolver.Confirmed && intent.Order != nil {
		log.Printf("Failed to fetch order %s, using reconciled copy: %v", v.orderID, fetchErr)
		order, fetchErr = intent.Order, nil
	}
	if err := v.applyFetch(order, fetchErr); err != nil {
		return err
	}
	if resolveErr != nil {
		return resolveErr
	}

	if intent.Kind == resolver.Confirmed {
		v.recordConfirmation(ctx, intent.Confirmation)
	}
	if v.machine.State().Phase == statemachine.Loaded {
		if err := intent.Apply(v.machine); err != nil {
			return err
		}
	} else if intent.Kind != resolver.None {
		log.Printf("Redirect return for order %s resolved as %s while the order is not loaded", v.orderID, intent.Kind)
	}
	return nil
}

func (v *OrderView) applyFetch(order *models.Order, fetchErr error) error {
	middlewares.RecordOrderOperation("fetch", fetchErr == nil)
	if fetchErr != nil {
		return v.machine.FetchFailed(repository.UserMessage(fetchErr))
	}
	if err := v.machine.FetchSucceeded(order); err != nil {
		if errors.Is(err, statemachine.ErrClosed) {
			return err
		}
		log.Printf("Rejected order %s: %v", v.orderID, err)
		return v.machine.FetchFailed(err.Error())
	}
	return nil
}

func (v *OrderView) initEmbedded(ctx context.Context) error {
	s := v.machine.State()
	if v.embedded == nil || s.Phase != statemachine.Loaded || s.Order.IsPaid {
		return nil
	}
	handle, err := v.embedded.Initiate(ctx, s.Order, v.session)
	if err != nil {
		if ctx.Err() != nil {
			v.Deactivate()
			return ctx.Err()
		}
		if errors.Is(err, repository.ErrUnauthorized) {
			return err
		}
		log.Printf("Failed to prepare embedded payment for order %s: %v", v.orderID, err)
		return v.machine.Notify(statemachine.LevelError, "Payment provider unavailable: "+repository.UserMessage(err))
	}

	v.mu.Lock()
	v.handle = handle
	v.mu.Unlock()
	return nil
}

// PayEmbedded handles the embedded provider's capture callback. The view
// must have been loaded; a prepared payment handle is not required.
func (v *OrderView) PayEmbedded(ctx context.Context, result gateway.ProviderResult) error {
	if v.embedded == nil {
		return ErrNotPayable
	}
	v.mu.Lock()
	handle := v.handle
	v.mu.Unlock()
	if handle == nil {
		handle = &gateway.Handle{Provider: v.embedded.Provider(), OrderID: v.orderID}
	}
	if err := v.machine.PayRequested(); err != nil {
		return fmt.Errorf("%w: %v", ErrNotPayable, err)
	}

	conf, err := v.embedded.Confirm(ctx, handle, result)
	if err != nil {
		middlewares.RecordOrderOperation("embedded_capture", false)
		return v.machine.PayFailed(err.Error())
	}

	updated, err := v.orders.MarkPaid(ctx, v.orderID, *conf, v.session)
	if ctxErr := ctx.Err(); ctxErr != nil {
		v.Deactivate()
		return ctxErr
	}
	if err != nil {
		if errors.Is(err, repository.ErrUnauthorized) {
			v.Deactivate()
			return err
		}
		return v.machine.PayFailed(repository.UserMessage(err))
	}
	middlewares.RecordOrderOperation("embedded_capture", true)
	v.recordConfirmation(ctx, conf)

	if err := v.machine.PaySucceeded(updated); err != nil {
		return err
	}
	if err := v.machine.PayReset(); err != nil {
		return err
	}
	return v.refetch(ctx)
}

func (v *OrderView) refetch(ctx context.Context) error {
	if err := v.machine.FetchRequested(); err != nil {
		return err
	}
	order, err := v.orders.Fetch(ctx, v.orderID, v.session)
	if ctxErr := ctx.Err(); ctxErr != nil {
		v.Deactivate()
		return ctxErr
	}
	return v.applyFetch(order, err)
}

// StartRedirect requests a provider-hosted payment page and navigates to
// it. The view does nothing else afterwards.
func (v *OrderView) StartRedirect(ctx context.Context) (*gateway.Handle, error) {
	s := v.machine.State()
	if v.redirect == nil || s.Phase != statemachine.Loaded || s.Order.IsPaid {
		return nil, ErrNotPayable
	}

	handle, err := v.redirect.Initiate(ctx, s.Order, v.session)
	middlewares.RecordOrderOperation("redirect_start", err == nil)
	if err != nil {
		log.Printf("Error fetching redirect payment URL for order %s: %v", v.orderID, err)
		if errors.Is(err, repository.ErrUnauthorized) {
			return nil, err
		}
		_ = v.machine.Notify(statemachine.LevelError, "Could not start payment: "+repository.UserMessage(err))
		return nil, err
	}

	if v.events != nil {
		event := models.PaymentEvent{
			OrderID:  v.orderID,
			Type:     models.EventRedirectCheck,
			Provider: models.ProviderRedirect,
			Occurred: time.Now().UTC(),
		}
		if err := v.events.PublishDelayedEvent(ctx, event, v.delay); err != nil {
			log.Printf("Failed to publish redirect check for order %s: %v", v.orderID, err)
		}
	}
	return handle, nil
}

// recordConfirmation fires the once-per-transaction side effects.
func (v *OrderView) recordConfirmation(ctx context.Context, conf *models.PaymentConfirmation) {
	if conf == nil || v.ledger == nil {
		return
	}
	first, err := v.ledger.Record(ctx, v.orderID, *conf)
	if err != nil {
		log.Printf("Failed to record confirmation %s for order %s: %v", conf.ExternalTransactionID, v.orderID, err)
		return
	}
	if !first || v.events == nil {
		return
	}
	event := models.PaymentEvent{
		OrderID:       v.orderID,
		Type:          models.EventReconciled,
		Provider:      conf.Provider,
		TransactionID: conf.ExternalTransactionID,
		Occurred:      conf.UpdateTime,
	}
	if err := v.events.PublishPaymentEvent(ctx, event, 5); err != nil {
		log.Printf("Failed to publish payment event for order %s: %v", v.orderID, err)
	}
}

// Deactivate tears the view down; results still in flight are dropped.
func (v *OrderView) Deactivate() {
	v.machine.Close()
}

func (v *OrderView) State() statemachine.ViewState {
	return v.machine.State()
}

// Render snapshots the view and consumes its pending notices.
func (v *OrderView) Render() Snapshot {
	v.mu.Lock()
	handle := v.handle
	v.mu.Unlock()

	snap := Snapshot{
		OrderID:   v.orderID,
		ViewState: v.machine.State(),
		Notices:   v.machine.DrainNotices(),
		URL:       v.nav.Current().String(),
	}
	if handle != nil && snap.Order != nil && !snap.Order.IsPaid {
		snap.Payment = handle
	}
	return snap
}

type instrumentedOrders struct {
	Orders
}

func (o instrumentedOrders) MarkPaid(ctx context.Context, orderID string, conf models.PaymentConfirmation, s *session.Session) (*models.Order, error) {
	started := time.Now()
	order, err := o.Orders.MarkPaid(ctx, orderID, conf, s)
	middlewares.ObserveReconcile(string(conf.Provider), started, err == nil)
	middlewares.RecordOrderOperation("mark_paid", err == nil)
	return order, err
}

// Package statemachine holds the order view state. Every change goes
// through a named event; an event that is not valid in the current phase
// is rejected with ErrIllegalTransition and leaves the state untouched.
package statemachine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"order-payment/models"
)

var (
	ErrIllegalTransition = errors.New("illegal transition")
	ErrStaleOrder        = errors.New("stale order")
	ErrPriceInvariant    = errors.New("order price invariant violated")
	ErrClosed            = errors.New("order view closed")
)

const paySuccessMessage = "Payment successful"

// Machine owns the ViewState of one order view activation. It is safe to
// dispatch from several goroutines; events are applied one at a time.
type Machine struct {
	mu      sync.Mutex
	orderID string
	state   ViewState
	notices []Notice
	closed  bool
	now     func() time.Time

	// paidAt is set once the order has been observed paid.
	paidAt *time.Time
}

func New(orderID string) *Machine {
	return &Machine{orderID: orderID, now: time.Now}
}

// State returns a snapshot of the current view state.
func (m *Machine) State() ViewState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state
	s.Order = s.Order.Clone()
	return s
}

// DrainNotices returns pending notices and forgets them.
func (m *Machine) DrainNotices() []Notice {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.notices
	m.notices = nil
	return n
}

// Close tears the machine down. Later events return ErrClosed.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *Machine) FetchRequested() error {
	return m.apply("fetchRequested", func() error {
		m.state.Phase = Loading
		m.state.Error = ""
		return nil
	})
}

func (m *Machine) FetchSucceeded(order *models.Order) error {
	return m.apply("fetchSucceeded", func() error {
		if m.state.Phase != Loading {
			return m.illegal("fetchSucceeded")
		}
		o, err := m.accept(order)
		if err != nil {
			return err
		}
		if o.IsPaid {
			m.markPaid(o.PaidAt)
		} else if m.paidAt != nil {
			o.IsPaid = true
			o.PaidAt = copyTime(m.paidAt)
		}
		m.state.Order = o
		m.state.Phase = Loaded
		m.state.Error = ""
		return nil
	})
}

func (m *Machine) FetchFailed(message string) error {
	return m.apply("fetchFailed", func() error {
		if m.state.Phase != Loading {
			return m.illegal("fetchFailed")
		}
		m.state.Phase = FetchFailed
		m.state.Error = message
		return nil
	})
}

func (m *Machine) PayRequested() error {
	return m.apply("payRequested", func() error {
		if m.state.Phase != Loaded || m.state.Order == nil || m.state.Order.IsPaid {
			return m.illegal("payRequested")
		}
		m.state.Phase = PayPending
		m.state.Outcome = PayNone
		m.state.Error = ""
		return nil
	})
}

// PaySucceeded marks the held order paid. Only the paid flag and paid
// timestamp are taken from updated; everything else stays as fetched.
func (m *Machine) PaySucceeded(updated *models.Order) error {
	return m.apply("paySucceeded", func() error {
		if m.state.Phase != PayPending {
			return m.illegal("paySucceeded")
		}
		if updated == nil {
			return fmt.Errorf("%w: paySucceeded without an order", ErrIllegalTransition)
		}
		if updated.ID != m.orderID {
			return fmt.Errorf("%w: got %q, view is %q", ErrStaleOrder, updated.ID, m.orderID)
		}
		paidAt := updated.PaidAt
		if !updated.IsPaid || paidAt == nil {
			now := m.now()
			paidAt = &now
		}
		m.markPaid(paidAt)

		o := m.state.Order.Clone()
		o.IsPaid = true
		o.PaidAt = copyTime(m.paidAt)
		m.state.Order = o
		m.state.Phase = Loaded
		m.state.Outcome = PaySucceeded
		m.state.Error = ""
		m.notices = append(m.notices, Notice{Level: LevelSuccess, Message: paySuccessMessage})
		return nil
	})
}

func (m *Machine) PayFailed(message string) error {
	return m.apply("payFailed", func() error {
		if m.state.Phase != PayPending {
			return m.illegal("payFailed")
		}
		m.state.Phase = Loaded
		m.state.Outcome = PayFailed
		m.state.Error = message
		m.notices = append(m.notices, Notice{Level: LevelError, Message: message})
		return nil
	})
}

// PayReset lets the view present payment options again. It does not
// refetch and does not touch the order.
func (m *Machine) PayReset() error {
	return m.apply("payReset", func() error {
		if m.state.Phase != Loaded {
			return m.illegal("payReset")
		}
		m.state.Outcome = PayNone
		m.state.Error = ""
		return nil
	})
}

// Notify queues a notice without changing the state.
func (m *Machine) Notify(level Level, message string) error {
	return m.apply("notify", func() error {
		m.notices = append(m.notices, Notice{Level: level, Message: message})
		return nil
	})
}

func (m *Machine) apply(event string, fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("%w: %s dropped", ErrClosed, event)
	}
	return fn()
}

func (m *Machine) illegal(event string) error {
	return fmt.Errorf("%w: %s in phase %s", ErrIllegalTransition, event, m.state.Phase)
}

func (m *Machine) accept(order *models.Order) (*models.Order, error) {
	if order == nil {
		return nil, fmt.Errorf("%w: fetchSucceeded without an order", ErrIllegalTransition)
	}
	if order.ID != m.orderID {
		return nil, fmt.Errorf("%w: got %q, view is %q", ErrStaleOrder, order.ID, m.orderID)
	}
	if err := order.CheckTotals(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPriceInvariant, err)
	}
	return order.Clone(), nil
}

func (m *Machine) markPaid(at *time.Time) {
	if m.paidAt != nil {
		return
	}
	if at == nil {
		now := m.now()
		at = &now
	}
	m.paidAt = copyTime(at)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

package statemachine

import (
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-payment/models"
)

func unpaid(id string) *models.Order {
	return &models.Order{
		ID:            id,
		ItemsPrice:    decimal.NewFromInt(80),
		ShippingPrice: decimal.NewFromInt(10),
		TaxPrice:      decimal.NewFromInt(10),
		TotalPrice:    decimal.NewFromInt(100),
	}
}

func paid(id string) *models.Order {
	o := unpaid(id)
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	o.IsPaid = true
	o.PaidAt = &at
	return o
}

func loaded(t *testing.T, o *models.Order) *Machine {
	t.Helper()
	m := New(o.ID)
	require.NoError(t, m.FetchRequested())
	require.NoError(t, m.FetchSucceeded(o))
	return m
}

func TestFetch_Success(t *testing.T) {
	m := New("X")
	assert.Equal(t, Idle, m.State().Phase)

	require.NoError(t, m.FetchRequested())
	assert.Equal(t, Loading, m.State().Phase)

	require.NoError(t, m.FetchSucceeded(unpaid("X")))
	s := m.State()
	assert.Equal(t, Loaded, s.Phase)
	assert.Equal(t, "X", s.Order.ID)
	assert.Empty(t, s.Error)
}

// Scenario C
func TestFetch_FailurePreservesMessage(t *testing.T) {
	m := New("X")
	require.NoError(t, m.FetchRequested())
	require.NoError(t, m.FetchFailed("network timeout"))

	s := m.State()
	assert.Equal(t, FetchFailed, s.Phase)
	assert.Equal(t, "network timeout", s.Error)
}

func TestFetchRequested_ClearsError(t *testing.T) {
	m := New("X")
	require.NoError(t, m.FetchRequested())
	require.NoError(t, m.FetchFailed("boom"))
	require.NoError(t, m.FetchRequested())

	s := m.State()
	assert.Equal(t, Loading, s.Phase)
	assert.Empty(t, s.Error)
}

func TestFetchSucceeded_RejectsStaleOrder(t *testing.T) {
	m := New("X")
	require.NoError(t, m.FetchRequested())

	err := m.FetchSucceeded(unpaid("Y"))

	assert.ErrorIs(t, err, ErrStaleOrder)
	assert.Equal(t, Loading, m.State().Phase)
	assert.Nil(t, m.State().Order)
}

func TestFetchSucceeded_RejectsBrokenTotals(t *testing.T) {
	m := New("X")
	require.NoError(t, m.FetchRequested())
	o := unpaid("X")
	o.TotalPrice = decimal.NewFromInt(99)

	err := m.FetchSucceeded(o)

	assert.ErrorIs(t, err, ErrPriceInvariant)
	assert.Equal(t, Loading, m.State().Phase)
}

func TestFetchSucceeded_OnlyWhileLoading(t *testing.T) {
	m := New("X")
	assert.ErrorIs(t, m.FetchSucceeded(unpaid("X")), ErrIllegalTransition)
	assert.ErrorIs(t, m.FetchFailed("x"), ErrIllegalTransition)
}

func TestPay_Success(t *testing.T) {
	m := loaded(t, unpaid("X"))

	require.NoError(t, m.PayRequested())
	assert.Equal(t, PayPending, m.State().Phase)

	require.NoError(t, m.PaySucceeded(paid("X")))
	s := m.State()
	assert.Equal(t, Loaded, s.Phase)
	assert.Equal(t, PaySucceeded, s.Outcome)
	assert.True(t, s.Order.IsPaid)
	require.NotNil(t, s.Order.PaidAt)
	assert.Equal(t, []Notice{{Level: LevelSuccess, Message: paySuccessMessage}}, m.DrainNotices())

	require.NoError(t, m.PayReset())
	s = m.State()
	assert.Equal(t, PayNone, s.Outcome)
	assert.True(t, s.Order.IsPaid)
}

func TestPaySucceeded_OnlyTouchesPaidFlag(t *testing.T) {
	m := loaded(t, unpaid("X"))
	require.NoError(t, m.PayRequested())
	updated := paid("X")
	updated.IsDelivered = true
	updated.ShippingAddress.City = "elsewhere"

	require.NoError(t, m.PaySucceeded(updated))

	s := m.State()
	assert.True(t, s.Order.IsPaid)
	assert.False(t, s.Order.IsDelivered)
	assert.Empty(t, s.Order.ShippingAddress.City)
}

func TestPaySucceeded_UnpaidResponseStillMarksPaid(t *testing.T) {
	m := loaded(t, unpaid("X"))
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return at }
	require.NoError(t, m.PayRequested())

	require.NoError(t, m.PaySucceeded(unpaid("X")))

	s := m.State()
	assert.True(t, s.Order.IsPaid)
	assert.Equal(t, at, *s.Order.PaidAt)
}

func TestPaySucceeded_RejectsStaleOrder(t *testing.T) {
	m := loaded(t, unpaid("X"))
	require.NoError(t, m.PayRequested())

	assert.ErrorIs(t, m.PaySucceeded(paid("Y")), ErrStaleOrder)
	assert.Equal(t, PayPending, m.State().Phase)
}

// Scenario D
func TestPay_FailureKeepsOrderUnpaid(t *testing.T) {
	m := loaded(t, unpaid("X"))
	require.NoError(t, m.PayRequested())

	require.NoError(t, m.PayFailed("provider declined"))

	s := m.State()
	assert.Equal(t, Loaded, s.Phase)
	assert.Equal(t, PayFailed, s.Outcome)
	assert.False(t, s.Order.IsPaid)
	assert.Equal(t, "provider declined", s.Error)
	assert.Equal(t, []Notice{{Level: LevelError, Message: "provider declined"}}, m.DrainNotices())
	assert.Empty(t, m.DrainNotices())

	require.NoError(t, m.PayReset())
	assert.Empty(t, m.State().Error)
	require.NoError(t, m.PayRequested())
}

func TestPayRequested_Guards(t *testing.T) {
	assert.ErrorIs(t, New("X").PayRequested(), ErrIllegalTransition)

	m := loaded(t, paid("X"))
	assert.ErrorIs(t, m.PayRequested(), ErrIllegalTransition)

	m = loaded(t, unpaid("X"))
	require.NoError(t, m.PayRequested())
	assert.ErrorIs(t, m.PayRequested(), ErrIllegalTransition)
}

func TestPayEvents_OutsidePending(t *testing.T) {
	m := loaded(t, unpaid("X"))

	assert.ErrorIs(t, m.PaySucceeded(paid("X")), ErrIllegalTransition)
	assert.ErrorIs(t, m.PayFailed("x"), ErrIllegalTransition)
	assert.False(t, m.State().Order.IsPaid)

	require.NoError(t, m.PayRequested())
	assert.ErrorIs(t, m.PayReset(), ErrIllegalTransition)
}

func TestRefetchAfterPayment_NeverUnpays(t *testing.T) {
	m := loaded(t, unpaid("X"))
	require.NoError(t, m.PayRequested())
	require.NoError(t, m.PaySucceeded(paid("X")))
	require.NoError(t, m.FetchRequested())

	// A lagging replica still returns the order unpaid.
	require.NoError(t, m.FetchSucceeded(unpaid("X")))

	s := m.State()
	assert.True(t, s.Order.IsPaid)
	assert.NotNil(t, s.Order.PaidAt)
}

func TestClose_DiscardsEvents(t *testing.T) {
	m := New("X")
	require.NoError(t, m.FetchRequested())
	m.Close()

	assert.ErrorIs(t, m.FetchSucceeded(unpaid("X")), ErrClosed)
	assert.ErrorIs(t, m.Notify(LevelError, "x"), ErrClosed)
	assert.Equal(t, Loading, m.State().Phase)
}

func TestState_ReturnsCopy(t *testing.T) {
	m := loaded(t, unpaid("X"))

	s := m.State()
	s.Order.IsPaid = true

	assert.False(t, m.State().Order.IsPaid)
}

func TestMonotonicPaidFlag_RandomEvents(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	events := []func(m *Machine){
		func(m *Machine) { _ = m.FetchRequested() },
		func(m *Machine) { _ = m.FetchSucceeded(unpaid("X")) },
		func(m *Machine) { _ = m.FetchSucceeded(paid("X")) },
		func(m *Machine) { _ = m.FetchSucceeded(unpaid("Y")) },
		func(m *Machine) { _ = m.FetchFailed("timeout") },
		func(m *Machine) { _ = m.PayRequested() },
		func(m *Machine) { _ = m.PaySucceeded(paid("X")) },
		func(m *Machine) { _ = m.PaySucceeded(unpaid("X")) },
		func(m *Machine) { _ = m.PayFailed("declined") },
		func(m *Machine) { _ = m.PayReset() },
	}

	for run := 0; run < 200; run++ {
		m := New("X")
		seenPaid := false
		for step := 0; step < 50; step++ {
			events[rng.Intn(len(events))](m)
			s := m.State()
			if s.Order == nil {
				continue
			}
			require.NoError(t, s.Order.CheckTotals())
			if seenPaid {
				require.True(t, s.Order.IsPaid, "run %d step %d", run, step)
			}
			seenPaid = seenPaid || s.Order.IsPaid
		}
	}
}

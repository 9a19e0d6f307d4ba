package consumers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-payment/database"
	"order-payment/models"
)

type fakeAcknowledger struct {
	acked, nacked int
	requeued      bool
}

func (f *fakeAcknowledger) Ack(uint64, bool) error { f.acked++; return nil }

func (f *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacked++
	f.requeued = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(uint64, bool) error { return nil }

type failingLedger struct{ database.Ledger }

func (failingLedger) HasConfirmation(context.Context, string) (bool, error) {
	return false, errors.New("db down")
}

func delivery(t *testing.T, ack amqp.Acknowledger, event interface{}) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(event)
	require.NoError(t, err)
	return amqp.Delivery{Acknowledger: ack, Body: body}
}

func TestProcess_ReconciledIsAcked(t *testing.T) {
	ack := &fakeAcknowledger{}
	p := &PaymentProcessor{Ledger: database.NewMemoryLedger()}

	p.processPaymentMessage(delivery(t, ack, models.PaymentEvent{OrderID: "X", Type: models.EventReconciled, TransactionID: "T1"}))

	assert.Equal(t, 1, ack.acked)
	assert.Zero(t, ack.nacked)
}

func TestProcess_RedirectCheck(t *testing.T) {
	ledger := database.NewMemoryLedger()
	_, err := ledger.Record(context.Background(), "PAID", models.PaymentConfirmation{Provider: models.ProviderRedirect, ExternalTransactionID: "T1"})
	require.NoError(t, err)
	p := &PaymentProcessor{Ledger: ledger, Timeout: time.Second}

	for _, id := range []string{"PAID", "ABANDONED"} {
		ack := &fakeAcknowledger{}
		p.processPaymentMessage(delivery(t, ack, models.PaymentEvent{OrderID: id, Type: models.EventRedirectCheck, Occurred: time.Now()}))
		assert.Equal(t, 1, ack.acked, id)
	}
}

func TestProcess_LedgerFailureDeadLetters(t *testing.T) {
	ack := &fakeAcknowledger{}
	p := &PaymentProcessor{Ledger: failingLedger{}}

	p.processPaymentMessage(delivery(t, ack, models.PaymentEvent{OrderID: "X", Type: models.EventRedirectCheck}))

	assert.Equal(t, 1, ack.nacked)
	assert.False(t, ack.requeued)
}

func TestProcess_InvalidMessage(t *testing.T) {
	p := &PaymentProcessor{Ledger: database.NewMemoryLedger()}

	ack := &fakeAcknowledger{}
	p.processPaymentMessage(amqp.Delivery{Acknowledger: ack, Body: []byte("42|created")})
	assert.Equal(t, 1, ack.nacked)

	ack = &fakeAcknowledger{}
	p.processPaymentMessage(delivery(t, ack, models.PaymentEvent{Type: models.EventReconciled}))
	assert.Equal(t, 1, ack.nacked)
}

func TestProcess_UnknownTypeIsAcked(t *testing.T) {
	ack := &fakeAcknowledger{}
	p := &PaymentProcessor{Ledger: database.NewMemoryLedger()}

	p.processPaymentMessage(delivery(t, ack, models.PaymentEvent{OrderID: "X", Type: "shipped"}))

	assert.Equal(t, 1, ack.acked)
}

func TestProcessDeadLetter(t *testing.T) {
	ack := &fakeAcknowledger{}
	processDeadLetterMessage(amqp.Delivery{Acknowledger: ack, Body: []byte("x")})
	assert.Equal(t, 1, ack.acked)
}

package consumers

import (
	"context"
	"encoding/json"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"order-payment/config"
	"order-payment/database"
	"order-payment/middlewares"
	"order-payment/models"
)

type PaymentProcessor struct {
	Ledger  database.Ledger
	Timeout time.Duration
}

func StartPaymentConsumer(ch *amqp.Channel, cfg *config.Config, p *PaymentProcessor) error {
	msgs, err := ch.Consume(
		cfg.PaymentQueue,
		"order-payment", // consumer tag
		false,           // auto-ack
		false,           // exclusive
		false,           // no-local
		false,           // no-wait
		nil,
	)
	if err != nil {
		return err
	}

	go func() {
		for msg := range msgs {
			p.processPaymentMessage(msg)
		}
	}()

	dlqMsgs, err := ch.Consume(
		cfg.DeadLetterQueue,
		"order-payment-dlq", // consumer tag
		false,               // auto-ack
		false,               // exclusive
		false,               // no-local
		false,               // no-wait
		nil,
	)
	if err != nil {
		log.Printf("Failed to register DLQ consumer: %v", err)
		return nil
	}

	go func() {
		for msg := range dlqMsgs {
			processDeadLetterMessage(msg)
		}
	}()
	return nil
}

func (p *PaymentProcessor) processPaymentMessage(msg amqp.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic in message processing: %v", r)
			if err := msg.Nack(false, false); err != nil {
				log.Printf("Failed to nack message: %v", err)
			}
		}
	}()

	var event models.PaymentEvent
	if err := json.Unmarshal(msg.Body, &event); err != nil || event.OrderID == "" {
		log.Printf("Invalid message format: %s", msg.Body)
		if err := msg.Nack(false, false); err != nil {
			log.Printf("Failed to nack message: %v", err)
		}
		return
	}

	log.Printf("Processing payment event: order=%s type=%s", event.OrderID, event.Type)

	var err error
	switch event.Type {
	case models.EventReconciled:
		handleReconciled(event)
	case models.EventRedirectCheck:
		err = p.handleRedirectCheck(event)
	default:
		log.Printf("Unknown event type: %s", event.Type)
	}

	if err != nil {
		log.Printf("Failed to process %s for order %s: %v", event.Type, event.OrderID, err)
		if err := msg.Nack(false, false); err != nil {
			log.Printf("Failed to nack message: %v", err)
		}
		return
	}
	if err := msg.Ack(false); err != nil {
		log.Printf("Failed to ack message: %v", err)
	}
}

func processDeadLetterMessage(msg amqp.Delivery) {
	log.Printf("Received dead letter: %s", msg.Body)
	if err := msg.Ack(false); err != nil {
		log.Printf("Failed to ack dead letter: %v", err)
	}
}

func handleReconciled(event models.PaymentEvent) {
	log.Printf("Order %s paid via %s gateway, transaction %s", event.OrderID, event.Provider, event.TransactionID)
	middlewares.RecordOrderOperation("payment_event", true)
}

// handleRedirectCheck runs after the redirect check delay. A redirect
// payment that never came back leaves no confirmation in the ledger.
func (p *PaymentProcessor) handleRedirectCheck(event models.PaymentEvent) error {
	ctx := context.Background()
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	confirmed, err := p.Ledger.HasConfirmation(ctx, event.OrderID)
	if err != nil {
		return err
	}
	if !confirmed {
		log.Printf("Redirect payment for order %s started at %s has not returned", event.OrderID, event.Occurred.Format(time.RFC3339))
	}
	middlewares.RecordOrderOperation("redirect_check", confirmed)
	return nil
}

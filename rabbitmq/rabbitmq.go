package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"order-payment/config"
	"order-payment/models"
)

// ErrNoDelayedExchange is returned for delayed events when the broker lacks
// the delayed message plugin.
var ErrNoDelayedExchange = errors.New("delayed exchange not available")

type RabbitMQ struct {
	Conn    *amqp.Connection
	Channel *amqp.Channel
	Cfg     *config.Config

	mu sync.Mutex
	// delayed is set once SetupQueues declared the delayed exchange.
	delayed bool
}

func NewRabbitMQ(cfg *config.Config) (*RabbitMQ, error) {
	conn, err := amqp.Dial(cfg.RabbitMQURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			log.Printf("Failed to close RabbitMQ connection: %v", closeErr)
		}
		return nil, err
	}

	return &RabbitMQ{
		Conn:    conn,
		Channel: ch,
		Cfg:     cfg,
	}, nil
}

func (r *RabbitMQ) SetupQueues() error {
	// dead letter exchange and queue
	if err := r.Channel.ExchangeDeclare(
		r.Cfg.DeadLetterQueue+"_exchange",
		"direct",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return err
	}

	_, err := r.Channel.QueueDeclare(
		r.Cfg.DeadLetterQueue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-queue-type": "classic",
		},
	)
	if err != nil {
		return err
	}

	if err := r.Channel.QueueBind(
		r.Cfg.DeadLetterQueue,
		"",
		r.Cfg.DeadLetterQueue+"_exchange",
		false,
		nil,
	); err != nil {
		return err
	}

	if err := r.Channel.ExchangeDeclare(
		r.Cfg.PaymentExchange,
		"fanout",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return err
	}

	// needs the rabbitmq_delayed_message_exchange plugin
	delayed := true
	if err := r.Channel.ExchangeDeclare(
		r.Cfg.DelayExchange,
		"x-delayed-message",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		amqp.Table{"x-delayed-type": "fanout"},
	); err != nil {
		log.Printf("Warning: Delayed exchange not supported: %v", err)
		delayed = false
		// a failed declare closes the channel
		if r.Channel, err = r.Conn.Channel(); err != nil {
			return err
		}
	}

	_, err = r.Channel.QueueDeclare(
		r.Cfg.PaymentQueue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-max-priority":            r.Cfg.MaxPriority,
			"x-dead-letter-exchange":    r.Cfg.DeadLetterQueue + "_exchange",
			"x-dead-letter-routing-key": r.Cfg.DeadLetterQueue,
		},
	)
	if err != nil {
		return err
	}

	if err := r.Channel.QueueBind(r.Cfg.PaymentQueue, "", r.Cfg.PaymentExchange, false, nil); err != nil {
		return err
	}
	if delayed {
		if err := r.Channel.QueueBind(r.Cfg.PaymentQueue, "", r.Cfg.DelayExchange, false, nil); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.delayed = delayed
	r.mu.Unlock()
	return nil
}

// PublishPaymentEvent publishes event to the payment exchange.
func (r *RabbitMQ) PublishPaymentEvent(ctx context.Context, event models.PaymentEvent, priority int) error {
	msg, err := newPublishing(event)
	if err != nil {
		return err
	}
	msg.Priority = uint8(priority)
	return r.publish(ctx, r.Cfg.PaymentExchange, msg)
}

// PublishDelayedEvent publishes event through the delayed exchange so it is
// delivered after delay. Without the exchange nothing is published and
// ErrNoDelayedExchange is returned.
func (r *RabbitMQ) PublishDelayedEvent(ctx context.Context, event models.PaymentEvent, delay time.Duration) error {
	r.mu.Lock()
	delayed := r.delayed
	r.mu.Unlock()
	if !delayed {
		return ErrNoDelayedExchange
	}

	msg, err := newPublishing(event)
	if err != nil {
		return err
	}
	msg.Headers = amqp.Table{
		"x-delay": delay.Milliseconds(),
	}
	return r.publish(ctx, r.Cfg.DelayExchange, msg)
}

func (r *RabbitMQ) publish(ctx context.Context, exchange string, msg amqp.Publishing) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Channel.PublishWithContext(ctx,
		exchange,
		"",
		false, // mandatory
		false, // immediate
		msg,
	)
}

func newPublishing(event models.PaymentEvent) (amqp.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.Occurred,
		ContentType:  "application/json",
		Type:         event.Type,
		Body:         body,
	}, nil
}

func (r *RabbitMQ) Close() {
	if r.Channel != nil {
		if err := r.Channel.Close(); err != nil {
			log.Printf("Failed to close RabbitMQ channel: %v", err)
		}
	}
	if r.Conn != nil {
		if err := r.Conn.Close(); err != nil {
			log.Printf("Failed to close RabbitMQ connection: %v", err)
		}
	}
}

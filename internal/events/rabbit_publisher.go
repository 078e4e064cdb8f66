// README: RabbitMQ notifier publishing ride transitions to a topic exchange.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"campusride/internal/modules/ride"
)

const DefaultExchange = "ride_topic"

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitPublisher implements ride.Notifier with routing keys ride.status.<status>.
type RabbitPublisher struct {
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string
	log      *zap.Logger
}

// DialRabbit connects and declares the durable topic exchange.
func DialRabbit(url, exchange string, log *zap.Logger) (*RabbitPublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	p := newRabbitPublisher(ch, exchange, log)
	p.conn = conn
	return p, nil
}

func newRabbitPublisher(ch amqpChannel, exchange string, log *zap.Logger) *RabbitPublisher {
	return &RabbitPublisher{ch: ch, exchange: exchange, log: log.Named("rabbit_publisher")}
}

func RoutingKey(to ride.Status) string {
	return "ride.status." + strings.ToLower(string(to))
}

func (p *RabbitPublisher) Notify(ctx context.Context, e ride.Event) {
	ce, err := NewCloudEvent(Source, RideStatusChanged, string(e.RideID), statusChanged(e))
	if err == nil {
		var body []byte
		if body, err = json.Marshal(ce); err == nil {
			err = p.ch.PublishWithContext(ctx, p.exchange, RoutingKey(e.To), false, false, amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    ce.ID,
				Timestamp:    ce.Time,
				Type:         ce.Type,
				Body:         body,
			})
		}
	}
	if err != nil {
		p.log.Error("publish ride event failed",
			zap.String("ride_id", e.RideID.String()),
			zap.String("routing_key", RoutingKey(e.To)),
			zap.Error(err),
		)
	}
}

func (p *RabbitPublisher) Close() error {
	if err := p.ch.Close(); err != nil {
		return fmt.Errorf("close rabbitmq channel: %w", err)
	}
	if p.conn != nil && !p.conn.IsClosed() {
		if err := p.conn.Close(); err != nil {
			return fmt.Errorf("close rabbitmq connection: %w", err)
		}
	}
	return nil
}

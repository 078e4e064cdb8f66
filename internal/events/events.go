// README: Notification backend selection: kafka, rabbitmq, both, or none.
package events

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"campusride/internal/config"
	"campusride/internal/modules/ride"
)

// Publisher is a ride.Notifier that owns a broker connection.
type Publisher interface {
	ride.Notifier
	Close() error
}

// Fanout forwards each event to every publisher.
type Fanout []Publisher

func (f Fanout) Notify(ctx context.Context, e ride.Event) {
	for _, p := range f {
		p.Notify(ctx, e)
	}
}

func (f Fanout) Close() error {
	var errs []error
	for _, p := range f {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewPublisher returns nil for the "none" backend.
func NewPublisher(cfg config.Config, log *zap.Logger) (Publisher, error) {
	switch cfg.Events.Backend {
	case "", "none":
		return nil, nil
	case "kafka":
		return NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.RideTopic, log), nil
	case "rabbitmq":
		return DialRabbit(cfg.Events.RabbitURL, cfg.Events.Exchange, log)
	case "both":
		rabbit, err := DialRabbit(cfg.Events.RabbitURL, cfg.Events.Exchange, log)
		if err != nil {
			return nil, err
		}
		return Fanout{NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.RideTopic, log), rabbit}, nil
	default:
		return nil, fmt.Errorf("unknown events backend %q", cfg.Events.Backend)
	}
}

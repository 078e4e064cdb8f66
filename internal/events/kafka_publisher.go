// README: Kafka notifier: one CloudEvent per ride transition, keyed by ride id.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"campusride/internal/modules/ride"
)

// StatusChanged is the data of a ride.status_changed event.
type StatusChanged struct {
	RideID    string     `json:"ride_id"`
	From      string     `json:"from"`
	To        string     `json:"to"`
	ActorType string     `json:"actor_type"`
	ActorID   string     `json:"actor_id,omitempty"`
	Ride      *ride.Ride `json:"ride,omitempty"`
	At        time.Time  `json:"at"`
}

func statusChanged(e ride.Event) StatusChanged {
	out := StatusChanged{
		RideID:    string(e.RideID),
		From:      string(e.From),
		To:        string(e.To),
		ActorType: e.ActorType,
		Ride:      e.Ride,
		At:        e.CreatedAt,
	}
	if e.ActorID != nil {
		out.ActorID = string(*e.ActorID)
	}
	return out
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher implements ride.Notifier. Publish failures are logged, never returned.
type KafkaPublisher struct {
	writer messageWriter
	log    *zap.Logger
}

// NewKafkaPublisher writes asynchronously so a slow broker never holds up a ride transition;
// delivery failures surface through the completion log.
func NewKafkaPublisher(brokers []string, topic string, log *zap.Logger) *KafkaPublisher {
	p := &KafkaPublisher{log: log.Named("kafka_publisher")}
	p.writer = &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
		Async:                  true,
		Completion:             p.delivered,
	}
	return p
}

func newKafkaPublisher(w messageWriter, log *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: w, log: log.Named("kafka_publisher")}
}

func (p *KafkaPublisher) Notify(ctx context.Context, e ride.Event) {
	if err := p.publish(ctx, e); err != nil {
		p.log.Error("publish ride event failed",
			zap.String("ride_id", e.RideID.String()),
			zap.String("to", string(e.To)),
			zap.Error(err),
		)
	}
}

// delivered runs once per async batch.
func (p *KafkaPublisher) delivered(msgs []kafka.Message, err error) {
	if err == nil {
		return
	}
	for _, m := range msgs {
		p.log.Error("deliver ride event failed",
			zap.String("ride_id", string(m.Key)),
			zap.String("topic", m.Topic),
			zap.Error(err),
		)
	}
}

func (p *KafkaPublisher) publish(ctx context.Context, e ride.Event) error {
	ce, err := NewCloudEvent(Source, RideStatusChanged, string(e.RideID), statusChanged(e))
	if err != nil {
		return err
	}
	value, err := json.Marshal(ce)
	if err != nil {
		return fmt.Errorf("encode cloud event: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.RideID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "ce_type", Value: []byte(RideStatusChanged)},
		},
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// README: Kafka consumer turning payment provider events into ride payment confirmations.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"campusride/internal/modules/ride"
	"campusride/internal/types"
)

// PaymentResult is the data of payment.succeeded and payment.failed events.
type PaymentResult struct {
	RideID     string  `json:"ride_id"`
	ExternalID string  `json:"external_id"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
	Reason     string  `json:"reason,omitempty"`
}

type PaymentConfirmer interface {
	ConfirmPayment(ctx context.Context, rideID types.ID, externalID string, succeeded bool) (*ride.Ride, error)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

const (
	confirmAttempts = 3
	confirmBackoff  = 200 * time.Millisecond
)

// PaymentConsumer listens to payment events and settles pending ride payments.
type PaymentConsumer struct {
	reader  messageReader
	rides   PaymentConfirmer
	log     *zap.Logger
	backoff time.Duration
}

func NewPaymentConsumer(brokers []string, groupID, topic string, rides PaymentConfirmer, log *zap.Logger) *PaymentConsumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return newPaymentConsumer(r, rides, log)
}

func newPaymentConsumer(r messageReader, rides PaymentConfirmer, log *zap.Logger) *PaymentConsumer {
	return &PaymentConsumer{reader: r, rides: rides, log: log.Named("payment_consumer"), backoff: confirmBackoff}
}

// Start consumes until ctx is cancelled. Every message is committed once handled, including
// the ones that could not be applied.
func (c *PaymentConsumer) Start(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch payment event: %w", err)
		}
		c.handleMessage(ctx, msg)
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.log.Error("commit payment event failed", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

func (c *PaymentConsumer) Close() error {
	return c.reader.Close()
}

func (c *PaymentConsumer) handleMessage(ctx context.Context, msg kafka.Message) {
	ce, err := ParseCloudEvent(msg.Value)
	if err != nil {
		c.log.Error("failed to parse cloud event from payment topic", zap.Error(err), zap.String("raw", string(msg.Value)))
		return
	}

	var succeeded bool
	switch ce.Type {
	case PaymentSucceeded:
		succeeded = true
	case PaymentFailed:
	default:
		c.log.Debug("ignoring unhandled payment event type", zap.String("type", ce.Type))
		return
	}

	var evt PaymentResult
	if err := ce.ParseData(&evt); err != nil || evt.RideID == "" || evt.ExternalID == "" {
		c.log.Error("malformed payment event data", zap.String("type", ce.Type), zap.Error(err))
		return
	}

	for attempt := 1; ; attempt++ {
		r, err := c.rides.ConfirmPayment(ctx, types.ID(evt.RideID), evt.ExternalID, succeeded)
		if err == nil {
			c.log.Info("payment confirmation applied",
				zap.String("ride_id", evt.RideID),
				zap.String("external_id", evt.ExternalID),
				zap.String("status", string(r.Status)),
			)
			return
		}
		if permanent(err) || attempt == confirmAttempts {
			c.log.Error("payment confirmation not applied",
				zap.String("ride_id", evt.RideID),
				zap.String("external_id", evt.ExternalID),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.backoff * time.Duration(attempt)):
		}
	}
}

func permanent(err error) bool {
	return errors.Is(err, types.ErrValidation) ||
		errors.Is(err, types.ErrNotFound) ||
		errors.Is(err, types.ErrInvalidTransition)
}

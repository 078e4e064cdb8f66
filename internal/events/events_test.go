package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"campusride/internal/config"
	"campusride/internal/modules/ride"
	"campusride/internal/types"
)

func acceptedEvent() ride.Event {
	driverID := types.ID("d1")
	r := &ride.Ride{ID: "r1", Status: ride.StatusAccepted, DriverID: &driverID}
	return ride.Event{
		RideID:    "r1",
		From:      ride.StatusAgreed,
		To:        ride.StatusAccepted,
		ActorType: ride.ActorDriver,
		ActorID:   &driverID,
		Ride:      r,
		CreatedAt: time.Now().UTC(),
	}
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisherWritesCloudEvent(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, zap.NewNop())
	p.Notify(context.Background(), acceptedEvent())

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "r1", string(w.msgs[0].Key))

	ce, err := ParseCloudEvent(w.msgs[0].Value)
	require.NoError(t, err)
	assert.Equal(t, RideStatusChanged, ce.Type)
	assert.Equal(t, Source, ce.Source)
	assert.Equal(t, "r1", ce.Subject)
	assert.NotEmpty(t, ce.ID)

	var data StatusChanged
	require.NoError(t, ce.ParseData(&data))
	assert.Equal(t, "AGREED", data.From)
	assert.Equal(t, "ACCEPTED", data.To)
	assert.Equal(t, "d1", data.ActorID)
	require.NotNil(t, data.Ride)
	assert.Equal(t, ride.StatusAccepted, data.Ride.Status)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisherSwallowsErrors(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := newKafkaPublisher(w, zap.NewNop())
	assert.NotPanics(t, func() { p.Notify(context.Background(), acceptedEvent()) })
	assert.Empty(t, w.msgs)
}

func TestNewKafkaPublisherWritesAsync(t *testing.T) {
	p := NewKafkaPublisher([]string{"localhost:9092"}, "ride-events", zap.NewNop())
	w, ok := p.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.True(t, w.Async)
	assert.NotNil(t, w.Completion)
	require.NoError(t, p.Close())
}

func TestKafkaPublisherLogsFailedDelivery(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	p := newKafkaPublisher(&fakeWriter{}, zap.New(core))

	p.delivered([]kafka.Message{{Key: []byte("r1")}}, nil)
	assert.Zero(t, logs.Len())

	p.delivered([]kafka.Message{{Key: []byte("r1"), Topic: "ride-events"}, {Key: []byte("r2")}}, errors.New("leader not available"))
	entries := logs.FilterMessage("deliver ride event failed").All()
	require.Len(t, entries, 2)
	assert.Equal(t, "r1", entries[0].ContextMap()["ride_id"])
	assert.Equal(t, "r2", entries[1].ContextMap()["ride_id"])
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
}

type published struct {
	exchange, key string
	msg           amqp.Publishing
}

type fakeChannel struct {
	mu   sync.Mutex
	sent []published
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, published{exchange, key, msg})
	return nil
}

func (c *fakeChannel) Close() error { return nil }

func TestRabbitPublisherRoutesByStatus(t *testing.T) {
	ch := &fakeChannel{}
	p := newRabbitPublisher(ch, DefaultExchange, zap.NewNop())
	p.Notify(context.Background(), acceptedEvent())

	require.Len(t, ch.sent, 1)
	got := ch.sent[0]
	assert.Equal(t, "ride_topic", got.exchange)
	assert.Equal(t, "ride.status.accepted", got.key)
	assert.Equal(t, uint8(amqp.Persistent), got.msg.DeliveryMode)

	var ce CloudEvent
	require.NoError(t, json.Unmarshal(got.msg.Body, &ce))
	assert.Equal(t, RideStatusChanged, ce.Type)
	assert.Equal(t, ce.ID, got.msg.MessageId)
	require.NoError(t, p.Close())
}

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "ride.status.picked_up", RoutingKey(ride.StatusPickedUp))
	assert.Equal(t, "ride.status.paid", RoutingKey(ride.StatusPaid))
}

func TestFanout(t *testing.T) {
	a, b := &fakeWriter{}, &fakeWriter{}
	f := Fanout{newKafkaPublisher(a, zap.NewNop()), newKafkaPublisher(b, zap.NewNop())}
	f.Notify(context.Background(), acceptedEvent())
	assert.Len(t, a.msgs, 1)
	assert.Len(t, b.msgs, 1)
	require.NoError(t, f.Close())
	assert.True(t, a.closed && b.closed)
}

func TestNewPublisherBackends(t *testing.T) {
	var cfg config.Config
	cfg.Events.Backend = "none"
	p, err := NewPublisher(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, p)

	cfg.Events.Backend = "kafka"
	cfg.Events.KafkaBrokers = []string{"localhost:9092"}
	cfg.Events.RideTopic = "ride.events"
	p, err = NewPublisher(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &KafkaPublisher{}, p)
	require.NoError(t, p.Close())

	cfg.Events.Backend = "carrier-pigeon"
	_, err = NewPublisher(cfg, zap.NewNop())
	assert.Error(t, err)
}

type fakeReader struct {
	msgs      chan kafka.Message
	committed []int64
	mu        sync.Mutex
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

type confirmCall struct {
	rideID     types.ID
	externalID string
	succeeded  bool
}

type fakeConfirmer struct {
	mu    sync.Mutex
	calls []confirmCall
	errs  []error
}

func (f *fakeConfirmer) ConfirmPayment(_ context.Context, rideID types.ID, externalID string, succeeded bool) (*ride.Ride, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, confirmCall{rideID, externalID, succeeded})
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	status := ride.StatusPaid
	if !succeeded {
		status = ride.StatusCompleted
	}
	return &ride.Ride{ID: rideID, Status: status}, nil
}

func (f *fakeConfirmer) snapshot() []confirmCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]confirmCall(nil), f.calls...)
}

func paymentMessage(t *testing.T, offset int64, eventType string, data interface{}) kafka.Message {
	t.Helper()
	ce, err := NewCloudEvent("payment-service", eventType, "", data)
	require.NoError(t, err)
	b, err := json.Marshal(ce)
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Value: b}
}

func TestPaymentConsumerConfirms(t *testing.T) {
	reader := &fakeReader{msgs: make(chan kafka.Message, 8)}
	rides := &fakeConfirmer{errs: []error{ride.ErrConflict, nil}}
	c := newPaymentConsumer(reader, rides, zap.NewNop())
	c.backoff = time.Millisecond

	reader.msgs <- paymentMessage(t, 1, PaymentSucceeded, PaymentResult{RideID: "r1", ExternalID: "ch_1"})
	reader.msgs <- paymentMessage(t, 2, PaymentFailed, PaymentResult{RideID: "r2", ExternalID: "ch_2", Reason: "card declined"})
	reader.msgs <- paymentMessage(t, 3, "payment.refunded", PaymentResult{RideID: "r3", ExternalID: "ch_3"})
	reader.msgs <- kafka.Message{Offset: 4, Value: []byte("not json")}
	reader.msgs <- paymentMessage(t, 5, PaymentSucceeded, PaymentResult{RideID: "r5"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	require.Eventually(t, func() bool { return reader.commits() == 5 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	calls := rides.snapshot()
	require.Len(t, calls, 3, "conflict is retried once, unknown and malformed events are skipped")
	assert.Equal(t, confirmCall{"r1", "ch_1", true}, calls[0])
	assert.Equal(t, calls[0], calls[1])
	assert.Equal(t, confirmCall{"r2", "ch_2", false}, calls[2])
}

func TestPaymentConsumerDoesNotRetryPermanentErrors(t *testing.T) {
	reader := &fakeReader{msgs: make(chan kafka.Message, 1)}
	rides := &fakeConfirmer{errs: []error{types.NewValidationError("payment reference does not match ride")}}
	c := newPaymentConsumer(reader, rides, zap.NewNop())
	c.backoff = time.Millisecond

	reader.msgs <- paymentMessage(t, 1, PaymentSucceeded, PaymentResult{RideID: "r1", ExternalID: "other"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Start(ctx) }()

	require.Eventually(t, func() bool { return reader.commits() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, rides.snapshot(), 1)
}

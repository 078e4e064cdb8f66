//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	kafkamodule "github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"campusride/internal/config"
	"campusride/internal/events"
	"campusride/internal/modules/driver"
	"campusride/internal/modules/location"
	"campusride/internal/modules/passenger"
	"campusride/internal/modules/payment"
	"campusride/internal/modules/pricing"
	"campusride/internal/modules/ride"
	"campusride/internal/testutil"
	"campusride/internal/types"
)

var (
	campusGate = types.Point{Lat: 25.0173, Lng: 121.5397}
	library    = types.Point{Lat: 25.0263, Lng: 121.5437}
)

// startPostgres runs a Postgres container and returns a migrated, empty pool.
func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "test",
				"POSTGRES_PASSWORD": "test",
				"POSTGRES_DB":       "campusride_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err, "failed to start PostgreSQL container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate PostgreSQL container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://test:test@%s/campusride_test?sslmode=disable", net.JoinHostPort(host, port.Port()))

	require.Eventually(t, func() bool {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return false
		}
		defer pool.Close()
		return pool.Ping(ctx) == nil
	}, 30*time.Second, time.Second, "PostgreSQL not ready for connections")

	return testutil.OpenDSN(t, dsn)
}

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err, "failed to start Redis container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate Redis container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: net.JoinHostPort(host, port.Port())})
	t.Cleanup(func() { _ = client.Close() })
	require.Eventually(t, func() bool { return client.Ping(ctx).Err() == nil }, 15*time.Second, 200*time.Millisecond)
	return client
}

// startKafka runs a single-node KRaft broker and pre-creates topics.
func startKafka(t *testing.T, topics ...string) []string {
	t.Helper()
	ctx := context.Background()

	container, err := kafkamodule.Run(ctx, "confluentinc/confluent-local:7.5.0")
	require.NoError(t, err, "failed to start Kafka container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate Kafka container: %v", err)
		}
	})

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err, "failed to get Kafka brokers")
	createTopics(t, brokers, topics...)
	return brokers
}

func createTopics(t *testing.T, brokers []string, topics ...string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", brokers[0])
	require.NoError(t, err, "failed to dial Kafka for topic creation")
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err, "failed to get Kafka controller")

	controllerConn, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, fmt.Sprintf("%d", controller.Port)))
	require.NoError(t, err, "failed to connect to Kafka controller")
	defer controllerConn.Close()

	configs := make([]kafkago.TopicConfig, len(topics))
	for i, topic := range topics {
		configs[i] = kafkago.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1}
	}
	require.NoError(t, controllerConn.CreateTopics(configs...), "failed to create Kafka topics")

	// Let topic metadata propagate.
	time.Sleep(time.Second)
}

// consumeEvents reads CloudEvents of eventType until n have arrived or the timeout passes.
func consumeEvents(t *testing.T, brokers []string, topic, eventType string, n int, timeout time.Duration) []events.CloudEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     brokers,
		GroupID:     "test-assert-" + uuid.NewString()[:8],
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafkago.FirstOffset,
	})
	defer func() { _ = reader.Close() }()

	var out []events.CloudEvent
	for len(out) < n {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				t.Fatalf("timed out with %d of %d %q events on %q", len(out), n, eventType, topic)
			}
			continue
		}
		ce, err := events.ParseCloudEvent(msg.Value)
		if err != nil || ce.Type != eventType {
			continue
		}
		out = append(out, ce)
	}
	return out
}

func publishEvent(t *testing.T, brokers []string, topic string, ce events.CloudEvent) {
	t.Helper()
	w := &kafkago.Writer{Addr: kafkago.TCP(brokers...), Topic: topic, RequiredAcks: kafkago.RequireOne}
	defer func() { _ = w.Close() }()
	payload, err := json.Marshal(ce)
	require.NoError(t, err)
	require.NoError(t, w.WriteMessages(context.Background(), kafkago.Message{Key: []byte(ce.Subject), Value: payload}))
}

// rideStack is the ride service wired over Postgres, with an optional Redis GEO mirror.
type rideStack struct {
	Rides      *ride.Service
	Drivers    *driver.Service
	Passengers *passenger.Service
	Geo        *location.Service
	Pricing    *pricing.Service
}

func newRideStack(t *testing.T, db *pgxpool.Pool, rdb *redis.Client, notifiers ...ride.Notifier) *rideStack {
	t.Helper()
	log := zap.NewNop()

	var (
		geo    *location.Service
		mirror driver.GeoMirror
		surge  pricing.SurgeSource
	)
	if rdb != nil {
		geo = location.NewService(location.NewStore(db, rdb), log)
		mirror = geo
		surge = pricing.NewRedisSurge(rdb)
	}
	drivers := driver.NewService(driver.NewPGStore(db), mirror, log)
	passengers := passenger.NewService(passenger.NewPGStore(db), log)
	prices := pricing.NewService(pricing.NewPGRateStore(db), surge, config.PricingConfig{BaseFare: 1, RatePerKm: 0.8, Currency: "USD"}, log)

	rides := ride.NewService(ride.Deps{
		Store:      ride.NewPGStore(db),
		Drivers:    drivers,
		Passengers: passengers,
		Pricing:    prices,
		Payments:   payment.NewStubGateway(),
		Notifiers:  notifiers,
		Log:        log,
	})
	return &rideStack{Rides: rides, Drivers: drivers, Passengers: passengers, Geo: geo, Pricing: prices}
}

// availableDriver registers a driver at p and makes them AVAILABLE.
func (s *rideStack) availableDriver(t *testing.T, userID types.ID, p types.Point) types.ID {
	t.Helper()
	ctx := context.Background()
	id, err := s.Drivers.Register(ctx, driver.RegisterCommand{
		UserID:          userID,
		Age:             30,
		LicenseRef:      "LIC-" + string(userID),
		ExperienceYears: 4,
		Vehicle:         driver.Vehicle{Brand: "Toyota", Model: "Prius", Plate: "RIDE-" + string(userID)},
	})
	require.NoError(t, err)
	require.NoError(t, s.Drivers.UpdateLocation(ctx, id, p))
	require.NoError(t, s.Drivers.SetAvailability(ctx, id, driver.StatusAvailable))
	return id
}

func (s *rideStack) request(t *testing.T, passengerID types.ID) *ride.Ride {
	t.Helper()
	pickup, dropoff := campusGate, library
	r, err := s.Rides.Request(context.Background(), ride.RequestCommand{
		PassengerID:   passengerID,
		PassengerName: "Integration Rider",
		Pickup:        ride.PlaceInput{Point: &pickup, Address: "Campus gate"},
		Dropoff:       ride.PlaceInput{Point: &dropoff, Address: "Library"},
	})
	require.NoError(t, err)
	return r
}

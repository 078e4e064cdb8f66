// README: Rate store backed by PostgreSQL and surge multipliers backed by Redis.
package pricing

import (
	"context"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

var ErrRateNotFound = errors.New("rate not found")

type RateStore interface {
	GetRate(ctx context.Context, rideType string) (Rate, error)
}

type SurgeSource interface {
	Surge(ctx context.Context, rideType string) (float64, error)
}

type PGRateStore struct {
	db *pgxpool.Pool
}

func NewPGRateStore(db *pgxpool.Pool) *PGRateStore {
	return &PGRateStore{db: db}
}

func (s *PGRateStore) GetRate(ctx context.Context, rideType string) (Rate, error) {
	var r Rate
	err := s.db.QueryRow(ctx, `
		SELECT ride_type, base_fare, rate_per_km, currency
		FROM fare_rates WHERE ride_type = $1`, rideType,
	).Scan(&r.RideType, &r.BaseFare, &r.RatePerKm, &r.Currency)
	if errors.Is(err, pgx.ErrNoRows) {
		return Rate{}, ErrRateNotFound
	}
	return r, err
}

func (s *PGRateStore) UpsertRate(ctx context.Context, r Rate) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO fare_rates (ride_type, base_fare, rate_per_km, currency)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (ride_type) DO UPDATE
		SET base_fare = EXCLUDED.base_fare, rate_per_km = EXCLUDED.rate_per_km, currency = EXCLUDED.currency`,
		r.RideType, r.BaseFare, r.RatePerKm, r.Currency,
	)
	return err
}

const surgeKeyPrefix = "pricing:surge:"

// RedisSurge reads per-ride-type multipliers written by an operator or demand job.
type RedisSurge struct {
	redis *redis.Client
}

func NewRedisSurge(redis *redis.Client) *RedisSurge {
	return &RedisSurge{redis: redis}
}

func (s *RedisSurge) Surge(ctx context.Context, rideType string) (float64, error) {
	val, err := s.redis.Get(ctx, surgeKeyPrefix+rideType).Result()
	if err == redis.Nil {
		return 1, nil
	}
	if err != nil {
		return 1, err
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 1, err
	}
	return f, nil
}

func (s *RedisSurge) SetSurge(ctx context.Context, rideType string, surge float64) error {
	return s.redis.Set(ctx, surgeKeyPrefix+rideType, strconv.FormatFloat(surge, 'f', -1, 64), 0).Err()
}

// README: Location store backed by Redis GEO and Postgres snapshots.
package location

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"campusride/internal/types"
)

const geoKeyPrefix = "geo:"

type Store struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

// NewStore accepts a nil db when snapshots are not persisted.
func NewStore(db *pgxpool.Pool, redis *redis.Client) *Store {
	return &Store{db: db, redis: redis}
}

func geoKey(userType UserType) string {
	return geoKeyPrefix + string(userType) + "s"
}

func (s *Store) SetGeo(ctx context.Context, id types.ID, pos types.Point, userType UserType) error {
	return s.redis.GeoAdd(ctx, geoKey(userType), &redis.GeoLocation{
		Name:      string(id),
		Longitude: pos.Lng,
		Latitude:  pos.Lat,
	}).Err()
}

func (s *Store) RemoveGeo(ctx context.Context, id types.ID, userType UserType) error {
	return s.redis.ZRem(ctx, geoKey(userType), string(id)).Err()
}

// SearchGeo returns members within radiusKm of p, nearest first.
func (s *Store) SearchGeo(ctx context.Context, p types.Point, radiusKm float64, userType UserType) ([]Nearby, error) {
	results, err := s.redis.GeoSearchLocation(ctx, geoKey(userType), &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  p.Lng,
			Latitude:   p.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo search: %w", err)
	}
	out := make([]Nearby, len(results))
	for i, r := range results {
		out[i] = Nearby{
			UserID:         types.ID(r.Name),
			Position:       types.Point{Lat: r.Latitude, Lng: r.Longitude},
			DistanceMeters: r.Dist * 1000,
		}
	}
	return out, nil
}

func (s *Store) AppendSnapshot(ctx context.Context, snap Snapshot) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO location_snapshots (user_id, user_type, lat, lng, recorded_at)
		VALUES ($1, $2, $3, $4, $5)`,
		snap.UserID, snap.UserType, snap.Position.Lat, snap.Position.Lng, snap.RecordedAt,
	)
	return err
}

// README: Driver store backed by PostgreSQL; status changes are guarded compare-and-swap updates.
package driver

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"campusride/internal/types"
)

type Store interface {
	Create(ctx context.Context, d *Driver) error
	Get(ctx context.Context, id types.ID) (*Driver, error)
	// UpdateStatus moves id from -> to only if the current status is from.
	UpdateStatus(ctx context.Context, id types.ID, from, to Status) (bool, error)
	UpdateLocation(ctx context.Context, id types.ID, p types.Point) error
	ListAvailable(ctx context.Context) ([]*Driver, error)
	AppendRating(ctx context.Context, id types.ID, stars int) error
}

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

const driverColumns = `id, user_id, age, license_ref, experience_years,
	vehicle_brand, vehicle_model, vehicle_mileage, vehicle_plate, vehicle_condition,
	ratings, status, location_lat, location_lng, created_at, updated_at`

func (s *PGStore) Create(ctx context.Context, d *Driver) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO drivers (`+driverColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		string(d.ID), string(d.UserID), d.Age, d.LicenseRef, d.ExperienceYears,
		d.Vehicle.Brand, d.Vehicle.Model, d.Vehicle.Mileage, d.Vehicle.Plate, d.Vehicle.Condition,
		ratingsOrEmpty(d.Ratings), string(d.Status), latPtr(d.Location), lngPtr(d.Location),
		d.CreatedAt, d.UpdatedAt,
	)
	return err
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Driver, error) {
	row := s.db.QueryRow(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = $1`, string(id))
	d, err := scanDriver(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewNotFoundError("driver", id)
	}
	return d, err
}

func (s *PGStore) UpdateStatus(ctx context.Context, id types.ID, from, to Status) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE drivers
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`,
		string(to), string(id), string(from),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) UpdateLocation(ctx context.Context, id types.ID, p types.Point) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE drivers
		SET location_lat = $1, location_lng = $2, updated_at = NOW()
		WHERE id = $3`,
		p.Lat, p.Lng, string(id),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return types.NewNotFoundError("driver", id)
	}
	return nil
}

func (s *PGStore) ListAvailable(ctx context.Context) ([]*Driver, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+driverColumns+` FROM drivers
		WHERE status = $1 AND location_lat IS NOT NULL AND location_lng IS NOT NULL
		ORDER BY id`,
		string(StatusAvailable),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PGStore) AppendRating(ctx context.Context, id types.ID, stars int) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE drivers SET ratings = array_append(ratings, $1), updated_at = NOW()
		WHERE id = $2`, stars, string(id),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return types.NewNotFoundError("driver", id)
	}
	return nil
}

func scanDriver(row pgx.Row) (*Driver, error) {
	var d Driver
	var lat, lng sql.NullFloat64
	var ratings []int32
	var created, updated time.Time
	err := row.Scan(
		&d.ID, &d.UserID, &d.Age, &d.LicenseRef, &d.ExperienceYears,
		&d.Vehicle.Brand, &d.Vehicle.Model, &d.Vehicle.Mileage, &d.Vehicle.Plate, &d.Vehicle.Condition,
		&ratings, &d.Status, &lat, &lng, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	for _, r := range ratings {
		d.Ratings = append(d.Ratings, int(r))
	}
	if lat.Valid && lng.Valid {
		d.Location = &types.Point{Lat: lat.Float64, Lng: lng.Float64}
	}
	d.CreatedAt, d.UpdatedAt = created, updated
	return &d, nil
}

func ratingsOrEmpty(r []int) []int32 {
	out := make([]int32, len(r))
	for i, v := range r {
		out[i] = int32(v)
	}
	return out
}

func latPtr(p *types.Point) *float64 {
	if p == nil {
		return nil
	}
	return &p.Lat
}

func lngPtr(p *types.Point) *float64 {
	if p == nil {
		return nil
	}
	return &p.Lng
}

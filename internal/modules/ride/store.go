// README: Ride store backed by PostgreSQL; status writes are compare-and-swap on (status, status_version).
package ride

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"campusride/internal/types"
)

// StatusUpdate is one CAS write. From == To records co-occurring fields (e.g. a pending
// payment) without changing status, still bumping the version.
type StatusUpdate struct {
	From     Status
	To       Status
	Version  int
	DriverID *types.ID
	Price    *float64
	Payment  *Payment
	At       time.Time
}

type Store interface {
	Create(ctx context.Context, r *Ride) error
	Get(ctx context.Context, id types.ID) (*Ride, error)
	UpdateStatus(ctx context.Context, id types.ID, u StatusUpdate) (bool, error)
	// UpdateDriverLocation writes only while the ride is ACCEPTED or PICKED_UP and
	// returns the updated ride, or nil when the ride is not active.
	UpdateDriverLocation(ctx context.Context, id types.ID, p types.Point) (*Ride, error)
	// ListOpen returns PENDING and AGREED rides without a driver, oldest first.
	ListOpen(ctx context.Context) ([]*Ride, error)
	// ListStale returns PENDING and AGREED rides created before cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]*Ride, error)
	// ListActive returns ACCEPTED and PICKED_UP rides, oldest first.
	ListActive(ctx context.Context) ([]*Ride, error)
	// ActiveByDriver returns the driver's newest ACCEPTED or PICKED_UP ride, or nil.
	ActiveByDriver(ctx context.Context, driverID types.ID) (*Ride, error)
	HasActiveByPassenger(ctx context.Context, passengerID types.ID) (bool, error)
	AppendEvent(ctx context.Context, e *Event) error
	ListEvents(ctx context.Context, rideID types.ID) ([]Event, error)
}

var activeStatuses = []string{
	string(StatusPending), string(StatusAgreed), string(StatusAccepted), string(StatusPickedUp),
}

var timestampColumns = map[Status]string{
	StatusAgreed:    "agreed_at",
	StatusAccepted:  "accepted_at",
	StatusRejected:  "rejected_at",
	StatusPickedUp:  "picked_up_at",
	StatusCompleted: "completed_at",
	StatusPaid:      "paid_at",
	StatusCanceled:  "canceled_at",
	StatusStopped:   "stopped_at",
}

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

const rideColumns = `id, passenger_id, driver_id, status, status_version,
	pickup_lat, pickup_lng, pickup_address, dropoff_lat, dropoff_lng, dropoff_address,
	ride_type, surge_multiplier, estimated_price, price, currency,
	driver_location_lat, driver_location_lng, payment,
	created_at, updated_at, agreed_at, accepted_at, rejected_at, picked_up_at,
	completed_at, paid_at, canceled_at, stopped_at`

func (s *PGStore) Create(ctx context.Context, r *Ride) error {
	payment, err := marshalPayment(r.Payment)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO rides (
			id, passenger_id, driver_id, status, status_version,
			pickup_lat, pickup_lng, pickup_address, dropoff_lat, dropoff_lng, dropoff_address,
			ride_type, surge_multiplier, estimated_price, price, currency, payment,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17,
			$18, $19
		)`,
		string(r.ID), string(r.PassengerID), toStringPtr(r.DriverID), string(r.Status), r.StatusVersion,
		r.Pickup.Point.Lat, r.Pickup.Point.Lng, r.Pickup.Address,
		r.Dropoff.Point.Lat, r.Dropoff.Point.Lng, r.Dropoff.Address,
		r.RideType, r.SurgeMultiplier, r.EstimatedPrice, r.Price, r.Currency, payment,
		r.CreatedAt, r.UpdatedAt,
	)
	return err
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Ride, error) {
	row := s.db.QueryRow(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, string(id))
	r, err := scanRide(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewNotFoundError("ride", id)
	}
	return r, err
}

func (s *PGStore) UpdateStatus(ctx context.Context, id types.ID, u StatusUpdate) (bool, error) {
	payment, err := marshalPayment(u.Payment)
	if err != nil {
		return false, err
	}
	q := `
		UPDATE rides
		SET status = $1,
			status_version = status_version + 1,
			driver_id = COALESCE($2, driver_id),
			price = COALESCE($3, price),
			payment = COALESCE($4::jsonb, payment),
			updated_at = $5`
	if col, ok := timestampColumns[u.To]; ok && u.From != u.To {
		q += `, ` + col + ` = $5`
	}
	q += ` WHERE id = $6 AND status = $7 AND status_version = $8`

	tag, err := s.db.Exec(ctx, q,
		string(u.To), toStringPtr(u.DriverID), u.Price, payment, u.At,
		string(id), string(u.From), u.Version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) UpdateDriverLocation(ctx context.Context, id types.ID, p types.Point) (*Ride, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE rides
		SET driver_location_lat = $1, driver_location_lng = $2, updated_at = NOW()
		WHERE id = $3 AND status IN ($4, $5)
		RETURNING `+rideColumns,
		p.Lat, p.Lng, string(id), string(StatusAccepted), string(StatusPickedUp),
	)
	r, err := scanRide(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return r, err
}

func (s *PGStore) ListOpen(ctx context.Context) ([]*Ride, error) {
	return s.list(ctx, `
		SELECT `+rideColumns+` FROM rides
		WHERE status IN ($1, $2) AND driver_id IS NULL
		ORDER BY created_at ASC`,
		string(StatusPending), string(StatusAgreed),
	)
}

func (s *PGStore) ListStale(ctx context.Context, cutoff time.Time) ([]*Ride, error) {
	return s.list(ctx, `
		SELECT `+rideColumns+` FROM rides
		WHERE status IN ($1, $2) AND created_at < $3
		ORDER BY created_at ASC`,
		string(StatusPending), string(StatusAgreed), cutoff,
	)
}

func (s *PGStore) ListActive(ctx context.Context) ([]*Ride, error) {
	return s.list(ctx, `
		SELECT `+rideColumns+` FROM rides
		WHERE status IN ($1, $2)
		ORDER BY created_at ASC`,
		string(StatusAccepted), string(StatusPickedUp),
	)
}

func (s *PGStore) ActiveByDriver(ctx context.Context, driverID types.ID) (*Ride, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+rideColumns+` FROM rides
		WHERE driver_id = $1 AND status IN ($2, $3)
		ORDER BY created_at DESC
		LIMIT 1`,
		string(driverID), string(StatusAccepted), string(StatusPickedUp),
	)
	r, err := scanRide(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (s *PGStore) list(ctx context.Context, q string, args ...any) ([]*Ride, error) {
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGStore) HasActiveByPassenger(ctx context.Context, passengerID types.ID) (bool, error) {
	row := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM rides
			WHERE passenger_id = $1 AND status = ANY($2)
		)`, string(passengerID), activeStatuses,
	)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (s *PGStore) AppendEvent(ctx context.Context, e *Event) error {
	return s.db.QueryRow(ctx, `
		INSERT INTO ride_state_events (
			ride_id, from_status, to_status, actor_type, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		string(e.RideID),
		string(e.From),
		string(e.To),
		e.ActorType,
		toStringPtr(e.ActorID),
		e.CreatedAt,
	).Scan(&e.ID)
}

func (s *PGStore) ListEvents(ctx context.Context, rideID types.ID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, ride_id, from_status, to_status, actor_type, actor_id, created_at
		FROM ride_state_events WHERE ride_id = $1 ORDER BY id ASC`, string(rideID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		var actor sql.NullString
		if err := rows.Scan(&e.ID, &e.RideID, &e.From, &e.To, &e.ActorType, &actor, &e.CreatedAt); err != nil {
			return nil, err
		}
		if actor.Valid {
			e.ActorID = types.IDPtr(types.ID(actor.String))
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanRide(row pgx.Row) (*Ride, error) {
	var r Ride
	var driverID sql.NullString
	var price, dlat, dlng sql.NullFloat64
	var payment []byte
	var agreed, accepted, rejected, pickedUp, completed, paid, canceled, stopped sql.NullTime

	err := row.Scan(
		&r.ID, &r.PassengerID, &driverID, &r.Status, &r.StatusVersion,
		&r.Pickup.Point.Lat, &r.Pickup.Point.Lng, &r.Pickup.Address,
		&r.Dropoff.Point.Lat, &r.Dropoff.Point.Lng, &r.Dropoff.Address,
		&r.RideType, &r.SurgeMultiplier, &r.EstimatedPrice, &price, &r.Currency,
		&dlat, &dlng, &payment,
		&r.CreatedAt, &r.UpdatedAt, &agreed, &accepted, &rejected, &pickedUp,
		&completed, &paid, &canceled, &stopped,
	)
	if err != nil {
		return nil, err
	}
	if driverID.Valid {
		r.DriverID = types.IDPtr(types.ID(driverID.String))
	}
	if price.Valid {
		v := price.Float64
		r.Price = &v
	}
	if dlat.Valid && dlng.Valid {
		r.DriverLocation = &types.Point{Lat: dlat.Float64, Lng: dlng.Float64}
	}
	if len(payment) > 0 {
		var p Payment
		if err := json.Unmarshal(payment, &p); err != nil {
			return nil, fmt.Errorf("decode payment: %w", err)
		}
		r.Payment = &p
	}
	r.AgreedAt = toTimePtr(agreed)
	r.AcceptedAt = toTimePtr(accepted)
	r.RejectedAt = toTimePtr(rejected)
	r.PickedUpAt = toTimePtr(pickedUp)
	r.CompletedAt = toTimePtr(completed)
	r.PaidAt = toTimePtr(paid)
	r.CanceledAt = toTimePtr(canceled)
	r.StoppedAt = toTimePtr(stopped)
	return &r, nil
}

func marshalPayment(p *Payment) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func toTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

// applyUpdate mutates r the way a successful UpdateStatus mutates the stored row.
func applyUpdate(r *Ride, u StatusUpdate) {
	r.Status = u.To
	r.StatusVersion++
	if u.DriverID != nil {
		d := *u.DriverID
		r.DriverID = &d
	}
	if u.Price != nil {
		p := *u.Price
		r.Price = &p
	}
	if u.Payment != nil {
		p := *u.Payment
		r.Payment = &p
	}
	r.UpdatedAt = u.At
	if u.From == u.To {
		return
	}
	at := u.At
	switch u.To {
	case StatusAgreed:
		r.AgreedAt = &at
	case StatusAccepted:
		r.AcceptedAt = &at
	case StatusRejected:
		r.RejectedAt = &at
	case StatusPickedUp:
		r.PickedUpAt = &at
	case StatusCompleted:
		r.CompletedAt = &at
	case StatusPaid:
		r.PaidAt = &at
	case StatusCanceled:
		r.CanceledAt = &at
	case StatusStopped:
		r.StoppedAt = &at
	}
}

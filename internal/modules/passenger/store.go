// README: Passenger store backed by PostgreSQL plus an in-memory variant.
package passenger

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"campusride/internal/types"
)

type Store interface {
	// CreateIfAbsent inserts p unless a passenger with p.ID exists and returns the stored row.
	CreateIfAbsent(ctx context.Context, p *Passenger) (*Passenger, error)
	Get(ctx context.Context, id types.ID) (*Passenger, error)
	UpdateLocation(ctx context.Context, id types.ID, pt types.Point) error
}

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) CreateIfAbsent(ctx context.Context, p *Passenger) (*Passenger, error) {
	_, err := s.db.Exec(ctx, `
		INSERT INTO passengers (id, user_id, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		string(p.ID), string(p.UserID), p.Name, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, p.ID)
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Passenger, error) {
	var p Passenger
	var lat, lng sql.NullFloat64
	err := s.db.QueryRow(ctx, `
		SELECT id, user_id, name, location_lat, location_lng, created_at, updated_at
		FROM passengers WHERE id = $1`, string(id),
	).Scan(&p.ID, &p.UserID, &p.Name, &lat, &lng, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewNotFoundError("passenger", id)
	}
	if err != nil {
		return nil, err
	}
	if lat.Valid && lng.Valid {
		p.Location = &types.Point{Lat: lat.Float64, Lng: lng.Float64}
	}
	return &p, nil
}

func (s *PGStore) UpdateLocation(ctx context.Context, id types.ID, pt types.Point) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE passengers SET location_lat = $1, location_lng = $2, updated_at = NOW()
		WHERE id = $3`, pt.Lat, pt.Lng, string(id),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return types.NewNotFoundError("passenger", id)
	}
	return nil
}

type MemStore struct {
	mu         sync.RWMutex
	passengers map[types.ID]Passenger
}

func NewMemStore() *MemStore {
	return &MemStore{passengers: make(map[types.ID]Passenger)}
}

func (s *MemStore) CreateIfAbsent(_ context.Context, p *Passenger) (*Passenger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.passengers[p.ID]; ok {
		return &existing, nil
	}
	s.passengers[p.ID] = *p
	out := *p
	return &out, nil
}

func (s *MemStore) Get(_ context.Context, id types.ID) (*Passenger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.passengers[id]
	if !ok {
		return nil, types.NewNotFoundError("passenger", id)
	}
	return &p, nil
}

func (s *MemStore) UpdateLocation(_ context.Context, id types.ID, pt types.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.passengers[id]
	if !ok {
		return types.NewNotFoundError("passenger", id)
	}
	p.Location = &pt
	p.UpdatedAt = time.Now().UTC()
	s.passengers[id] = p
	return nil
}

// README: In-memory ride store with the same CAS semantics as the Postgres store.
package ride

import (
	"context"
	"sort"
	"sync"
	"time"

	"campusride/internal/types"
)

type MemStore struct {
	mu     sync.RWMutex
	rides  map[types.ID]*Ride
	events []Event
	nextID int64
}

func NewMemStore() *MemStore {
	return &MemStore{rides: make(map[types.ID]*Ride)}
}

func (s *MemStore) Create(_ context.Context, r *Ride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rides[r.ID] = r.Clone()
	return nil
}

func (s *MemStore) Get(_ context.Context, id types.ID) (*Ride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rides[id]
	if !ok {
		return nil, types.NewNotFoundError("ride", id)
	}
	return r.Clone(), nil
}

func (s *MemStore) UpdateStatus(_ context.Context, id types.ID, u StatusUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rides[id]
	if !ok || r.Status != u.From || r.StatusVersion != u.Version {
		return false, nil
	}
	applyUpdate(r, u)
	return true, nil
}

func (s *MemStore) UpdateDriverLocation(_ context.Context, id types.ID, p types.Point) (*Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rides[id]
	if !ok {
		return nil, types.NewNotFoundError("ride", id)
	}
	if !r.Status.Active() {
		return nil, nil
	}
	r.DriverLocation = &p
	r.UpdatedAt = time.Now().UTC()
	return r.Clone(), nil
}

func (s *MemStore) ListOpen(_ context.Context) ([]*Ride, error) {
	return s.filter(func(r *Ride) bool {
		return (r.Status == StatusPending || r.Status == StatusAgreed) && r.DriverID == nil
	}), nil
}

func (s *MemStore) ListStale(_ context.Context, cutoff time.Time) ([]*Ride, error) {
	return s.filter(func(r *Ride) bool {
		return (r.Status == StatusPending || r.Status == StatusAgreed) && r.CreatedAt.Before(cutoff)
	}), nil
}

func (s *MemStore) ListActive(_ context.Context) ([]*Ride, error) {
	return s.filter(func(r *Ride) bool { return r.Status.Active() }), nil
}

func (s *MemStore) ActiveByDriver(_ context.Context, driverID types.ID) (*Ride, error) {
	rides := s.filter(func(r *Ride) bool {
		return r.Status.Active() && r.DriverID != nil && *r.DriverID == driverID
	})
	if len(rides) == 0 {
		return nil, nil
	}
	return rides[len(rides)-1], nil
}

func (s *MemStore) filter(keep func(*Ride) bool) []*Ride {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Ride
	for _, r := range s.rides {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *MemStore) HasActiveByPassenger(_ context.Context, passengerID types.ID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rides {
		if r.PassengerID != passengerID {
			continue
		}
		switch r.Status {
		case StatusPending, StatusAgreed, StatusAccepted, StatusPickedUp:
			return true, nil
		}
	}
	return false, nil
}

func (s *MemStore) AppendEvent(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	stored := *e
	stored.ID = s.nextID
	stored.Ride = nil
	s.events = append(s.events, stored)
	e.ID = stored.ID
	return nil
}

func (s *MemStore) ListEvents(_ context.Context, rideID types.ID) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.events {
		if e.RideID == rideID {
			out = append(out, e)
		}
	}
	return out, nil
}

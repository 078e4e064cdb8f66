// README: In-memory driver store for local runs and tests.
package driver

import (
	"context"
	"sort"
	"sync"
	"time"

	"campusride/internal/types"
)

type MemStore struct {
	mu      sync.RWMutex
	drivers map[types.ID]*Driver
}

func NewMemStore() *MemStore {
	return &MemStore{drivers: make(map[types.ID]*Driver)}
}

func (s *MemStore) Create(_ context.Context, d *Driver) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drivers[d.ID] = d.clone()
	return nil
}

func (s *MemStore) Get(_ context.Context, id types.ID) (*Driver, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.drivers[id]
	if !ok {
		return nil, types.NewNotFoundError("driver", id)
	}
	return d.clone(), nil
}

func (s *MemStore) UpdateStatus(_ context.Context, id types.ID, from, to Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drivers[id]
	if !ok || d.Status != from {
		return false, nil
	}
	d.Status = to
	d.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemStore) UpdateLocation(_ context.Context, id types.ID, p types.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drivers[id]
	if !ok {
		return types.NewNotFoundError("driver", id)
	}
	d.Location = &p
	d.UpdatedAt = time.Now().UTC()
	return nil
}

// ListAvailable returns drivers ordered by id so scans are deterministic.
func (s *MemStore) ListAvailable(_ context.Context) ([]*Driver, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Driver
	for _, d := range s.drivers {
		if d.Status == StatusAvailable && d.Location != nil {
			out = append(out, d.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) AppendRating(_ context.Context, id types.ID, stars int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drivers[id]
	if !ok {
		return types.NewNotFoundError("driver", id)
	}
	d.Ratings = append(d.Ratings, stars)
	return nil
}

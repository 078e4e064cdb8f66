// README: Location service mirrors high-frequency updates into the GEO index with periodic snapshot flushing.
package location

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"campusride/internal/types"
)

const defaultFlushEvery = 30 * time.Second

type Service struct {
	store      *Store
	log        *zap.Logger
	flushEvery time.Duration
	now        func() time.Time

	mu        sync.Mutex
	lastFlush map[types.ID]time.Time
	lastSweep time.Time
}

func NewService(store *Store, log *zap.Logger) *Service {
	return &Service{
		store:      store,
		log:        log.Named("location"),
		flushEvery: defaultFlushEvery,
		now:        time.Now,
		lastFlush:  make(map[types.ID]time.Time),
	}
}

type Update struct {
	UserID   types.ID
	UserType UserType
	Position types.Point
}

// Update writes the GEO position and appends a snapshot at most once per flush interval per user.
func (s *Service) Update(ctx context.Context, u Update) error {
	if !ValidPoint(u.Position) {
		return types.NewValidationError("invalid coordinate")
	}
	if err := s.store.SetGeo(ctx, u.UserID, u.Position, u.UserType); err != nil {
		return err
	}
	if s.dueForFlush(u.UserID) {
		if err := s.FlushSnapshot(ctx, u); err != nil {
			s.log.Warn("snapshot flush failed", zap.String("user_id", u.UserID.String()), zap.Error(err))
		}
	}
	return nil
}

// Remove drops a user from the GEO index, e.g. when a driver goes offline.
func (s *Service) Remove(ctx context.Context, id types.ID, userType UserType) error {
	s.mu.Lock()
	delete(s.lastFlush, id)
	s.mu.Unlock()
	return s.store.RemoveGeo(ctx, id, userType)
}

func (s *Service) Nearby(ctx context.Context, p types.Point, radiusKm float64, userType UserType) ([]Nearby, error) {
	return s.store.SearchGeo(ctx, p, radiusKm, userType)
}

func (s *Service) FlushSnapshot(ctx context.Context, u Update) error {
	snap := Snapshot{
		UserID:     u.UserID,
		UserType:   u.UserType,
		Position:   u.Position,
		RecordedAt: s.now(),
	}
	return s.store.AppendSnapshot(ctx, snap)
}

func (s *Service) dueForFlush(id types.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.sweep(now)
	if last, ok := s.lastFlush[id]; ok && now.Sub(last) < s.flushEvery {
		return false
	}
	s.lastFlush[id] = now
	return true
}

// sweep forgets users whose last flush is a full interval old, at most once per interval.
// A forgotten user flushes on their next update, which is what an expired entry does anyway.
func (s *Service) sweep(now time.Time) {
	if now.Sub(s.lastSweep) < s.flushEvery {
		return
	}
	s.lastSweep = now
	for id, last := range s.lastFlush {
		if now.Sub(last) >= s.flushEvery {
			delete(s.lastFlush, id)
		}
	}
}

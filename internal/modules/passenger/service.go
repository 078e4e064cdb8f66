// README: Passenger service ensures profiles exist and tracks their location for matching.
package passenger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"campusride/internal/modules/location"
	"campusride/internal/types"
)

type Service struct {
	store Store
	log   *zap.Logger
}

func NewService(store Store, log *zap.Logger) *Service {
	return &Service{store: store, log: log.Named("passenger")}
}

// Ensure returns the passenger owned by userID, creating it on first use.
func (s *Service) Ensure(ctx context.Context, userID types.ID, name string) (*Passenger, error) {
	if userID == "" {
		return nil, types.NewValidationError("missing passenger id")
	}
	now := time.Now().UTC()
	return s.store.CreateIfAbsent(ctx, &Passenger{
		ID:        userID,
		UserID:    userID,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Passenger, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) UpdateLocation(ctx context.Context, id types.ID, p types.Point) error {
	if !location.ValidPoint(p) {
		return types.NewValidationError("invalid coordinate")
	}
	return s.store.UpdateLocation(ctx, id, p)
}

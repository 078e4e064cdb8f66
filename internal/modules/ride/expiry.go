// README: Expiry monitor cancels rides nobody picked up in time.
package ride

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"campusride/internal/types"
)

// ExpireStale cancels PENDING and AGREED rides created more than ttl ago and
// returns how many it canceled.
func (s *Service) ExpireStale(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}
	stale, err := s.store.ListStale(ctx, s.now().Add(-ttl))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range stale {
		updated, err := s.Cancel(ctx, r.ID, ActorSystem, "")
		switch {
		case err == nil && updated.Status == StatusCanceled:
			n++
		case errors.Is(err, types.ErrInvalidTransition), errors.Is(err, ErrConflict):
			// Moved on since the listing.
		case err != nil:
			s.log.Error("expire ride failed", zap.String("ride_id", r.ID.String()), zap.Error(err))
		}
	}
	if n > 0 {
		s.log.Info("expired stale rides", zap.Int("count", n))
	}
	return n, nil
}

func (s *Service) RunExpiryMonitor(ctx context.Context, ttl, interval time.Duration) {
	if ttl <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ExpireStale(ctx, ttl); err != nil && ctx.Err() == nil {
				s.log.Error("expiry sweep failed", zap.Error(err))
			}
		}
	}
}

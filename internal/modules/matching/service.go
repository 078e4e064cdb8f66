// README: Matching service finds the nearest driver and auto-assigns open rides on a ticker.
package matching

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"campusride/internal/config"
	"campusride/internal/modules/driver"
	"campusride/internal/modules/location"
	"campusride/internal/modules/ride"
	"campusride/internal/types"
)

// RideDispatcher is the slice of the ride service matching drives.
type RideDispatcher interface {
	Get(ctx context.Context, id types.ID) (*ride.Ride, error)
	ListOpen(ctx context.Context) ([]*ride.Ride, error)
	Agree(ctx context.Context, rideID types.ID, actorType string, actorID types.ID) (*ride.Ride, error)
	Accept(ctx context.Context, rideID, driverID types.ID) (*ride.Ride, error)
}

type ETAEstimator interface {
	TravelEstimate(ctx context.Context, from, to types.Point) (time.Duration, error)
}

type Service struct {
	index Index
	rides RideDispatcher
	eta   ETAEstimator
	cfg   config.MatchingConfig
	log   *zap.Logger
}

// NewService accepts a nil eta estimator; ETAs then come from straight-line distance.
func NewService(index Index, rides RideDispatcher, eta ETAEstimator, cfg config.MatchingConfig, log *zap.Logger) *Service {
	return &Service{index: index, rides: rides, eta: eta, cfg: cfg, log: log.Named("matching")}
}

// FindNearest returns the available driver closest to pickup. Ties keep index order.
func (s *Service) FindNearest(ctx context.Context, pickup types.Point) (Match, error) {
	ranked, err := s.rank(ctx, pickup, 1)
	if err != nil {
		return Match{}, err
	}
	m := ranked[0]
	m.ETA = s.estimate(ctx, *m.Driver.Location, pickup, m.DistanceMeters)
	return m, nil
}

// rank returns up to n candidates nearest to pickup.
func (s *Service) rank(ctx context.Context, pickup types.Point, n int) ([]Match, error) {
	if !location.ValidPoint(pickup) {
		return nil, types.NewValidationError("invalid pickup coordinate")
	}
	candidates, err := s.index.Candidates(ctx, pickup)
	if err != nil {
		return nil, err
	}
	matches := make([]Match, 0, len(candidates))
	for _, d := range candidates {
		if d.Location == nil {
			continue
		}
		matches = append(matches, Match{Driver: d, DistanceMeters: location.DistanceMeters(*d.Location, pickup)})
	}
	if len(matches) == 0 {
		return nil, ErrNoDriver
	}
	return location.Nearest(matches, n, func(m Match) float64 { return m.DistanceMeters }), nil
}

func (s *Service) estimate(ctx context.Context, from, to types.Point, meters float64) time.Duration {
	if s.eta != nil {
		d, err := s.eta.TravelEstimate(ctx, from, to)
		if err == nil {
			return d
		}
		s.log.Warn("eta estimate failed, using straight line", zap.Error(err))
	}
	hours := meters / 1000 / fallbackSpeedKmh
	return time.Duration(hours * float64(time.Hour)).Round(time.Second)
}

// SortByProximity returns the rides a driver could still take, nearest pickup first.
// Assigned rides and rides past the dispatch phase are dropped.
func SortByProximity(origin types.Point, rides []*ride.Ride) []*ride.Ride {
	out := make([]*ride.Ride, 0, len(rides))
	for _, r := range rides {
		if r.DriverID != nil || r.Status.Terminal() || r.Status == ride.StatusCompleted {
			continue
		}
		out = append(out, r)
	}
	location.SortByDistance(out, func(r *ride.Ride) float64 {
		return location.DistanceMeters(origin, r.Pickup.Point)
	})
	return out
}

// AutoAssign agrees an open ride on the system's behalf and hands it to the nearest driver
// that can still be reserved.
func (s *Service) AutoAssign(ctx context.Context, rideID types.ID) (*ride.Ride, error) {
	r, err := s.rides.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.DriverID != nil {
		return r, nil
	}
	ranked, err := s.rank(ctx, r.Pickup.Point, assignAttempts)
	if err != nil {
		return nil, err
	}
	if r.Status == ride.StatusPending {
		if r, err = s.rides.Agree(ctx, rideID, ride.ActorSystem, ""); err != nil {
			return nil, err
		}
	}

	var lastErr error
	for _, m := range ranked {
		accepted, err := s.rides.Accept(ctx, rideID, m.Driver.ID)
		if err == nil {
			s.log.Info("ride auto-assigned",
				zap.String("ride_id", rideID.String()),
				zap.String("driver_id", m.Driver.ID.String()),
				zap.Float64("distance_m", m.DistanceMeters),
			)
			return accepted, nil
		}
		if !errors.Is(err, ride.ErrDriverUnavailable) && !errors.Is(err, driver.ErrNotAvailable) {
			return nil, err
		}
		lastErr = err
	}
	s.log.Debug("no reservable driver", zap.String("ride_id", rideID.String()), zap.Error(lastErr))
	return nil, ErrNoDriver
}

// RunScheduler assigns open rides every tick until ctx is done. It returns immediately when
// auto-dispatch is disabled.
func (s *Service) RunScheduler(ctx context.Context) {
	if !s.cfg.AutoDispatch {
		return
	}
	tick := time.Duration(s.cfg.TickSeconds) * time.Second
	if tick <= 0 {
		tick = defaultTick
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatchOpen(ctx)
		}
	}
}

func (s *Service) dispatchOpen(ctx context.Context) {
	open, err := s.rides.ListOpen(ctx)
	if err != nil {
		s.log.Error("list open rides failed", zap.Error(err))
		return
	}
	for _, r := range open {
		if ctx.Err() != nil {
			return
		}
		_, err := s.AutoAssign(ctx, r.ID)
		switch {
		case err == nil, errors.Is(err, ErrNoDriver), errors.Is(err, types.ErrInvalidTransition):
		default:
			s.log.Warn("auto-assign failed", zap.String("ride_id", r.ID.String()), zap.Error(err))
		}
	}
}

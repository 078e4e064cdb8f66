// README: Pricing service computes fare estimates and settlement fares.
package pricing

import (
	"context"
	"errors"
	"math"

	"go.uber.org/zap"

	"campusride/internal/config"
	"campusride/internal/types"
)

type Service struct {
	rates    RateStore
	surge    SurgeSource
	defaults Rate
	log      *zap.Logger
}

// NewService accepts nil rates or surge; configured defaults and a surge of 1 are used instead.
func NewService(rates RateStore, surge SurgeSource, cfg config.PricingConfig, log *zap.Logger) *Service {
	return &Service{
		rates: rates,
		surge: surge,
		defaults: Rate{
			BaseFare:  cfg.BaseFare,
			RatePerKm: cfg.RatePerKm,
			Currency:  cfg.Currency,
		},
		log: log.Named("pricing"),
	}
}

// Quote prices a trip at the current surge for rideType.
func (s *Service) Quote(ctx context.Context, distanceKm float64, rideType string) (Quote, error) {
	if err := validDistance(distanceKm); err != nil {
		return Quote{}, err
	}
	rate := s.rate(ctx, rideType)
	surge := s.currentSurge(ctx, rideType)
	return Quote{
		Amount:   EstimateFare(distanceKm, rate.BaseFare, rate.RatePerKm, surge),
		Currency: rate.Currency,
		Surge:    surge,
	}, nil
}

// Settle prices a finished trip with the surge frozen at request time.
func (s *Service) Settle(ctx context.Context, distanceKm float64, rideType string, surge float64) (types.Money, error) {
	if err := validDistance(distanceKm); err != nil {
		return types.Money{}, err
	}
	rate := s.rate(ctx, rideType)
	return types.Money{
		Amount:   EstimateFare(distanceKm, rate.BaseFare, rate.RatePerKm, surge),
		Currency: rate.Currency,
	}, nil
}

func (s *Service) rate(ctx context.Context, rideType string) Rate {
	r := s.defaults
	r.RideType = rideType
	if s.rates == nil {
		return r
	}
	got, err := s.rates.GetRate(ctx, rideType)
	if err != nil {
		if !errors.Is(err, ErrRateNotFound) {
			s.log.Warn("rate lookup failed, using defaults", zap.String("ride_type", rideType), zap.Error(err))
		}
		return r
	}
	if got.Currency == "" {
		got.Currency = s.defaults.Currency
	}
	return got
}

func (s *Service) currentSurge(ctx context.Context, rideType string) float64 {
	if s.surge == nil {
		return 1
	}
	v, err := s.surge.Surge(ctx, rideType)
	if err != nil {
		s.log.Warn("surge lookup failed", zap.String("ride_type", rideType), zap.Error(err))
		return 1
	}
	if v < 1 || math.IsNaN(v) {
		return 1
	}
	return v
}

func validDistance(km float64) error {
	if km < 0 || math.IsNaN(km) || math.IsInf(km, 0) {
		return types.NewValidationError("distance must be a finite non-negative number")
	}
	return nil
}

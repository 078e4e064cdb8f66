// README: Candidate indexes: a registry scan and a Redis GEO lookup with an availability re-check.
package matching

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"campusride/internal/modules/driver"
	"campusride/internal/modules/location"
	"campusride/internal/types"
)

// Index yields AVAILABLE drivers with a known location that may serve a pickup.
type Index interface {
	Candidates(ctx context.Context, pickup types.Point) ([]*driver.Driver, error)
}

type DriverSource interface {
	Get(ctx context.Context, id types.ID) (*driver.Driver, error)
	ListAvailable(ctx context.Context) ([]*driver.Driver, error)
}

// RegistryIndex scans every available driver. Suitable for campus-sized fleets.
type RegistryIndex struct {
	drivers DriverSource
}

func NewRegistryIndex(drivers DriverSource) *RegistryIndex {
	return &RegistryIndex{drivers: drivers}
}

func (i *RegistryIndex) Candidates(ctx context.Context, _ types.Point) ([]*driver.Driver, error) {
	return i.drivers.ListAvailable(ctx)
}

type GeoSearcher interface {
	Nearby(ctx context.Context, p types.Point, radiusKm float64, userType location.UserType) ([]location.Nearby, error)
}

// GeoIndex asks Redis for drivers within radiusKm and re-reads each from the registry,
// since the GEO set may lag behind availability changes.
type GeoIndex struct {
	geo      GeoSearcher
	drivers  DriverSource
	radiusKm float64
	log      *zap.Logger
}

func NewGeoIndex(geo GeoSearcher, drivers DriverSource, radiusKm float64, log *zap.Logger) *GeoIndex {
	return &GeoIndex{geo: geo, drivers: drivers, radiusKm: radiusKm, log: log.Named("geo_index")}
}

func (i *GeoIndex) Candidates(ctx context.Context, pickup types.Point) ([]*driver.Driver, error) {
	hits, err := i.geo.Nearby(ctx, pickup, i.radiusKm, location.UserTypeDriver)
	if err != nil {
		return nil, types.NewExternalServiceError("geo index", err)
	}
	out := make([]*driver.Driver, 0, len(hits))
	for _, h := range hits {
		d, err := i.drivers.Get(ctx, h.UserID)
		if errors.Is(err, types.ErrNotFound) {
			i.log.Debug("geo hit without driver", zap.String("driver_id", h.UserID.String()))
			continue
		}
		if err != nil {
			return nil, err
		}
		if d.Status != driver.StatusAvailable || d.Location == nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

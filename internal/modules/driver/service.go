// README: Driver registry service owns availability status and last-known location.
package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"campusride/internal/modules/location"
	"campusride/internal/types"
)

// GeoMirror receives driver positions for spatial lookup; location.Service implements it.
type GeoMirror interface {
	Update(ctx context.Context, u location.Update) error
	Remove(ctx context.Context, id types.ID, userType location.UserType) error
}

type Service struct {
	store Store
	geo   GeoMirror
	log   *zap.Logger
}

// NewService accepts a nil geo mirror.
func NewService(store Store, geo GeoMirror, log *zap.Logger) *Service {
	return &Service{store: store, geo: geo, log: log.Named("driver")}
}

type RegisterCommand struct {
	UserID          types.ID
	Age             int
	LicenseRef      string
	ExperienceYears int
	Vehicle         Vehicle
}

func (s *Service) Register(ctx context.Context, cmd RegisterCommand) (types.ID, error) {
	if err := validateRegistration(cmd); err != nil {
		return "", err
	}
	now := time.Now().UTC()
	d := &Driver{
		ID:              types.NewID(),
		UserID:          cmd.UserID,
		Age:             cmd.Age,
		LicenseRef:      strings.TrimSpace(cmd.LicenseRef),
		ExperienceYears: cmd.ExperienceYears,
		Vehicle:         cmd.Vehicle,
		Status:          StatusOffline,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		return "", err
	}
	s.log.Info("driver registered", zap.String("driver_id", d.ID.String()), zap.String("user_id", cmd.UserID.String()))
	return d.ID, nil
}

func validateRegistration(cmd RegisterCommand) error {
	var missing []string
	if cmd.UserID == "" {
		missing = append(missing, "user_id")
	}
	if strings.TrimSpace(cmd.LicenseRef) == "" {
		missing = append(missing, "license_ref")
	}
	if strings.TrimSpace(cmd.Vehicle.Brand) == "" {
		missing = append(missing, "vehicle.brand")
	}
	if strings.TrimSpace(cmd.Vehicle.Model) == "" {
		missing = append(missing, "vehicle.model")
	}
	if strings.TrimSpace(cmd.Vehicle.Plate) == "" {
		missing = append(missing, "vehicle.plate")
	}
	if len(missing) > 0 {
		return types.NewValidationError("missing " + strings.Join(missing, ", "))
	}
	if cmd.Age < 0 || cmd.ExperienceYears < 0 || cmd.Vehicle.Mileage < 0 {
		return types.NewValidationError("age, experience and mileage must not be negative")
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Driver, error) {
	return s.store.Get(ctx, id)
}

// SetAvailability is the driver's own toggle between AVAILABLE and OFFLINE.
func (s *Service) SetAvailability(ctx context.Context, id types.ID, to Status) error {
	if to != StatusAvailable && to != StatusOffline {
		return types.NewValidationError("availability must be AVAILABLE or OFFLINE")
	}
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if d.Status == to {
		return nil
	}
	if d.Status != StatusAvailable && d.Status != StatusOffline {
		return fmt.Errorf("%w: driver is %s", ErrAvailabilityLocked, d.Status)
	}
	ok, err := s.store.UpdateStatus(ctx, id, d.Status, to)
	if err != nil {
		return err
	}
	if !ok {
		// Lost to Reserve or moderation between the read and the write.
		return ErrAvailabilityLocked
	}
	if to == StatusOffline && s.geo != nil {
		if err := s.geo.Remove(ctx, id, location.UserTypeDriver); err != nil {
			s.log.Warn("geo remove failed", zap.String("driver_id", id.String()), zap.Error(err))
		}
	}
	s.log.Info("driver availability changed", zap.String("driver_id", id.String()), zap.String("status", string(to)))
	return nil
}

// Moderate is the admin path to SUSPENDED, BANNED or back to OFFLINE.
func (s *Service) Moderate(ctx context.Context, id types.ID, to Status) error {
	switch to {
	case StatusSuspended, StatusBanned, StatusOffline:
	default:
		return types.NewValidationError("moderation status must be SUSPENDED, BANNED or OFFLINE")
	}
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if d.Status == to {
		return nil
	}
	if d.Status == StatusBusy {
		return fmt.Errorf("%w: driver is on a ride", ErrAvailabilityLocked)
	}
	ok, err := s.store.UpdateStatus(ctx, id, d.Status, to)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAvailabilityLocked
	}
	if s.geo != nil {
		if err := s.geo.Remove(ctx, id, location.UserTypeDriver); err != nil {
			s.log.Warn("geo remove failed", zap.String("driver_id", id.String()), zap.Error(err))
		}
	}
	s.log.Info("driver moderated", zap.String("driver_id", id.String()), zap.String("status", string(to)))
	return nil
}

func (s *Service) UpdateLocation(ctx context.Context, id types.ID, p types.Point) error {
	if !location.ValidPoint(p) {
		return types.NewValidationError("invalid coordinate")
	}
	if err := s.store.UpdateLocation(ctx, id, p); err != nil {
		return err
	}
	if s.geo != nil {
		err := s.geo.Update(ctx, location.Update{UserID: id, UserType: location.UserTypeDriver, Position: p})
		if err != nil {
			s.log.Warn("geo mirror failed", zap.String("driver_id", id.String()), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) ListAvailable(ctx context.Context) ([]*Driver, error) {
	return s.store.ListAvailable(ctx)
}

// Reserve flips an AVAILABLE driver to BUSY for a ride acceptance.
func (s *Service) Reserve(ctx context.Context, id types.ID) error {
	ok, err := s.store.UpdateStatus(ctx, id, StatusAvailable, StatusBusy)
	if err != nil {
		return err
	}
	if !ok {
		if _, err := s.store.Get(ctx, id); err != nil {
			return err
		}
		return ErrNotAvailable
	}
	return nil
}

// Release returns a BUSY driver to AVAILABLE when their ride ends.
func (s *Service) Release(ctx context.Context, id types.ID) error {
	ok, err := s.store.UpdateStatus(ctx, id, StatusBusy, StatusAvailable)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotBusy
	}
	return nil
}

func (s *Service) Rate(ctx context.Context, id types.ID, stars int) error {
	if stars < 1 || stars > 5 {
		return types.NewValidationError("rating must be between 1 and 5")
	}
	return s.store.AppendRating(ctx, id, stars)
}

// IsLocked reports whether err came from an availability guard.
func IsLocked(err error) bool {
	return errors.Is(err, ErrAvailabilityLocked) || errors.Is(err, ErrNotAvailable)
}

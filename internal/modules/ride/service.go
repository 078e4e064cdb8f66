// README: Ride service implements the lifecycle state machine: re-read, check table, CAS, then side effects.
package ride

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"campusride/internal/modules/location"
	"campusride/internal/modules/passenger"
	"campusride/internal/modules/payment"
	"campusride/internal/modules/pricing"
	"campusride/internal/types"
)

const (
	maxCASAttempts  = 3
	defaultRideType = "standard"
)

type DriverRegistry interface {
	Reserve(ctx context.Context, id types.ID) error
	Release(ctx context.Context, id types.ID) error
}

type PassengerDirectory interface {
	Ensure(ctx context.Context, userID types.ID, name string) (*passenger.Passenger, error)
}

type Pricer interface {
	Quote(ctx context.Context, distanceKm float64, rideType string) (pricing.Quote, error)
	Settle(ctx context.Context, distanceKm float64, rideType string, surge float64) (types.Money, error)
}

// Geocoder resolves a free-form address; it returns types.ErrNotFound for unknown addresses.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (types.Point, error)
}

// Notifier receives exactly one event per applied transition, including creation.
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// LocationListener receives ride snapshots after each driver location write.
type LocationListener interface {
	DriverLocationUpdated(ctx context.Context, r *Ride)
}

type Deps struct {
	Store      Store
	Drivers    DriverRegistry
	Passengers PassengerDirectory
	Pricing    Pricer
	Payments   payment.Gateway
	// Optional.
	Geocoder  Geocoder
	Notifiers []Notifier
	Listeners []LocationListener
	Log       *zap.Logger
	Now       func() time.Time
}

type Service struct {
	store      Store
	drivers    DriverRegistry
	passengers PassengerDirectory
	pricing    Pricer
	payments   payment.Gateway
	geocoder   Geocoder
	log        *zap.Logger
	now        func() time.Time
	flight     singleflight.Group

	mu        sync.RWMutex
	notifiers []Notifier
	listeners []LocationListener
}

func NewService(d Deps) *Service {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	now := d.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		store:      d.Store,
		drivers:    d.Drivers,
		passengers: d.Passengers,
		pricing:    d.Pricing,
		payments:   d.Payments,
		geocoder:   d.Geocoder,
		log:        log.Named("ride"),
		now:        now,
		notifiers:  append([]Notifier(nil), d.Notifiers...),
		listeners:  append([]LocationListener(nil), d.Listeners...),
	}
}

// AddNotifier registers a sink after construction, for sinks that themselves depend on the service.
func (s *Service) AddNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifiers = append(s.notifiers, n)
}

func (s *Service) AddLocationListener(l LocationListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// PlaceInput is either coordinates or an address to geocode; an address alongside coordinates is kept as the label.
type PlaceInput struct {
	Point   *types.Point
	Address string
}

type RequestCommand struct {
	PassengerID   types.ID
	PassengerName string
	Pickup        PlaceInput
	Dropoff       PlaceInput
	RideType      string
}

type TransitionCommand struct {
	RideID    types.ID
	To        Status
	ActorType string
	ActorID   types.ID
	// DriverID is required for ACCEPTED.
	DriverID types.ID
	// At is the driver's final position for COMPLETED; the last reported location is used when nil.
	At *types.Point
	// PaymentMethod is used for PAID.
	PaymentMethod string
	// Confirmation settles a pending payment instead of charging.
	Confirmation *PaymentConfirmation
}

type PaymentConfirmation struct {
	ExternalID string
	Succeeded  bool
}

func (s *Service) Request(ctx context.Context, cmd RequestCommand) (*Ride, error) {
	if cmd.PassengerID == "" {
		return nil, types.NewValidationError("missing passenger id")
	}
	rideType := strings.TrimSpace(cmd.RideType)
	if rideType == "" {
		rideType = defaultRideType
	}
	pickup, err := s.resolvePlace(ctx, "pickup", cmd.Pickup)
	if err != nil {
		return nil, err
	}
	dropoff, err := s.resolvePlace(ctx, "dropoff", cmd.Dropoff)
	if err != nil {
		return nil, err
	}
	if _, err := s.passengers.Ensure(ctx, cmd.PassengerID, cmd.PassengerName); err != nil {
		return nil, err
	}
	active, err := s.store.HasActiveByPassenger(ctx, cmd.PassengerID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ErrActiveRide
	}
	quote, err := s.pricing.Quote(ctx, location.DistanceKm(pickup.Point, dropoff.Point), rideType)
	if err != nil {
		return nil, err
	}

	now := s.now()
	r := &Ride{
		ID:              types.NewID(),
		PassengerID:     cmd.PassengerID,
		Pickup:          pickup,
		Dropoff:         dropoff,
		Status:          StatusPending,
		RideType:        rideType,
		SurgeMultiplier: quote.Surge,
		EstimatedPrice:  quote.Amount,
		Currency:        quote.Currency,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}
	s.record(ctx, r, StatusNone, ActorPassenger, types.IDPtr(cmd.PassengerID), now)
	return r.Clone(), nil
}

func (s *Service) resolvePlace(ctx context.Context, field string, in PlaceInput) (types.Place, error) {
	addr := strings.TrimSpace(in.Address)
	if in.Point != nil {
		if !location.ValidPoint(*in.Point) {
			return types.Place{}, types.NewValidationError(field + " coordinate out of range")
		}
		return types.Place{Point: *in.Point, Address: addr}, nil
	}
	if addr == "" {
		return types.Place{}, types.NewValidationError(field + " requires coordinates or an address")
	}
	if s.geocoder == nil {
		return types.Place{}, types.NewValidationError(field + " requires coordinates")
	}
	p, err := s.geocoder.Geocode(ctx, addr)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return types.Place{}, types.NewValidationError(field + " address not found")
		}
		s.log.Error("geocode failed", zap.String("field", field), zap.Error(err))
		return types.Place{}, types.NewExternalServiceError("geocoder", err)
	}
	return types.Place{Point: p, Address: addr}, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Ride, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) Events(ctx context.Context, id types.ID) ([]Event, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, id)
}

// ListOpen returns unassigned PENDING and AGREED rides.
func (s *Service) ListOpen(ctx context.Context) ([]*Ride, error) {
	return s.store.ListOpen(ctx)
}

// ListActive returns ACCEPTED and PICKED_UP rides.
func (s *Service) ListActive(ctx context.Context) ([]*Ride, error) {
	return s.store.ListActive(ctx)
}

// ActiveForDriver returns the ride the driver is currently serving, or nil.
func (s *Service) ActiveForDriver(ctx context.Context, driverID types.ID) (*Ride, error) {
	return s.store.ActiveByDriver(ctx, driverID)
}

func (s *Service) Agree(ctx context.Context, rideID types.ID, actorType string, actorID types.ID) (*Ride, error) {
	return s.Transition(ctx, TransitionCommand{RideID: rideID, To: StatusAgreed, ActorType: actorType, ActorID: actorID})
}

func (s *Service) Accept(ctx context.Context, rideID, driverID types.ID) (*Ride, error) {
	return s.Transition(ctx, TransitionCommand{RideID: rideID, To: StatusAccepted, ActorType: ActorDriver, ActorID: driverID, DriverID: driverID})
}

func (s *Service) Reject(ctx context.Context, rideID types.ID, actorType string, actorID types.ID) (*Ride, error) {
	return s.Transition(ctx, TransitionCommand{RideID: rideID, To: StatusRejected, ActorType: actorType, ActorID: actorID})
}

func (s *Service) Cancel(ctx context.Context, rideID types.ID, actorType string, actorID types.ID) (*Ride, error) {
	return s.Transition(ctx, TransitionCommand{RideID: rideID, To: StatusCanceled, ActorType: actorType, ActorID: actorID})
}

func (s *Service) PickUp(ctx context.Context, rideID types.ID, actorType string, actorID types.ID) (*Ride, error) {
	return s.Transition(ctx, TransitionCommand{RideID: rideID, To: StatusPickedUp, ActorType: actorType, ActorID: actorID})
}

func (s *Service) Stop(ctx context.Context, rideID types.ID, actorType string, actorID types.ID) (*Ride, error) {
	return s.Transition(ctx, TransitionCommand{RideID: rideID, To: StatusStopped, ActorType: actorType, ActorID: actorID})
}

func (s *Service) Complete(ctx context.Context, rideID types.ID, actorType string, actorID types.ID, at *types.Point) (*Ride, error) {
	return s.Transition(ctx, TransitionCommand{RideID: rideID, To: StatusCompleted, ActorType: actorType, ActorID: actorID, At: at})
}

func (s *Service) Pay(ctx context.Context, rideID, passengerID types.ID, method string) (*Ride, error) {
	return s.Transition(ctx, TransitionCommand{RideID: rideID, To: StatusPaid, ActorType: ActorPassenger, ActorID: passengerID, PaymentMethod: method})
}

// ConfirmPayment settles a pending payment reported by the payment provider.
func (s *Service) ConfirmPayment(ctx context.Context, rideID types.ID, externalID string, succeeded bool) (*Ride, error) {
	return s.Transition(ctx, TransitionCommand{
		RideID:       rideID,
		To:           StatusPaid,
		ActorType:    ActorSystem,
		Confirmation: &PaymentConfirmation{ExternalID: externalID, Succeeded: succeeded},
	})
}

// Transition requests a move of one ride to cmd.To. Requests the ride already satisfies are
// no-op successes; requests outside the table return *InvalidTransitionError. Identical
// concurrent requests in this process share one execution.
func (s *Service) Transition(ctx context.Context, cmd TransitionCommand) (*Ride, error) {
	if cmd.RideID == "" {
		return nil, types.NewValidationError("missing ride id")
	}
	if _, ok := ParseStatus(string(cmd.To)); !ok || cmd.To == StatusPending {
		return nil, types.NewValidationError(fmt.Sprintf("unknown target status %q", cmd.To))
	}
	if cmd.ActorType == "" {
		cmd.ActorType = ActorSystem
	}
	key := string(cmd.RideID) + "|" + string(cmd.To) + "|" + string(cmd.DriverID)
	if cmd.Confirmation != nil {
		key += "|confirm|" + cmd.Confirmation.ExternalID
	}
	v, err, _ := s.flight.Do(key, func() (interface{}, error) {
		return s.transition(ctx, cmd)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Ride).Clone(), nil
}

func (s *Service) transition(ctx context.Context, cmd TransitionCommand) (*Ride, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		r, err := s.store.Get(ctx, cmd.RideID)
		if err != nil {
			return nil, err
		}
		if IsStale(r.Status, cmd.To) {
			if cmd.To == StatusAccepted && cmd.DriverID != "" && r.DriverID != nil && *r.DriverID != cmd.DriverID {
				return nil, s.reject(r, cmd, "ride accepted by another driver")
			}
			s.log.Debug("stale transition ignored",
				zap.String("ride_id", r.ID.String()),
				zap.String("status", string(r.Status)),
				zap.String("requested", string(cmd.To)),
			)
			return r, nil
		}
		if !CanTransition(r.Status, cmd.To) {
			return nil, s.reject(r, cmd, "")
		}

		var applied *Ride
		if cmd.To == StatusPaid {
			applied, err = s.pay(ctx, r, cmd)
		} else {
			applied, err = s.apply(ctx, r, cmd)
		}
		if errors.Is(err, types.ErrStaleTransition) {
			continue
		}
		return applied, err
	}
	s.log.Warn("transition gave up after repeated conflicts",
		zap.String("ride_id", cmd.RideID.String()), zap.String("requested", string(cmd.To)))
	return nil, ErrConflict
}

// apply performs every non-payment transition. It returns types.ErrStaleTransition when the CAS lost.
func (s *Service) apply(ctx context.Context, r *Ride, cmd TransitionCommand) (*Ride, error) {
	now := s.now()
	u := StatusUpdate{From: r.Status, To: cmd.To, Version: r.StatusVersion, At: now}
	var reserved types.ID
	releaseAfter := false

	switch cmd.To {
	case StatusAgreed:
		if r.DriverID != nil {
			return nil, s.reject(r, cmd, "driver already assigned")
		}
	case StatusAccepted:
		if cmd.DriverID == "" {
			return nil, types.NewValidationError("accept requires a driver id")
		}
		if err := s.drivers.Reserve(ctx, cmd.DriverID); err != nil {
			if errors.Is(err, types.ErrNotFound) {
				return nil, err
			}
			s.log.Warn("driver reservation failed",
				zap.String("ride_id", r.ID.String()), zap.String("driver_id", cmd.DriverID.String()), zap.Error(err))
			return nil, fmt.Errorf("%w: %v", ErrDriverUnavailable, err)
		}
		reserved = cmd.DriverID
		u.DriverID = &reserved
	case StatusCompleted:
		price, err := s.settle(ctx, r, cmd.At)
		if err != nil {
			return nil, err
		}
		u.Price = &price
		releaseAfter = true
	case StatusRejected, StatusCanceled, StatusStopped:
		releaseAfter = true
	}

	ok, err := s.store.UpdateStatus(ctx, r.ID, u)
	if err != nil || !ok {
		if reserved != "" {
			s.releaseDriver(ctx, reserved, r.ID)
		}
		if err != nil {
			return nil, err
		}
		return nil, types.ErrStaleTransition
	}
	if releaseAfter && r.DriverID != nil {
		s.releaseDriver(ctx, *r.DriverID, r.ID)
	}

	updated := r.Clone()
	applyUpdate(updated, u)
	s.record(ctx, updated, r.Status, cmd.ActorType, types.IDPtr(cmd.ActorID), now)
	return updated, nil
}

// settle prices the trip from pickup to the driver's final position in a straight line.
func (s *Service) settle(ctx context.Context, r *Ride, at *types.Point) (float64, error) {
	final := r.Dropoff.Point
	switch {
	case at != nil:
		if !location.ValidPoint(*at) {
			return 0, types.NewValidationError("final position out of range")
		}
		final = *at
	case r.DriverLocation != nil:
		final = *r.DriverLocation
	}
	m, err := s.pricing.Settle(ctx, location.DistanceKm(r.Pickup.Point, final), r.RideType, r.SurgeMultiplier)
	if err != nil {
		return 0, err
	}
	return m.Amount, nil
}

// pay charges the settled fare, or applies a provider confirmation. A pending charge leaves the
// ride COMPLETED with the payment recorded; a failed charge never rolls the ride back.
func (s *Service) pay(ctx context.Context, r *Ride, cmd TransitionCommand) (*Ride, error) {
	if cmd.Confirmation != nil {
		return s.confirm(ctx, r, cmd)
	}
	if r.Payment != nil && r.Payment.Status == PaymentPending {
		return r, nil
	}
	amount := r.EstimatedPrice
	if r.Price != nil {
		amount = *r.Price
	}
	method := cmd.PaymentMethod
	if method == "" {
		method = payment.MethodCard
	}
	res, err := s.payments.Charge(ctx, payment.ChargeRequest{
		RideID:         r.ID,
		Amount:         amount,
		Currency:       r.Currency,
		Method:         method,
		IdempotencyKey: chargeKey(r),
	})
	if err == nil && res.Status == payment.StatusFailed {
		err = payment.ErrDeclined
	}
	if err != nil {
		if errors.Is(err, types.ErrValidation) {
			return nil, err
		}
		s.log.Error("payment charge failed", zap.String("ride_id", r.ID.String()), zap.Error(err))
		failed := &Payment{Amount: amount, Currency: r.Currency, Status: PaymentFailed, Method: method}
		if _, werr := s.store.UpdateStatus(ctx, r.ID, StatusUpdate{
			From: r.Status, To: r.Status, Version: r.StatusVersion, Payment: failed, At: s.now(),
		}); werr != nil {
			s.log.Error("record failed payment", zap.String("ride_id", r.ID.String()), zap.Error(werr))
		}
		return nil, types.NewExternalServiceError("payment", err)
	}

	p := &Payment{
		ID:         res.ID,
		Amount:     amount,
		Currency:   r.Currency,
		Status:     PaymentStatus(res.Status),
		Method:     method,
		ExternalID: res.ExternalID,
	}
	if res.Status == payment.StatusPending {
		return s.writePayment(ctx, r, p, StatusCompleted, cmd)
	}
	p.Status = PaymentSucceeded
	return s.writePayment(ctx, r, p, StatusPaid, cmd)
}

// chargeKey stays stable while a charge may still settle; a failed charge starts a fresh attempt.
func chargeKey(r *Ride) string {
	if r.Payment != nil && r.Payment.Status == PaymentFailed {
		return fmt.Sprintf("ride:%s:%d", r.ID, r.StatusVersion)
	}
	return "ride:" + string(r.ID)
}

func (s *Service) confirm(ctx context.Context, r *Ride, cmd TransitionCommand) (*Ride, error) {
	c := cmd.Confirmation
	if r.Payment == nil || r.Payment.ExternalID != c.ExternalID {
		return nil, types.NewValidationError("payment reference does not match ride")
	}
	p := *r.Payment
	if !c.Succeeded {
		p.Status = PaymentFailed
		s.log.Warn("payment confirmation failed", zap.String("ride_id", r.ID.String()), zap.String("external_id", c.ExternalID))
		return s.writePayment(ctx, r, &p, StatusCompleted, cmd)
	}
	p.Status = PaymentSucceeded
	return s.writePayment(ctx, r, &p, StatusPaid, cmd)
}

// writePayment CASes the payment record, moving to PAID or staying COMPLETED.
func (s *Service) writePayment(ctx context.Context, r *Ride, p *Payment, to Status, cmd TransitionCommand) (*Ride, error) {
	now := s.now()
	u := StatusUpdate{From: r.Status, To: to, Version: r.StatusVersion, Payment: p, At: now}
	ok, err := s.store.UpdateStatus(ctx, r.ID, u)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.ErrStaleTransition
	}
	updated := r.Clone()
	applyUpdate(updated, u)
	if to == r.Status {
		s.log.Info("payment recorded",
			zap.String("ride_id", r.ID.String()), zap.String("payment_status", string(p.Status)))
		return updated, nil
	}
	s.record(ctx, updated, r.Status, cmd.ActorType, types.IDPtr(cmd.ActorID), now)
	return updated, nil
}

// UpdateDriverLocation overwrites the live driver position while the ride is ACCEPTED or PICKED_UP.
// It returns nil without error when the ride is in any other status.
func (s *Service) UpdateDriverLocation(ctx context.Context, rideID types.ID, p types.Point) (*Ride, error) {
	if !location.ValidPoint(p) {
		return nil, types.NewValidationError("invalid coordinate")
	}
	r, err := s.store.UpdateDriverLocation(ctx, rideID, p)
	if err != nil || r == nil {
		return nil, err
	}
	s.mu.RLock()
	listeners := s.listeners
	s.mu.RUnlock()
	for _, l := range listeners {
		l.DriverLocationUpdated(ctx, r.Clone())
	}
	return r, nil
}

func (s *Service) reject(r *Ride, cmd TransitionCommand, reason string) error {
	err := &InvalidTransitionError{From: r.Status, To: cmd.To, Reason: reason}
	s.log.Warn("transition rejected",
		zap.String("ride_id", r.ID.String()),
		zap.String("actor_type", cmd.ActorType),
		zap.Error(err),
	)
	return err
}

func (s *Service) releaseDriver(ctx context.Context, driverID, rideID types.ID) {
	if err := s.drivers.Release(ctx, driverID); err != nil {
		s.log.Error("driver release failed",
			zap.String("driver_id", driverID.String()), zap.String("ride_id", rideID.String()), zap.Error(err))
	}
}

// record appends the audit event and fans it out. Failures are logged, never returned.
func (s *Service) record(ctx context.Context, r *Ride, from Status, actorType string, actorID *types.ID, at time.Time) {
	e := &Event{
		RideID:    r.ID,
		From:      from,
		To:        r.Status,
		ActorType: actorType,
		ActorID:   actorID,
		Ride:      r.Clone(),
		CreatedAt: at,
	}
	if err := s.store.AppendEvent(ctx, e); err != nil {
		s.log.Error("append ride event failed", zap.String("ride_id", r.ID.String()), zap.Error(err))
	}
	s.log.Info("ride transition",
		zap.String("ride_id", r.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(r.Status)),
		zap.String("actor_type", actorType),
	)

	s.mu.RLock()
	notifiers := s.notifiers
	s.mu.RUnlock()
	for _, n := range notifiers {
		n.Notify(ctx, *e)
	}
}

// README: Watcher turns a stream of device samples into waypoint-triggered ride transitions.
package tracking

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"campusride/internal/modules/location"
	"campusride/internal/modules/ride"
	"campusride/internal/types"
)

// RideClient is the part of the ride service a watcher needs.
type RideClient interface {
	Get(ctx context.Context, id types.ID) (*ride.Ride, error)
	Transition(ctx context.Context, cmd ride.TransitionCommand) (*ride.Ride, error)
	UpdateDriverLocation(ctx context.Context, rideID types.ID, p types.Point) (*ride.Ride, error)
}

type WatcherConfig struct {
	RideID  types.ID
	Role    Role
	ActorID types.ID
	Client  RideClient
	Matcher WaypointMatcher
	Policy  Policy
	Log     *zap.Logger
}

type Watcher struct {
	rideID  types.ID
	role    Role
	actorID types.ID
	client  RideClient
	matcher WaypointMatcher
	policy  Policy
	log     *zap.Logger
}

func NewWatcher(cfg WatcherConfig) *Watcher {
	if cfg.Matcher == nil {
		cfg.Matcher = ThresholdMatcher{Meters: DefaultThresholdMeters}
	}
	if cfg.Policy == nil {
		cfg.Policy = DefaultPolicy(false)
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		rideID:  cfg.RideID,
		role:    cfg.Role,
		actorID: cfg.ActorID,
		client:  cfg.Client,
		matcher: cfg.Matcher,
		policy:  cfg.Policy,
		log: log.Named("watcher").With(
			zap.String("ride_id", cfg.RideID.String()),
			zap.String("role", string(cfg.Role)),
		),
	}
}

// Run consumes samples until the channel closes, ctx ends, or the ride leaves the
// statuses this role can still act on. It returns nil in all of those cases.
func (w *Watcher) Run(ctx context.Context, samples <-chan location.Sample) error {
	g, gctx := errgroup.WithContext(ctx)
	box := newMailbox()

	if w.role == RoleDriver {
		g.Go(func() error {
			w.writeLocations(gctx, box)
			return nil
		})
	}
	g.Go(func() error {
		defer box.close()
		return w.loop(gctx, samples, box)
	})
	return g.Wait()
}

func (w *Watcher) loop(ctx context.Context, samples <-chan location.Sample, box *mailbox) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-samples:
			if !ok {
				return nil
			}
			done, err := w.handle(ctx, s, box)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// handle evaluates one sample against a fresh read of the ride.
func (w *Watcher) handle(ctx context.Context, s location.Sample, box *mailbox) (bool, error) {
	if !location.ValidPoint(s.Point) {
		w.log.Debug("invalid sample dropped")
		return false, nil
	}
	r, err := w.client.Get(ctx, w.rideID)
	if errors.Is(err, types.ErrNotFound) {
		return true, err
	}
	if err != nil {
		w.log.Warn("ride read failed", zap.Error(err))
		return false, nil
	}
	if w.finished(r.Status) {
		return true, nil
	}
	if w.role == RoleDriver && r.Status.Active() {
		box.put(s.Point)
	}

	waypoint, to, ok := nextLeg(r)
	if !ok || !w.policy.Allows(w.role, to) || !w.matcher.Reached(s.Point, waypoint) {
		return false, nil
	}
	cmd := ride.TransitionCommand{
		RideID:    w.rideID,
		To:        to,
		ActorType: w.role.actorType(),
		ActorID:   w.actorID,
	}
	if to == ride.StatusCompleted {
		at := s.Point
		cmd.At = &at
	}
	updated, err := w.client.Transition(ctx, cmd)
	if err != nil {
		// Retried on the next sample.
		w.log.Warn("waypoint transition failed", zap.String("to", string(to)), zap.Error(err))
		return false, nil
	}
	return w.finished(updated.Status), nil
}

// finished reports whether the ride can no longer move through this role's watcher.
func (w *Watcher) finished(s ride.Status) bool {
	if s.Terminal() {
		return true
	}
	return s == ride.StatusCompleted
}

func (w *Watcher) writeLocations(ctx context.Context, box *mailbox) {
	for {
		p, ok := box.take(ctx)
		if !ok {
			return
		}
		if _, err := w.client.UpdateDriverLocation(ctx, w.rideID, p); err != nil && ctx.Err() == nil {
			w.log.Warn("driver location write failed", zap.Error(err))
		}
	}
}

// mailbox holds at most one pending position; a newer put replaces an unwritten one.
type mailbox struct {
	ch     chan types.Point
	closed chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ch: make(chan types.Point, 1), closed: make(chan struct{})}
}

func (m *mailbox) put(p types.Point) {
	for {
		select {
		case m.ch <- p:
			return
		default:
		}
		select {
		case <-m.ch:
		default:
		}
	}
}

func (m *mailbox) take(ctx context.Context) (types.Point, bool) {
	select {
	case p := <-m.ch:
		return p, true
	default:
	}
	select {
	case p := <-m.ch:
		return p, true
	case <-m.closed:
		// Flush the last position before stopping.
		select {
		case p := <-m.ch:
			return p, true
		default:
			return types.Point{}, false
		}
	case <-ctx.Done():
		return types.Point{}, false
	}
}

func (m *mailbox) close() { close(m.closed) }

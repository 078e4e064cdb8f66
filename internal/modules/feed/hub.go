// README: Reactive ride feed: per-ride and nearby subscriptions fed by ride events and driver locations.
package feed

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"campusride/internal/modules/location"
	"campusride/internal/modules/ride"
	"campusride/internal/types"
)

type Kind string

const (
	KindStatus   Kind = "ride.status"
	KindLocation Kind = "ride.location"
)

// Update is one feed message. Event is set for status changes only.
type Update struct {
	Kind  Kind        `json:"type"`
	Ride  *ride.Ride  `json:"ride"`
	Event *ride.Event `json:"event,omitempty"`
	At    time.Time   `json:"at"`
}

// Bus fans updates out across service instances.
type Bus interface {
	Publish(ctx context.Context, u Update) error
	// Run delivers every published update, including this instance's own, until ctx ends.
	Run(ctx context.Context, deliver func(Update)) error
}

const subscriptionBuffer = 32

type Subscription struct {
	C      <-chan Update
	ch     chan Update
	rideID types.ID
	center *types.Point
	radius float64
	once   sync.Once
	hub    *Hub
}

// Close unsubscribes and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

// send never blocks; a full buffer drops the oldest update.
func (s *Subscription) send(u Update) {
	for {
		select {
		case s.ch <- u:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

type Hub struct {
	bus Bus
	log *zap.Logger

	mu     sync.RWMutex
	rides  map[types.ID]map[*Subscription]struct{}
	nearby map[*Subscription]struct{}
}

// NewHub delivers in-process when bus is nil; otherwise Run must be started.
func NewHub(bus Bus, log *zap.Logger) *Hub {
	return &Hub{
		bus:    bus,
		log:    log.Named("feed"),
		rides:  make(map[types.ID]map[*Subscription]struct{}),
		nearby: make(map[*Subscription]struct{}),
	}
}

// SubscribeRide streams status and location updates for one ride.
func (h *Hub) SubscribeRide(rideID types.ID) *Subscription {
	s := h.newSubscription()
	s.rideID = rideID
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.rides[rideID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.rides[rideID] = subs
	}
	subs[s] = struct{}{}
	return s
}

// SubscribeNearby streams status updates of rides whose pickup lies within radiusMeters of center.
func (h *Hub) SubscribeNearby(center types.Point, radiusMeters float64) *Subscription {
	s := h.newSubscription()
	c := center
	s.center = &c
	s.radius = radiusMeters
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nearby[s] = struct{}{}
	return s
}

func (h *Hub) newSubscription() *Subscription {
	ch := make(chan Update, subscriptionBuffer)
	return &Subscription{C: ch, ch: ch, hub: h}
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.center != nil {
		delete(h.nearby, s)
	} else if subs, ok := h.rides[s.rideID]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.rides, s.rideID)
		}
	}
	close(s.ch)
}

// Notify implements ride.Notifier.
func (h *Hub) Notify(ctx context.Context, e ride.Event) {
	if e.Ride == nil {
		return
	}
	ev := e
	ev.Ride = nil
	h.publish(ctx, Update{Kind: KindStatus, Ride: e.Ride, Event: &ev, At: e.CreatedAt})
}

// DriverLocationUpdated implements ride.LocationListener.
func (h *Hub) DriverLocationUpdated(ctx context.Context, r *ride.Ride) {
	h.publish(ctx, Update{Kind: KindLocation, Ride: r, At: time.Now().UTC()})
}

func (h *Hub) publish(ctx context.Context, u Update) {
	if h.bus == nil {
		h.Deliver(u)
		return
	}
	if err := h.bus.Publish(ctx, u); err != nil {
		h.log.Error("feed publish failed, delivering locally", zap.String("ride_id", u.Ride.ID.String()), zap.Error(err))
		h.Deliver(u)
	}
}

// Run pumps bus deliveries into local subscribers until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus == nil {
		<-ctx.Done()
		return nil
	}
	return h.bus.Run(ctx, h.Deliver)
}

// Deliver hands u to every matching local subscriber.
func (h *Hub) Deliver(u Update) {
	if u.Ride == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.rides[u.Ride.ID] {
		s.send(u)
	}
	if u.Kind != KindStatus {
		return
	}
	for s := range h.nearby {
		if location.DistanceMeters(*s.center, u.Ride.Pickup.Point) <= s.radius {
			s.send(u)
		}
	}
}

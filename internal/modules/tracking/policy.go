// README: Roles, the transitions each role may request, and waypoint matchers.
package tracking

import (
	"strings"

	"campusride/internal/modules/location"
	"campusride/internal/modules/ride"
	"campusride/internal/types"
)

type Role string

const (
	RoleDriver    Role = "driver"
	RolePassenger Role = "passenger"
)

func (r Role) actorType() string {
	if r == RolePassenger {
		return ride.ActorPassenger
	}
	return ride.ActorDriver
}

// Policy names the transitions each role may request from its watcher.
type Policy map[Role][]ride.Status

// DefaultPolicy lets drivers request PICKED_UP and COMPLETED. Passengers watch for display
// only unless passengerProposes is set.
func DefaultPolicy(passengerProposes bool) Policy {
	p := Policy{
		RoleDriver:    {ride.StatusPickedUp, ride.StatusCompleted},
		RolePassenger: nil,
	}
	if passengerProposes {
		p[RolePassenger] = []ride.Status{ride.StatusPickedUp, ride.StatusCompleted}
	}
	return p
}

func (p Policy) Allows(role Role, to ride.Status) bool {
	for _, s := range p[role] {
		if s == to {
			return true
		}
	}
	return false
}

// WaypointMatcher decides whether a sample has reached a waypoint.
type WaypointMatcher interface {
	Reached(sample, waypoint types.Point) bool
}

// ThresholdMatcher fires within Meters of the waypoint.
type ThresholdMatcher struct {
	Meters float64
}

func (m ThresholdMatcher) Reached(sample, waypoint types.Point) bool {
	return location.DistanceMeters(sample, waypoint) <= m.Meters
}

// ExactMatcher fires only on identical coordinates.
type ExactMatcher struct{}

func (ExactMatcher) Reached(sample, waypoint types.Point) bool {
	return sample == waypoint
}

const DefaultThresholdMeters = 35.0

// NewMatcher returns the matcher for mode "exact" or "threshold" (the default).
func NewMatcher(mode string, thresholdMeters float64) WaypointMatcher {
	if strings.EqualFold(mode, "exact") {
		return ExactMatcher{}
	}
	if thresholdMeters <= 0 {
		thresholdMeters = DefaultThresholdMeters
	}
	return ThresholdMatcher{Meters: thresholdMeters}
}

// nextLeg returns the waypoint and target status for the ride's current leg.
func nextLeg(r *ride.Ride) (types.Point, ride.Status, bool) {
	switch r.Status {
	case ride.StatusAccepted:
		return r.Pickup.Point, ride.StatusPickedUp, true
	case ride.StatusPickedUp:
		return r.Dropoff.Point, ride.StatusCompleted, true
	}
	return types.Point{}, "", false
}

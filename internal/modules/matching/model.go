// README: Matching results and dispatch tuning constants.
package matching

import (
	"fmt"
	"time"

	"campusride/internal/modules/driver"
	"campusride/internal/types"
)

// ErrNoDriver wraps types.ErrNotFound so handlers map it to 404.
var ErrNoDriver = fmt.Errorf("no available driver: %w", types.ErrNotFound)

// Match is the nearest driver for a pickup.
type Match struct {
	Driver         *driver.Driver `json:"driver"`
	DistanceMeters float64        `json:"distance_meters"`
	ETA            time.Duration  `json:"eta"`
}

const (
	// assignAttempts is how many ranked candidates AutoAssign tries before giving up on a tick.
	assignAttempts = 3
	// fallbackSpeedKmh converts straight-line distance to an ETA when no estimator answers.
	fallbackSpeedKmh = 25.0
	defaultTick      = 3 * time.Second
)

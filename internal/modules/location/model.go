// README: Location samples streamed by devices and snapshots persisted for replay.
package location

import (
	"time"

	"campusride/internal/types"
)

type UserType string

const (
	UserTypeDriver    UserType = "driver"
	UserTypePassenger UserType = "passenger"
)

// Sample is one GPS fix from a device.
type Sample struct {
	Point      types.Point `json:"point"`
	RecordedAt time.Time   `json:"recorded_at"`
}

type Snapshot struct {
	ID         int64
	UserID     types.ID
	UserType   UserType
	Position   types.Point
	RecordedAt time.Time
}

// Nearby is a GEO search hit.
type Nearby struct {
	UserID         types.ID
	Position       types.Point
	DistanceMeters float64
}

// README: Passenger profile created lazily on first ride request.
package passenger

import (
	"time"

	"campusride/internal/types"
)

// Passenger is keyed by the owning user id, so ID == UserID.
type Passenger struct {
	ID        types.ID     `json:"id"`
	UserID    types.ID     `json:"user_id"`
	Name      string       `json:"name"`
	Location  *types.Point `json:"location,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

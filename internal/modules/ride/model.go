// README: Ride aggregate, status definitions and the transition table.
package ride

import (
	"time"

	"campusride/internal/types"
)

type Status string

const (
	// StatusNone is the From status of the creation event.
	StatusNone      Status = "NONE"
	StatusPending   Status = "PENDING"
	StatusAgreed    Status = "AGREED"
	StatusAccepted  Status = "ACCEPTED"
	StatusRejected  Status = "REJECTED"
	StatusCanceled  Status = "CANCELED"
	StatusPickedUp  Status = "PICKED_UP"
	StatusStopped   Status = "STOPPED"
	StatusCompleted Status = "COMPLETED"
	StatusPaid      Status = "PAID"
)

const (
	ActorPassenger = "passenger"
	ActorDriver    = "driver"
	ActorSystem    = "system"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
)

type Payment struct {
	ID         types.ID      `json:"id"`
	Amount     float64       `json:"amount"`
	Currency   string        `json:"currency"`
	Status     PaymentStatus `json:"status"`
	Method     string        `json:"method"`
	ExternalID string        `json:"external_id,omitempty"`
}

type Ride struct {
	ID              types.ID     `json:"id"`
	PassengerID     types.ID     `json:"passenger_id"`
	DriverID        *types.ID    `json:"driver_id,omitempty"`
	Pickup          types.Place  `json:"pickup"`
	Dropoff         types.Place  `json:"dropoff"`
	Status          Status       `json:"status"`
	StatusVersion   int          `json:"status_version"`
	RideType        string       `json:"ride_type"`
	SurgeMultiplier float64      `json:"surge_multiplier"`
	Price           *float64     `json:"price,omitempty"`
	EstimatedPrice  float64      `json:"estimated_price"`
	Currency        string       `json:"currency"`
	DriverLocation  *types.Point `json:"driver_location,omitempty"`
	Payment         *Payment     `json:"payment,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	AgreedAt        *time.Time   `json:"agreed_at,omitempty"`
	AcceptedAt      *time.Time   `json:"accepted_at,omitempty"`
	RejectedAt      *time.Time   `json:"rejected_at,omitempty"`
	PickedUpAt      *time.Time   `json:"picked_up_at,omitempty"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
	PaidAt          *time.Time   `json:"paid_at,omitempty"`
	CanceledAt      *time.Time   `json:"canceled_at,omitempty"`
	StoppedAt       *time.Time   `json:"stopped_at,omitempty"`
}

// Clone returns a deep copy so snapshots handed to observers never alias store state.
func (r *Ride) Clone() *Ride {
	c := *r
	if r.DriverID != nil {
		d := *r.DriverID
		c.DriverID = &d
	}
	if r.Price != nil {
		p := *r.Price
		c.Price = &p
	}
	if r.DriverLocation != nil {
		l := *r.DriverLocation
		c.DriverLocation = &l
	}
	if r.Payment != nil {
		p := *r.Payment
		c.Payment = &p
	}
	for _, t := range []**time.Time{&c.AgreedAt, &c.AcceptedAt, &c.RejectedAt, &c.PickedUpAt, &c.CompletedAt, &c.PaidAt, &c.CanceledAt, &c.StoppedAt} {
		if *t != nil {
			v := **t
			*t = &v
		}
	}
	return &c
}

type Event struct {
	ID        int64     `json:"id"`
	RideID    types.ID  `json:"ride_id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	ActorType string    `json:"actor_type"`
	ActorID   *types.ID `json:"actor_id,omitempty"`
	Ride      *Ride     `json:"ride,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AllowedTransitions represents the ride state flow (diagram) as code.
var AllowedTransitions = map[Status][]Status{
	StatusPending:   {StatusAgreed, StatusCanceled},
	StatusAgreed:    {StatusAccepted, StatusCanceled},
	StatusAccepted:  {StatusRejected, StatusPickedUp, StatusStopped},
	StatusPickedUp:  {StatusStopped, StatusCompleted},
	StatusCompleted: {StatusPaid},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusCanceled, StatusStopped, StatusPaid:
		return true
	}
	return false
}

// Active reports whether a driver is assigned and on the way or on board.
func (s Status) Active() bool {
	return s == StatusAccepted || s == StatusPickedUp
}

var forwardRank = map[Status]int{
	StatusPending:   0,
	StatusAgreed:    1,
	StatusAccepted:  2,
	StatusPickedUp:  3,
	StatusCompleted: 4,
	StatusPaid:      5,
}

// IsStale reports whether a request for target is a duplicate the ride has already moved past:
// target equals current, or target lies earlier on the forward path of a non-terminal ride.
func IsStale(current, target Status) bool {
	if current == target {
		return true
	}
	if current.Terminal() {
		return false
	}
	cr, ok1 := forwardRank[current]
	tr, ok2 := forwardRank[target]
	return ok1 && ok2 && tr < cr
}

// Statuses lists every ride status in table order.
var Statuses = []Status{
	StatusPending, StatusAgreed, StatusAccepted, StatusRejected, StatusCanceled,
	StatusPickedUp, StatusStopped, StatusCompleted, StatusPaid,
}

func ParseStatus(v string) (Status, bool) {
	for _, s := range Statuses {
		if string(s) == v {
			return s, true
		}
	}
	return "", false
}

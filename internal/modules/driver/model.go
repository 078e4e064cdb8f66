// README: Driver aggregate, availability statuses and registry errors.
package driver

import (
	"errors"
	"time"

	"campusride/internal/types"
)

type Status string

const (
	StatusAvailable Status = "AVAILABLE"
	StatusBusy      Status = "BUSY"
	StatusOffline   Status = "OFFLINE"
	StatusSuspended Status = "SUSPENDED"
	StatusBanned    Status = "BANNED"
)

var (
	// ErrAvailabilityLocked rejects caller toggles while the driver is BUSY or moderated.
	ErrAvailabilityLocked = errors.New("availability locked")
	// ErrNotAvailable is returned by Reserve when the driver is not AVAILABLE.
	ErrNotAvailable = errors.New("driver not available")
	// ErrNotBusy is returned by Release when the driver is not BUSY.
	ErrNotBusy = errors.New("driver not busy")
)

type Vehicle struct {
	Brand     string `json:"brand"`
	Model     string `json:"model"`
	Mileage   int    `json:"mileage"`
	Plate     string `json:"plate"`
	Condition string `json:"condition"`
}

type Driver struct {
	ID              types.ID     `json:"id"`
	UserID          types.ID     `json:"user_id"`
	Age             int          `json:"age"`
	LicenseRef      string       `json:"license_ref"`
	ExperienceYears int          `json:"experience_years"`
	Vehicle         Vehicle      `json:"vehicle"`
	Ratings         []int        `json:"ratings"`
	Status          Status       `json:"status"`
	Location        *types.Point `json:"location,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

func (d *Driver) AverageRating() float64 {
	if len(d.Ratings) == 0 {
		return 0
	}
	sum := 0
	for _, r := range d.Ratings {
		sum += r
	}
	return float64(sum) / float64(len(d.Ratings))
}

func (d *Driver) clone() *Driver {
	c := *d
	c.Ratings = append([]int(nil), d.Ratings...)
	if d.Location != nil {
		p := *d.Location
		c.Location = &p
	}
	return &c
}

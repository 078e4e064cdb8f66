// README: Firebase RTDB mirror so mobile clients can listen to /rides/{id} and /driver_locations/{id} directly.
package feed

import (
	"context"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"go.uber.org/zap"

	"campusride/internal/modules/ride"
	"campusride/internal/types"
)

// rtdbRide mirrors a ride under /rides/{id}.
type rtdbRide struct {
	Status         string  `json:"status"`
	StatusVersion  int     `json:"status_version"`
	PassengerID    string  `json:"passenger_id"`
	DriverID       string  `json:"driver_id,omitempty"`
	PickupLat      float64 `json:"pickup_lat"`
	PickupLng      float64 `json:"pickup_lng"`
	DropoffLat     float64 `json:"dropoff_lat"`
	DropoffLng     float64 `json:"dropoff_lng"`
	EstimatedPrice float64 `json:"estimated_price"`
	Price          float64 `json:"price,omitempty"`
	Currency       string  `json:"currency"`
	Timestamp      int64   `json:"timestamp"`
}

// rtdbDriverEntry mirrors a driver's live position under /driver_locations/{id}.
type rtdbDriverEntry struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Status    string  `json:"status"`
	RideID    string  `json:"ride_id"`
	Timestamp int64   `json:"timestamp"`
}

// refWriter is the subset of the RTDB client the mirror writes through.
type refWriter interface {
	Set(ctx context.Context, path string, v interface{}) error
	Delete(ctx context.Context, path string) error
}

type rtdbWriter struct {
	client *db.Client
}

func (w rtdbWriter) Set(ctx context.Context, path string, v interface{}) error {
	return w.client.NewRef(path).Set(ctx, v)
}

func (w rtdbWriter) Delete(ctx context.Context, path string) error {
	return w.client.NewRef(path).Delete(ctx)
}

// FirebaseMirror implements ride.Notifier and ride.LocationListener. Write failures are logged only.
type FirebaseMirror struct {
	db  refWriter
	log *zap.Logger
}

// NewFirebaseMirror needs an app configured with a DatabaseURL.
func NewFirebaseMirror(ctx context.Context, app *firebase.App, log *zap.Logger) (*FirebaseMirror, error) {
	client, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase RTDB client: %w", err)
	}
	return newFirebaseMirror(rtdbWriter{client: client}, log), nil
}

func newFirebaseMirror(w refWriter, log *zap.Logger) *FirebaseMirror {
	return &FirebaseMirror{db: w, log: log.Named("firebase_mirror")}
}

func (m *FirebaseMirror) Notify(ctx context.Context, e ride.Event) {
	if e.Ride == nil {
		return
	}
	r := e.Ride
	if err := m.db.Set(ctx, ridePath(r.ID), toRTDBRide(r)); err != nil {
		m.log.Error("mirror ride failed", zap.String("ride_id", r.ID.String()), zap.Error(err))
	}
	if r.DriverID != nil && (r.Status.Terminal() || r.Status == ride.StatusCompleted) {
		if err := m.db.Delete(ctx, driverPath(*r.DriverID)); err != nil {
			m.log.Error("clear driver location failed", zap.String("driver_id", r.DriverID.String()), zap.Error(err))
		}
	}
}

func (m *FirebaseMirror) DriverLocationUpdated(ctx context.Context, r *ride.Ride) {
	if r.DriverID == nil || r.DriverLocation == nil {
		return
	}
	entry := rtdbDriverEntry{
		Lat:       r.DriverLocation.Lat,
		Lng:       r.DriverLocation.Lng,
		Status:    string(r.Status),
		RideID:    string(r.ID),
		Timestamp: time.Now().UnixMilli(),
	}
	if err := m.db.Set(ctx, driverPath(*r.DriverID), entry); err != nil {
		m.log.Error("mirror driver location failed", zap.String("driver_id", r.DriverID.String()), zap.Error(err))
	}
}

func toRTDBRide(r *ride.Ride) rtdbRide {
	out := rtdbRide{
		Status:         string(r.Status),
		StatusVersion:  r.StatusVersion,
		PassengerID:    string(r.PassengerID),
		PickupLat:      r.Pickup.Point.Lat,
		PickupLng:      r.Pickup.Point.Lng,
		DropoffLat:     r.Dropoff.Point.Lat,
		DropoffLng:     r.Dropoff.Point.Lng,
		EstimatedPrice: r.EstimatedPrice,
		Currency:       r.Currency,
		Timestamp:      r.UpdatedAt.UnixMilli(),
	}
	if r.DriverID != nil {
		out.DriverID = string(*r.DriverID)
	}
	if r.Price != nil {
		out.Price = *r.Price
	}
	return out
}

func ridePath(id types.ID) string   { return "rides/" + string(id) }
func driverPath(id types.ID) string { return "driver_locations/" + string(id) }

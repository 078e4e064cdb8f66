// README: Ride handlers: request, read, and the lifecycle commands of passengers and drivers.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"campusride/internal/http/middleware"
	"campusride/internal/modules/driver"
	"campusride/internal/modules/ride"
	"campusride/internal/types"
)

type RideHandler struct {
	rides   *ride.Service
	drivers *driver.Service
}

func NewRideHandler(rides *ride.Service, drivers *driver.Service) *RideHandler {
	return &RideHandler{rides: rides, drivers: drivers}
}

type placeReq struct {
	pointReq
	Address string `json:"address"`
}

func (p placeReq) input() (ride.PlaceInput, bool) {
	pt, ok := p.point()
	return ride.PlaceInput{Point: pt, Address: p.Address}, ok
}

type requestRideReq struct {
	PassengerID   string   `json:"passenger_id"`
	PassengerName string   `json:"passenger_name"`
	Pickup        placeReq `json:"pickup"`
	Dropoff       placeReq `json:"dropoff"`
	RideType      string   `json:"ride_type"`
}

func (h *RideHandler) Request(c *gin.Context) {
	var req requestRideReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	uid := middleware.CallerUID(c)
	if req.PassengerID != "" && req.PassengerID != uid {
		writeError(c, http.StatusForbidden, "forbidden: passenger_id does not match authenticated user")
		return
	}
	pickup, okPickup := req.Pickup.input()
	dropoff, okDropoff := req.Dropoff.input()
	if !okPickup || !okDropoff {
		writeError(c, http.StatusBadRequest, "lat and lng must be given together")
		return
	}
	r, err := h.rides.Request(c.Request.Context(), ride.RequestCommand{
		PassengerID:   types.ID(uid),
		PassengerName: req.PassengerName,
		Pickup:        pickup,
		Dropoff:       dropoff,
		RideType:      req.RideType,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, r)
}

// load fetches the ride named by :id.
func (h *RideHandler) load(c *gin.Context) (*ride.Ride, bool) {
	id, ok := pathID(c, "id")
	if !ok {
		return nil, false
	}
	r, err := h.rides.Get(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return nil, false
	}
	return r, true
}

// loadForPassenger fetches the ride and requires the caller to be its passenger or an admin.
func (h *RideHandler) loadForPassenger(c *gin.Context) (*ride.Ride, bool) {
	r, ok := h.load(c)
	if !ok {
		return nil, false
	}
	if !passengerOwns(c, r) && !isAdmin(c) {
		writeError(c, http.StatusForbidden, "forbidden: not your ride")
		return nil, false
	}
	return r, true
}

// Get is open to the ride's passenger, admins, and drivers browsing requests.
func (h *RideHandler) Get(c *gin.Context) {
	r, ok := h.load(c)
	if !ok {
		return
	}
	if !passengerOwns(c, r) && !isAdmin(c) && middleware.CallerRole(c) != middleware.RoleDriver {
		writeError(c, http.StatusForbidden, "forbidden: not your ride")
		return
	}
	writeJSON(c, http.StatusOK, r)
}

func (h *RideHandler) Events(c *gin.Context) {
	r, ok := h.loadForPassenger(c)
	if !ok {
		return
	}
	events, err := h.rides.Events(c.Request.Context(), r.ID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"events": events})
}

func (h *RideHandler) Agree(c *gin.Context) {
	h.passengerCommand(c, h.rides.Agree)
}

func (h *RideHandler) Cancel(c *gin.Context) {
	h.passengerCommand(c, h.rides.Cancel)
}

type passengerCmd func(ctx context.Context, rideID types.ID, actorType string, actorID types.ID) (*ride.Ride, error)

func (h *RideHandler) passengerCommand(c *gin.Context, cmd passengerCmd) {
	r, ok := h.loadForPassenger(c)
	if !ok {
		return
	}
	actorType, actorID := ride.ActorPassenger, types.ID(middleware.CallerUID(c))
	if !passengerOwns(c, r) {
		actorType, actorID = ride.ActorSystem, ""
	}
	updated, err := cmd(c.Request.Context(), r.ID, actorType, actorID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, updated)
}

type payReq struct {
	Method string `json:"method"`
}

func (h *RideHandler) Pay(c *gin.Context) {
	var req payReq
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid json")
			return
		}
	}
	r, ok := h.load(c)
	if !ok {
		return
	}
	if !passengerOwns(c, r) {
		writeError(c, http.StatusForbidden, "forbidden: only the passenger can pay")
		return
	}
	updated, err := h.rides.Pay(c.Request.Context(), r.ID, r.PassengerID, req.Method)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, updated)
}

type driverActionReq struct {
	DriverID string `json:"driver_id"`
	pointReq
}

// driverAction binds the body and resolves the caller's driver profile.
func (h *RideHandler) driverAction(c *gin.Context) (driverActionReq, *driver.Driver, bool) {
	var req driverActionReq
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid json")
			return req, nil, false
		}
	}
	if req.DriverID == "" {
		req.DriverID = c.Query("driver_id")
	}
	if !isValidID(req.DriverID) {
		writeError(c, http.StatusBadRequest, "missing driver_id")
		return req, nil, false
	}
	d, ok := ownDriver(c, h.drivers, types.ID(req.DriverID))
	return req, d, ok
}

func (h *RideHandler) Accept(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	_, d, ok := h.driverAction(c)
	if !ok {
		return
	}
	r, err := h.rides.Accept(c.Request.Context(), id, d.ID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

// assignedAction runs a transition the assigned driver requests.
func (h *RideHandler) assignedAction(c *gin.Context, run func(r *ride.Ride, d *driver.Driver, req driverActionReq) (*ride.Ride, error)) {
	r, ok := h.load(c)
	if !ok {
		return
	}
	req, d, ok := h.driverAction(c)
	if !ok {
		return
	}
	if !assignedTo(r, d.ID) {
		writeError(c, http.StatusForbidden, "forbidden: ride is not assigned to this driver")
		return
	}
	updated, err := run(r, d, req)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, updated)
}

func (h *RideHandler) PickUp(c *gin.Context) {
	h.assignedAction(c, func(r *ride.Ride, d *driver.Driver, _ driverActionReq) (*ride.Ride, error) {
		return h.rides.PickUp(c.Request.Context(), r.ID, ride.ActorDriver, d.ID)
	})
}

func (h *RideHandler) Complete(c *gin.Context) {
	h.assignedAction(c, func(r *ride.Ride, d *driver.Driver, req driverActionReq) (*ride.Ride, error) {
		at, ok := req.point()
		if !ok {
			return nil, types.NewValidationError("lat and lng must be given together")
		}
		return h.rides.Complete(c.Request.Context(), r.ID, ride.ActorDriver, d.ID, at)
	})
}

// Reject and Stop may come from either party.
func (h *RideHandler) Reject(c *gin.Context) {
	h.eitherParty(c, h.rides.Reject)
}

func (h *RideHandler) Stop(c *gin.Context) {
	h.eitherParty(c, h.rides.Stop)
}

func (h *RideHandler) eitherParty(c *gin.Context, cmd passengerCmd) {
	if middleware.CallerRole(c) == middleware.RoleDriver {
		h.assignedAction(c, func(r *ride.Ride, d *driver.Driver, _ driverActionReq) (*ride.Ride, error) {
			return cmd(c.Request.Context(), r.ID, ride.ActorDriver, d.ID)
		})
		return
	}
	h.passengerCommand(c, cmd)
}

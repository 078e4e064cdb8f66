// README: Base handler utilities (JSON helpers, error mapping, caller checks).
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"campusride/internal/http/middleware"
	"campusride/internal/modules/driver"
	"campusride/internal/modules/ride"
	"campusride/internal/types"
)

type errorResponse struct {
	Error string `json:"error"`
}

type pointReq struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

func (p pointReq) point() (*types.Point, bool) {
	if p.Lat == nil && p.Lng == nil {
		return nil, true
	}
	if p.Lat == nil || p.Lng == nil {
		return nil, false
	}
	return &types.Point{Lat: *p.Lat, Lng: *p.Lng}, true
}

// isValidID accepts the uuid form produced by types.NewID and short test ids.
func isValidID(v string) bool {
	if v == "" || len(v) > 64 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func pathID(c *gin.Context, name string) (types.ID, bool) {
	v := c.Param(name)
	if !isValidID(v) {
		writeError(c, http.StatusBadRequest, "invalid "+name)
		return "", false
	}
	return types.ID(v), true
}

func queryPoint(c *gin.Context) (types.Point, bool) {
	lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
	lng, errLng := strconv.ParseFloat(c.Query("lng"), 64)
	if errLat != nil || errLng != nil {
		writeError(c, http.StatusBadRequest, "lat and lng query parameters are required")
		return types.Point{}, false
	}
	return types.Point{Lat: lat, Lng: lng}, true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, types.ErrValidation):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, types.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, types.ErrInvalidTransition),
		errors.Is(err, ride.ErrActiveRide),
		errors.Is(err, ride.ErrConflict),
		errors.Is(err, ride.ErrDriverUnavailable),
		errors.Is(err, driver.ErrAvailabilityLocked),
		errors.Is(err, driver.ErrNotAvailable):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, types.ErrExternalService):
		writeError(c, http.StatusBadGateway, err.Error())
	default:
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

func isAdmin(c *gin.Context) bool {
	return middleware.CallerRole(c) == middleware.RoleAdmin
}

// requireAdmin writes 403 and returns false for non-admin callers.
func requireAdmin(c *gin.Context) bool {
	if !isAdmin(c) {
		writeError(c, http.StatusForbidden, "forbidden: admin role required")
		return false
	}
	return true
}

// ownDriver loads the driver profile and checks it belongs to the caller.
func ownDriver(c *gin.Context, drivers *driver.Service, id types.ID) (*driver.Driver, bool) {
	if middleware.CallerRole(c) != middleware.RoleDriver {
		writeError(c, http.StatusForbidden, "forbidden: driver role required")
		return nil, false
	}
	d, err := drivers.Get(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return nil, false
	}
	if string(d.UserID) != middleware.CallerUID(c) {
		writeError(c, http.StatusForbidden, "forbidden: driver does not belong to authenticated user")
		return nil, false
	}
	return d, true
}

// passengerOwns reports whether the caller is the ride's passenger.
func passengerOwns(c *gin.Context, r *ride.Ride) bool {
	return string(r.PassengerID) == middleware.CallerUID(c)
}

func assignedTo(r *ride.Ride, driverID types.ID) bool {
	return r.DriverID != nil && *r.DriverID == driverID
}

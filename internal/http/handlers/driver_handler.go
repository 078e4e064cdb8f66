// README: Driver handlers for registration, availability, moderation, ratings and nearby requests.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"campusride/internal/http/middleware"
	"campusride/internal/modules/driver"
	"campusride/internal/modules/matching"
	"campusride/internal/modules/ride"
	"campusride/internal/types"
)

type DriverHandler struct {
	drivers *driver.Service
	rides   *ride.Service
}

func NewDriverHandler(drivers *driver.Service, rides *ride.Service) *DriverHandler {
	return &DriverHandler{drivers: drivers, rides: rides}
}

type registerDriverReq struct {
	Age             int            `json:"age"`
	LicenseRef      string         `json:"license_ref"`
	ExperienceYears int            `json:"experience_years"`
	Vehicle         driver.Vehicle `json:"vehicle"`
}

// Register creates a driver profile for the authenticated user.
func (h *DriverHandler) Register(c *gin.Context) {
	var req registerDriverReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	id, err := h.drivers.Register(c.Request.Context(), driver.RegisterCommand{
		UserID:          types.ID(middleware.CallerUID(c)),
		Age:             req.Age,
		LicenseRef:      req.LicenseRef,
		ExperienceYears: req.ExperienceYears,
		Vehicle:         req.Vehicle,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, map[string]any{"driver_id": id, "status": driver.StatusOffline})
}

func (h *DriverHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	d, err := h.drivers.Get(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"driver": d, "average_rating": d.AverageRating()})
}

type statusReq struct {
	Status string `json:"status"`
}

func (r statusReq) driverStatus() driver.Status {
	return driver.Status(strings.ToUpper(strings.TrimSpace(r.Status)))
}

func (h *DriverHandler) SetAvailability(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req statusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if _, ok := ownDriver(c, h.drivers, id); !ok {
		return
	}
	if err := h.drivers.SetAvailability(c.Request.Context(), id, req.driverStatus()); err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"driver_id": id, "status": req.driverStatus()})
}

func (h *DriverHandler) Moderate(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok || !requireAdmin(c) {
		return
	}
	var req statusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.drivers.Moderate(c.Request.Context(), id, req.driverStatus()); err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"driver_id": id, "status": req.driverStatus()})
}

type rateReq struct {
	Stars int `json:"stars"`
}

func (h *DriverHandler) Rate(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req rateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.drivers.Rate(c.Request.Context(), id, req.Stars); err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"status": "ok"})
}

// OpenRides lists unassigned requests ordered by distance from the driver.
func (h *DriverHandler) OpenRides(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	d, ok := ownDriver(c, h.drivers, id)
	if !ok {
		return
	}
	if d.Location == nil {
		writeError(c, http.StatusConflict, "driver location unknown")
		return
	}
	open, err := h.rides.ListOpen(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"rides": matching.SortByProximity(*d.Location, open)})
}

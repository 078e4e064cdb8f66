// README: Location handlers: driver and passenger position updates.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"campusride/internal/http/middleware"
	"campusride/internal/modules/driver"
	"campusride/internal/modules/location"
	"campusride/internal/modules/passenger"
	"campusride/internal/types"
)

// SampleSink receives driver samples for server-side waypoint tracking.
type SampleSink interface {
	PushDriverSample(driverID types.ID, sample location.Sample) bool
}

type LocationHandler struct {
	drivers    *driver.Service
	passengers *passenger.Service
	tracking   SampleSink
	log        *zap.Logger
}

func NewLocationHandler(drivers *driver.Service, passengers *passenger.Service, tracking SampleSink, log *zap.Logger) *LocationHandler {
	return &LocationHandler{drivers: drivers, passengers: passengers, tracking: tracking, log: log.Named("location_handler")}
}

type locationReq struct {
	Lat        float64    `json:"lat"`
	Lng        float64    `json:"lng"`
	RecordedAt *time.Time `json:"recorded_at"`
}

func (r locationReq) sample() location.Sample {
	at := time.Now().UTC()
	if r.RecordedAt != nil {
		at = *r.RecordedAt
	}
	return location.Sample{Point: types.Point{Lat: r.Lat, Lng: r.Lng}, RecordedAt: at}
}

// UpdateDriver stores the position and feeds the watcher of the driver's active ride.
func (h *LocationHandler) UpdateDriver(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req locationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	// Only the authenticated driver may update their own location.
	if _, ok := ownDriver(c, h.drivers, id); !ok {
		return
	}
	s := req.sample()
	if err := h.drivers.UpdateLocation(c.Request.Context(), id, s.Point); err != nil {
		writeServiceError(c, err)
		return
	}
	tracked := h.tracking != nil && h.tracking.PushDriverSample(id, s)
	writeJSON(c, http.StatusOK, map[string]any{"status": "ok", "tracked": tracked})
}

func (h *LocationHandler) UpdatePassenger(c *gin.Context) {
	var req locationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	uid := types.ID(middleware.CallerUID(c))
	if err := h.passengers.UpdateLocation(c.Request.Context(), uid, req.sample().Point); err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"status": "ok"})
}

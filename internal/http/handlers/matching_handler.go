// README: Matching handlers: nearest-driver lookup and manual dispatch.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"campusride/internal/modules/matching"
)

type MatchingHandler struct {
	matching *matching.Service
}

func NewMatchingHandler(svc *matching.Service) *MatchingHandler {
	return &MatchingHandler{matching: svc}
}

type matchResp struct {
	DriverID       string  `json:"driver_id"`
	DistanceMeters float64 `json:"distance_m"`
	ETASeconds     float64 `json:"eta_seconds"`
}

func (h *MatchingHandler) Nearest(c *gin.Context) {
	p, ok := queryPoint(c)
	if !ok {
		return
	}
	m, err := h.matching.FindNearest(c.Request.Context(), p)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, matchResp{
		DriverID:       m.Driver.ID.String(),
		DistanceMeters: m.DistanceMeters,
		ETASeconds:     m.ETA.Seconds(),
	})
}

// Assign dispatches one ride to the nearest reservable driver.
func (h *MatchingHandler) Assign(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok || !requireAdmin(c) {
		return
	}
	r, err := h.matching.AutoAssign(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

// README: Passenger profile handler.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"campusride/internal/http/middleware"
	"campusride/internal/modules/passenger"
	"campusride/internal/types"
)

type PassengerHandler struct {
	passengers *passenger.Service
}

func NewPassengerHandler(passengers *passenger.Service) *PassengerHandler {
	return &PassengerHandler{passengers: passengers}
}

// Me returns the caller's profile; it exists once the first ride was requested.
func (h *PassengerHandler) Me(c *gin.Context) {
	p, err := h.passengers.Get(c.Request.Context(), types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, p)
}

// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"campusride/internal/http/handlers"
	"campusride/internal/http/middleware"
)

func NewRouter(deps ServerDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Logging(deps.Log), middleware.Recovery(deps.Log))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	api := r.Group("/api", middleware.Auth(deps.Verifier))

	rideHandler := handlers.NewRideHandler(deps.Rides, deps.Drivers)
	api.POST("/rides", rideHandler.Request)
	api.GET("/rides/:id", rideHandler.Get)
	api.GET("/rides/:id/events", rideHandler.Events)
	api.POST("/rides/:id/agree", rideHandler.Agree)
	api.POST("/rides/:id/cancel", rideHandler.Cancel)
	api.POST("/rides/:id/accept", rideHandler.Accept)
	api.POST("/rides/:id/reject", rideHandler.Reject)
	api.POST("/rides/:id/pickup", rideHandler.PickUp)
	api.POST("/rides/:id/stop", rideHandler.Stop)
	api.POST("/rides/:id/complete", rideHandler.Complete)
	api.POST("/rides/:id/pay", rideHandler.Pay)

	driverHandler := handlers.NewDriverHandler(deps.Drivers, deps.Rides)
	api.POST("/drivers", driverHandler.Register)
	api.GET("/drivers/:id", driverHandler.Get)
	api.PUT("/drivers/:id/availability", driverHandler.SetAvailability)
	api.PUT("/drivers/:id/moderation", driverHandler.Moderate)
	api.POST("/drivers/:id/ratings", driverHandler.Rate)
	api.GET("/drivers/:id/rides", driverHandler.OpenRides)

	var sink handlers.SampleSink
	if deps.Tracking != nil {
		sink = deps.Tracking
	}
	locationHandler := handlers.NewLocationHandler(deps.Drivers, deps.Passengers, sink, deps.Log)
	api.PUT("/drivers/:id/location", locationHandler.UpdateDriver)
	api.PUT("/passengers/me/location", locationHandler.UpdatePassenger)

	passengerHandler := handlers.NewPassengerHandler(deps.Passengers)
	api.GET("/passengers/me", passengerHandler.Me)

	if deps.Matching != nil {
		matchingHandler := handlers.NewMatchingHandler(deps.Matching)
		api.GET("/matching/nearest", matchingHandler.Nearest)
		api.POST("/rides/:id/assign", matchingHandler.Assign)
	}

	if deps.Feed != nil {
		feedHandler := handlers.NewFeedHandler(deps.Feed, deps.Rides, deps.Matcher, deps.Policy, deps.Log)
		api.GET("/rides/:id/feed", feedHandler.Ride)
		api.GET("/feed/nearby", feedHandler.Nearby)
	}

	return r
}

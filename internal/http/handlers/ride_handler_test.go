// README: Handler tests for authorization checks and error mapping over in-memory services.
package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"campusride/internal/config"
	"campusride/internal/http/handlers"
	httpmiddleware "campusride/internal/http/middleware"
	"campusride/internal/infra"
	"campusride/internal/modules/driver"
	"campusride/internal/modules/matching"
	"campusride/internal/modules/passenger"
	"campusride/internal/modules/payment"
	"campusride/internal/modules/pricing"
	"campusride/internal/modules/ride"
	"campusride/internal/types"
)

type stack struct {
	router  *gin.Engine
	rides   *ride.Service
	drivers *driver.Service
}

// buildTestRouter wires the handlers with dev tokens of the form dev:<uid>:<role>.
func buildTestRouter(t *testing.T) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zap.NewNop()
	drivers := driver.NewService(driver.NewMemStore(), nil, log)
	passengers := passenger.NewService(passenger.NewMemStore(), log)
	rides := ride.NewService(ride.Deps{
		Store:      ride.NewMemStore(),
		Drivers:    drivers,
		Passengers: passengers,
		Pricing:    pricing.NewService(nil, nil, config.PricingConfig{BaseFare: 2, RatePerKm: 1, Currency: "USD"}, log),
		Payments:   payment.NewStubGateway(),
		Log:        log,
	})
	match := matching.NewService(matching.NewRegistryIndex(drivers), rides, nil, config.MatchingConfig{}, log)

	r := gin.New()
	r.Use(httpmiddleware.Auth(infra.DevVerifier{}))
	rh := handlers.NewRideHandler(rides, drivers)
	r.POST("/api/rides", rh.Request)
	r.GET("/api/rides/:id", rh.Get)
	r.GET("/api/rides/:id/events", rh.Events)
	r.POST("/api/rides/:id/agree", rh.Agree)
	r.POST("/api/rides/:id/cancel", rh.Cancel)
	r.POST("/api/rides/:id/accept", rh.Accept)
	r.POST("/api/rides/:id/pickup", rh.PickUp)
	r.POST("/api/rides/:id/complete", rh.Complete)
	r.POST("/api/rides/:id/reject", rh.Reject)
	r.POST("/api/rides/:id/pay", rh.Pay)
	dh := handlers.NewDriverHandler(drivers, rides)
	r.POST("/api/drivers", dh.Register)
	r.PUT("/api/drivers/:id/availability", dh.SetAvailability)
	r.PUT("/api/drivers/:id/moderation", dh.Moderate)
	r.GET("/api/drivers/:id/rides", dh.OpenRides)
	lh := handlers.NewLocationHandler(drivers, passengers, nil, log)
	r.PUT("/api/drivers/:id/location", lh.UpdateDriver)
	mh := handlers.NewMatchingHandler(match)
	r.GET("/api/matching/nearest", mh.Nearest)
	r.POST("/api/rides/:id/assign", mh.Assign)
	return &stack{router: r, rides: rides, drivers: drivers}
}

func doRequest(r *gin.Engine, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

var rideBody = map[string]any{
	"pickup":  map[string]any{"lat": 25.0173, "lng": 121.5397, "address": "Main gate"},
	"dropoff": map[string]any{"lat": 25.0263, "lng": 121.5437},
}

// availableDriver registers a driver for uid through the API and puts it AVAILABLE at the pickup.
func (s *stack) availableDriver(t *testing.T, uid string) types.ID {
	t.Helper()
	token := "dev:" + uid + ":driver"
	w := doRequest(s.router, http.MethodPost, "/api/drivers", map[string]any{
		"license_ref": "L-" + uid,
		"vehicle":     map[string]any{"brand": "Toyota", "model": "Yaris", "plate": "P-" + uid},
	}, token)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := types.ID(decode[map[string]string](t, w)["driver_id"])

	w = doRequest(s.router, http.MethodPut, "/api/drivers/"+string(id)+"/location", map[string]any{"lat": 25.0175, "lng": 121.5397}, token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = doRequest(s.router, http.MethodPut, "/api/drivers/"+string(id)+"/availability", map[string]any{"status": "available"}, token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return id
}

func (s *stack) requestRide(t *testing.T, uid string) *ride.Ride {
	t.Helper()
	w := doRequest(s.router, http.MethodPost, "/api/rides", rideBody, "dev:"+uid+":")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	r := decode[ride.Ride](t, w)
	return &r
}

func TestRequest_Unauthenticated(t *testing.T) {
	s := buildTestRouter(t)
	w := doRequest(s.router, http.MethodPost, "/api/rides", rideBody, "not-a-dev-token")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequest_WrongPassengerID(t *testing.T) {
	s := buildTestRouter(t)
	body := map[string]any{"passenger_id": "otherUID", "pickup": rideBody["pickup"], "dropoff": rideBody["dropoff"]}
	w := doRequest(s.router, http.MethodPost, "/api/rides", body, "dev:realUID:")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRequest_CreatesPendingRide(t *testing.T) {
	s := buildTestRouter(t)
	r := s.requestRide(t, "alice")
	assert.Equal(t, ride.StatusPending, r.Status)
	assert.Equal(t, types.ID("alice"), r.PassengerID)
	assert.Equal(t, "Main gate", r.Pickup.Address)
	assert.Greater(t, r.EstimatedPrice, 2.0)

	// A second open ride for the same passenger conflicts.
	w := doRequest(s.router, http.MethodPost, "/api/rides", rideBody, "dev:alice:")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRequest_HalfCoordinateIsBadRequest(t *testing.T) {
	s := buildTestRouter(t)
	body := map[string]any{"pickup": map[string]any{"lat": 25.0}, "dropoff": rideBody["dropoff"]}
	w := doRequest(s.router, http.MethodPost, "/api/rides", body, "dev:alice:")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGet_Access(t *testing.T) {
	s := buildTestRouter(t)
	r := s.requestRide(t, "alice")
	path := "/api/rides/" + string(r.ID)

	assert.Equal(t, http.StatusOK, doRequest(s.router, http.MethodGet, path, nil, "dev:alice:").Code)
	assert.Equal(t, http.StatusForbidden, doRequest(s.router, http.MethodGet, path, nil, "dev:mallory:").Code)
	assert.Equal(t, http.StatusOK, doRequest(s.router, http.MethodGet, path, nil, "dev:d1:driver").Code)
	assert.Equal(t, http.StatusNotFound, doRequest(s.router, http.MethodGet, "/api/rides/missing-ride", nil, "dev:alice:").Code)
	assert.Equal(t, http.StatusBadRequest, doRequest(s.router, http.MethodGet, "/api/rides/bad%20id", nil, "dev:alice:").Code)
}

func TestAccept_RequiresDriverRole(t *testing.T) {
	s := buildTestRouter(t)
	driverID := s.availableDriver(t, "driverUID")
	r := s.requestRide(t, "alice")
	w := doRequest(s.router, http.MethodPost, "/api/rides/"+string(r.ID)+"/accept?driver_id="+string(driverID), nil, "dev:driverUID:")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAccept_WrongDriverID(t *testing.T) {
	s := buildTestRouter(t)
	driverB := s.availableDriver(t, "driverB")
	r := s.requestRide(t, "alice")
	w := doRequest(s.router, http.MethodPost, "/api/rides/"+string(r.ID)+"/accept", map[string]any{"driver_id": driverB}, "dev:driverA:driver")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestLifecycleOverHandlers(t *testing.T) {
	s := buildTestRouter(t)
	driverID := s.availableDriver(t, "dan")
	r := s.requestRide(t, "alice")
	base := "/api/rides/" + string(r.ID)
	driverToken := "dev:dan:driver"

	// Accept before agreement is an invalid transition.
	w := doRequest(s.router, http.MethodPost, base+"/accept", map[string]any{"driver_id": driverID}, driverToken)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doRequest(s.router, http.MethodGet, "/api/drivers/"+string(driverID)+"/rides", nil, driverToken)
	require.Equal(t, http.StatusOK, w.Code)
	open := decode[map[string][]ride.Ride](t, w)["rides"]
	require.Len(t, open, 1)
	assert.Equal(t, r.ID, open[0].ID)

	require.Equal(t, http.StatusOK, doRequest(s.router, http.MethodPost, base+"/agree", nil, "dev:alice:").Code)
	w = doRequest(s.router, http.MethodPost, base+"/accept", map[string]any{"driver_id": driverID}, driverToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, ride.StatusAccepted, decode[ride.Ride](t, w).Status)

	// Another driver cannot drive someone else's ride.
	other := s.availableDriver(t, "eve")
	w = doRequest(s.router, http.MethodPost, base+"/pickup", map[string]any{"driver_id": other}, "dev:eve:driver")
	assert.Equal(t, http.StatusForbidden, w.Code)

	require.Equal(t, http.StatusOK, doRequest(s.router, http.MethodPost, base+"/pickup", map[string]any{"driver_id": driverID}, driverToken).Code)
	w = doRequest(s.router, http.MethodPost, base+"/complete", map[string]any{"driver_id": driverID, "lat": 25.0263, "lng": 121.5437}, driverToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	done := decode[ride.Ride](t, w)
	assert.Equal(t, ride.StatusCompleted, done.Status)
	require.NotNil(t, done.Price)

	// Cancel after completion is rejected.
	assert.Equal(t, http.StatusConflict, doRequest(s.router, http.MethodPost, base+"/cancel", nil, "dev:alice:").Code)
	// Only the passenger pays.
	assert.Equal(t, http.StatusForbidden, doRequest(s.router, http.MethodPost, base+"/pay", nil, driverToken).Code)

	w = doRequest(s.router, http.MethodPost, base+"/pay", map[string]any{"method": "cash"}, "dev:alice:")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, ride.StatusPaid, decode[ride.Ride](t, w).Status)

	w = doRequest(s.router, http.MethodGet, base+"/events", nil, "dev:alice:")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[map[string][]ride.Event](t, w)["events"], 6)

	d, err := s.drivers.Get(context.Background(), driverID)
	require.NoError(t, err)
	assert.Equal(t, driver.StatusAvailable, d.Status)
}

func TestPay_BeforeCompletion(t *testing.T) {
	s := buildTestRouter(t)
	r := s.requestRide(t, "alice")
	w := doRequest(s.router, http.MethodPost, "/api/rides/"+string(r.ID)+"/pay", map[string]any{"method": "cash"}, "dev:alice:")
	assert.Equal(t, http.StatusConflict, w.Code, "paying a PENDING ride is an invalid transition")
}

func TestModerate_RequiresAdmin(t *testing.T) {
	s := buildTestRouter(t)
	id := s.availableDriver(t, "dan")
	path := "/api/drivers/" + string(id) + "/moderation"
	assert.Equal(t, http.StatusForbidden, doRequest(s.router, http.MethodPut, path, map[string]any{"status": "suspended"}, "dev:dan:driver").Code)

	w := doRequest(s.router, http.MethodPut, path, map[string]any{"status": "suspended"}, "dev:ops:admin")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// A suspended driver cannot toggle availability.
	w = doRequest(s.router, http.MethodPut, "/api/drivers/"+string(id)+"/availability", map[string]any{"status": "available"}, "dev:dan:driver")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestMatchingEndpoints(t *testing.T) {
	s := buildTestRouter(t)
	w := doRequest(s.router, http.MethodGet, "/api/matching/nearest?lat=25.0173&lng=121.5397", nil, "dev:alice:")
	assert.Equal(t, http.StatusNotFound, w.Code)

	id := s.availableDriver(t, "dan")
	w = doRequest(s.router, http.MethodGet, "/api/matching/nearest?lat=25.0173&lng=121.5397", nil, "dev:alice:")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(id), decode[map[string]any](t, w)["driver_id"])

	assert.Equal(t, http.StatusBadRequest, doRequest(s.router, http.MethodGet, "/api/matching/nearest?lat=x", nil, "dev:alice:").Code)

	r := s.requestRide(t, "alice")
	assert.Equal(t, http.StatusForbidden, doRequest(s.router, http.MethodPost, "/api/rides/"+string(r.ID)+"/assign", nil, "dev:alice:").Code)
	w = doRequest(s.router, http.MethodPost, "/api/rides/"+string(r.ID)+"/assign", nil, "dev:ops:admin")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assigned := decode[ride.Ride](t, w)
	assert.Equal(t, ride.StatusAccepted, assigned.Status)
	require.NotNil(t, assigned.DriverID)
	assert.Equal(t, id, *assigned.DriverID)
}

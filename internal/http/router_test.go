package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"campusride/internal/config"
	"campusride/internal/infra"
	"campusride/internal/modules/driver"
	"campusride/internal/modules/feed"
	"campusride/internal/modules/matching"
	"campusride/internal/modules/passenger"
	"campusride/internal/modules/payment"
	"campusride/internal/modules/pricing"
	"campusride/internal/modules/ride"
	"campusride/internal/modules/tracking"
	"campusride/internal/types"
)

var (
	gate    = types.Point{Lat: 25.0173, Lng: 121.5397}
	library = types.Point{Lat: 25.0263, Lng: 121.5437}
)

type apiClient struct {
	t    *testing.T
	base string
}

func (a apiClient) do(method, path, token string, body any) (int, map[string]any) {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, a.base+path, &buf)
	require.NoError(a.t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(a.t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func newTestServer(t *testing.T) (*httptest.Server, *ride.Service) {
	t.Helper()
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
	ctx, cancel := context.WithCancel(context.Background())
	matcher := tracking.ThresholdMatcher{Meters: tracking.DefaultThresholdMeters}
	policy := tracking.DefaultPolicy(false)
	manager := tracking.NewManager(ctx, rides, matcher, policy, log)
	hub := feed.NewHub(nil, log)
	rides.AddNotifier(manager)
	rides.AddNotifier(hub)
	rides.AddLocationListener(hub)

	srv := NewServer(ServerDeps{
		Rides:      rides,
		Drivers:    drivers,
		Passengers: passengers,
		Matching:   matching.NewService(matching.NewRegistryIndex(drivers), rides, nil, config.MatchingConfig{}, log),
		Tracking:   manager,
		Feed:       hub,
		Verifier:   infra.DevVerifier{},
		Matcher:    matcher,
		Policy:     policy,
		Log:        log,
	})
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		manager.Close()
	})
	return ts, rides
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/rides/x")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func readStatus(t *testing.T, conn *websocket.Conn, want ride.Status) feed.Update {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var u feed.Update
		require.NoError(t, conn.ReadJSON(&u))
		if u.Kind == feed.KindStatus && u.Ride != nil && u.Ride.Status == want {
			return u
		}
	}
}

// TestGPSDrivenLifecycle drives a ride end to end: the server-side watcher moves it to
// PICKED_UP and COMPLETED from driver location updates while the passenger feed observes.
func TestGPSDrivenLifecycle(t *testing.T) {
	ts, rides := newTestServer(t)
	api := apiClient{t: t, base: ts.URL}
	const driverToken, riderToken = "dev:dan:driver", "dev:alice:"

	code, body := api.do(http.MethodPost, "/api/drivers", driverToken, map[string]any{
		"license_ref": "L-1",
		"vehicle":     map[string]any{"brand": "Toyota", "model": "Yaris", "plate": "ABC-123"},
	})
	require.Equal(t, http.StatusCreated, code, body)
	driverID := body["driver_id"].(string)
	locPath := "/api/drivers/" + driverID + "/location"

	code, _ = api.do(http.MethodPut, locPath, driverToken, gate)
	require.Equal(t, http.StatusOK, code)
	code, _ = api.do(http.MethodPut, "/api/drivers/"+driverID+"/availability", driverToken, map[string]string{"status": "AVAILABLE"})
	require.Equal(t, http.StatusOK, code)

	code, body = api.do(http.MethodPost, "/api/rides", riderToken, map[string]any{"pickup": gate, "dropoff": library})
	require.Equal(t, http.StatusCreated, code, body)
	rideID := body["id"].(string)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/rides/" + rideID + "/feed?access_token=" + riderToken
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	readStatus(t, conn, ride.StatusPending)

	code, _ = api.do(http.MethodPost, "/api/rides/"+rideID+"/agree", riderToken, nil)
	require.Equal(t, http.StatusOK, code)
	code, body = api.do(http.MethodPost, "/api/rides/"+rideID+"/accept", driverToken, map[string]string{"driver_id": driverID})
	require.Equal(t, http.StatusOK, code, body)
	readStatus(t, conn, ride.StatusAccepted)

	require.Eventually(t, func() bool {
		code, body := api.do(http.MethodPut, locPath, driverToken, gate)
		return code == http.StatusOK && body["tracked"] == true
	}, 2*time.Second, 20*time.Millisecond)
	readStatus(t, conn, ride.StatusPickedUp)

	code, _ = api.do(http.MethodPut, locPath, driverToken, library)
	require.Equal(t, http.StatusOK, code)
	u := readStatus(t, conn, ride.StatusCompleted)
	require.NotNil(t, u.Ride.Price)
	assert.Greater(t, *u.Ride.Price, 2.0)

	r, err := rides.Get(context.Background(), types.ID(rideID))
	require.NoError(t, err)
	assert.Equal(t, ride.StatusCompleted, r.Status)

	code, body = api.do(http.MethodPost, "/api/rides/"+rideID+"/pay", riderToken, map[string]string{"method": "card"})
	require.Equal(t, http.StatusOK, code, body)
	readStatus(t, conn, ride.StatusPaid)
}

func TestNearbyFeedRequiresDriver(t *testing.T) {
	ts, _ := newTestServer(t)
	wsBase := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/feed/nearby?lat=25.0173&lng=121.5397&access_token="

	_, resp, err := websocket.DefaultDialer.Dial(wsBase+"dev:alice:", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsBase+"dev:dan:driver&radius_m=500", nil)
	require.NoError(t, err)
	defer conn.Close()

	api := apiClient{t: t, base: ts.URL}
	code, _ := api.do(http.MethodPost, "/api/rides", "dev:alice:", map[string]any{"pickup": gate, "dropoff": library})
	require.Equal(t, http.StatusCreated, code)
	readStatus(t, conn, ride.StatusPending)
}

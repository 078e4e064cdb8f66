// README: Simulator steps: fleet setup, ride request, accept race, GPS-driven trip, payment and audits.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"campusride/internal/modules/location"
	"campusride/internal/modules/ride"
	"campusride/internal/types"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

var (
	campusGate = types.Point{Lat: 25.0173, Lng: 121.5397}
	library    = types.Point{Lat: 25.0263, Lng: 121.5437}
)

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type Step struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

type simDriver struct {
	id    string
	token string
	start types.Point
}

// state carries ids between steps.
type state struct {
	runID          string
	passengerToken string
	drivers        []simDriver
	winner         *simDriver
	rideID         string
	feed           *feedWatch
}

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client
	st    state
}

func NewRunner(cfg Config) *Runner {
	runID := uuid.NewString()[:8]
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
		st: state{
			runID:          runID,
			passengerToken: "dev:sim-p-" + runID + ":",
		},
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	steps := r.steps()
	results := make([]Result, 0, len(steps))
	for _, step := range steps {
		res := step.Run(ctx, r)
		res.Name = step.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, step.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.st.feed != nil {
		r.st.feed.Close()
	}
	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

func (r *Runner) steps() []Step {
	return []Step{
		{"Env: Postgres connect", stepPostgres},
		{"Env: Redis connect", stepRedis},
		{"API: health", stepHealth},
		{"Drivers: register fleet", stepRegisterFleet},
		{"Rides: passenger request", stepRequest},
		{"Rides: duplicate active request -> 409", stepDuplicateRequest},
		{"Feed: subscribe to ride", stepSubscribe},
		{"Rides: accept before agreement -> 409", stepEarlyAccept},
		{"Rides: passenger agrees", stepAgree},
		{"Concurrency: drivers race to accept", stepAcceptRace},
		{"Drivers: losers stay AVAILABLE", stepLosersAvailable},
		{"Redis: winner in GEO index", stepGeoIndexed},
		{"GPS: drive to pickup -> PICKED_UP", stepDriveToPickup},
		{"GPS: drive to dropoff -> COMPLETED", stepDriveToDropoff},
		{"Payment: passenger pays by card -> PAID", stepPay},
		{"Audit: one event per transition", stepEvents},
		{"Feed: statuses observed in order", stepFeedOrder},
		{"Consistency: status_version matches events", stepVersion},
		{"Drivers: winner released", stepWinnerReleased},
		{"Perf: driver location throughput", stepPerfLocation},
	}
}

func pass(note string, args ...any) Result { return Result{Status: StatusPass, Note: fmt.Sprintf(note, args...)} }
func fail(note string, args ...any) Result { return Result{Status: StatusFail, Note: fmt.Sprintf(note, args...)} }
func skip(note string) Result              { return Result{Status: StatusSkip, Note: note} }

// call sends a JSON request and decodes a JSON response into out when given.
func (r *Runner) call(ctx context.Context, method, path, token string, body, out any) (int, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, 0, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	latency := time.Since(start)
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, latency, err
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, latency, nil
}

func (r *Runner) getRide(ctx context.Context) (*ride.Ride, error) {
	var out ride.Ride
	code, _, err := r.call(ctx, http.MethodGet, "/api/rides/"+r.st.rideID, r.st.passengerToken, nil, &out)
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, fmt.Errorf("status=%d", code)
	}
	return &out, nil
}

// waitStatus polls the ride until it reaches want.
func (r *Runner) waitStatus(ctx context.Context, want ride.Status, timeout time.Duration) (*ride.Ride, error) {
	deadline := time.Now().Add(timeout)
	for {
		got, err := r.getRide(ctx)
		if err == nil && got.Status == want {
			return got, nil
		}
		if time.Now().After(deadline) {
			if err != nil {
				return nil, err
			}
			return got, fmt.Errorf("ride is %s, want %s", got.Status, want)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (r *Runner) driverStatus(ctx context.Context, d simDriver) (string, error) {
	var out struct {
		Driver struct {
			Status string `json:"status"`
		} `json:"driver"`
	}
	code, _, err := r.call(ctx, http.MethodGet, "/api/drivers/"+d.id, d.token, nil, &out)
	if err != nil {
		return "", err
	}
	if code != http.StatusOK {
		return "", fmt.Errorf("status=%d", code)
	}
	return out.Driver.Status, nil
}

func stepPostgres(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return skip("dsn not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.db.Ping(ctx); err != nil {
		return fail("%v", err)
	}
	return pass("")
}

func stepRedis(ctx context.Context, r *Runner) Result {
	if r.redis == nil {
		return skip("redis not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.redis.Ping(ctx).Err(); err != nil {
		return fail("%v", err)
	}
	return pass("")
}

func stepHealth(ctx context.Context, r *Runner) Result {
	code, latency, err := r.call(ctx, http.MethodGet, "/health", "", nil, nil)
	if err != nil {
		return fail("%v", err)
	}
	res := pass("status=%d", code)
	if code != http.StatusOK {
		res = fail("status=%d", code)
	}
	res.Latency = latency
	return res
}

func stepRegisterFleet(ctx context.Context, r *Runner) Result {
	n := r.cfg.Concurrency
	if n < 2 {
		n = 2
	}
	for i := 0; i < n; i++ {
		d := simDriver{
			token: fmt.Sprintf("dev:sim-d-%s-%d:driver", r.st.runID, i),
			start: offsetNorth(campusGate, 300+float64(i)*50),
		}
		var reg struct {
			DriverID string `json:"driver_id"`
		}
		code, _, err := r.call(ctx, http.MethodPost, "/api/drivers", d.token, map[string]any{
			"age":              30,
			"license_ref":      fmt.Sprintf("SIM-%s-%d", r.st.runID, i),
			"experience_years": 3,
			"vehicle":          map[string]any{"brand": "Toyota", "model": "Prius", "plate": fmt.Sprintf("SIM-%d", i)},
		}, &reg)
		if err != nil || code != http.StatusCreated {
			return fail("register driver %d: status=%d err=%v", i, code, err)
		}
		d.id = reg.DriverID
		if code, _, err := r.call(ctx, http.MethodPut, "/api/drivers/"+d.id+"/location", d.token, d.start, nil); err != nil || code != http.StatusOK {
			return fail("locate driver %d: status=%d err=%v", i, code, err)
		}
		if code, _, err := r.call(ctx, http.MethodPut, "/api/drivers/"+d.id+"/availability", d.token, map[string]string{"status": "AVAILABLE"}, nil); err != nil || code != http.StatusOK {
			return fail("driver %d availability: status=%d err=%v", i, code, err)
		}
		r.st.drivers = append(r.st.drivers, d)
	}
	return pass("drivers=%d", len(r.st.drivers))
}

func rideRequestBody() map[string]any {
	return map[string]any{
		"passenger_name": "Simulated Rider",
		"pickup":         map[string]any{"lat": campusGate.Lat, "lng": campusGate.Lng, "address": "Campus main gate"},
		"dropoff":        map[string]any{"lat": library.Lat, "lng": library.Lng, "address": "Main library"},
		"ride_type":      "standard",
	}
}

func stepRequest(ctx context.Context, r *Runner) Result {
	var out ride.Ride
	code, latency, err := r.call(ctx, http.MethodPost, "/api/rides", r.st.passengerToken, rideRequestBody(), &out)
	if err != nil || code != http.StatusCreated {
		return fail("status=%d err=%v", code, err)
	}
	r.st.rideID = string(out.ID)
	res := pass("ride=%s estimate=%.2f %s", out.ID, out.EstimatedPrice, out.Currency)
	res.Latency = latency
	return res
}

func stepDuplicateRequest(ctx context.Context, r *Runner) Result {
	code, _, err := r.call(ctx, http.MethodPost, "/api/rides", r.st.passengerToken, rideRequestBody(), nil)
	if err != nil {
		return fail("%v", err)
	}
	if code != http.StatusConflict {
		return fail("status=%d", code)
	}
	return pass("status=%d", code)
}

func stepSubscribe(ctx context.Context, r *Runner) Result {
	if r.st.rideID == "" {
		return skip("no ride")
	}
	w, err := dialFeed(ctx, r.cfg.BaseURL, r.st.rideID, r.st.passengerToken)
	if err != nil {
		return fail("%v", err)
	}
	r.st.feed = w
	if !w.waitFor(ride.StatusPending, 2*time.Second) {
		return fail("no initial snapshot")
	}
	return pass("")
}

func (r *Runner) accept(ctx context.Context, d simDriver) (int, error) {
	code, _, err := r.call(ctx, http.MethodPost, "/api/rides/"+r.st.rideID+"/accept", d.token, map[string]string{"driver_id": d.id}, nil)
	return code, err
}

func stepEarlyAccept(ctx context.Context, r *Runner) Result {
	if r.st.rideID == "" || len(r.st.drivers) == 0 {
		return skip("no ride or drivers")
	}
	code, err := r.accept(ctx, r.st.drivers[0])
	if err != nil {
		return fail("%v", err)
	}
	if code != http.StatusConflict {
		return fail("status=%d", code)
	}
	return pass("status=%d", code)
}

func stepAgree(ctx context.Context, r *Runner) Result {
	if r.st.rideID == "" {
		return skip("no ride")
	}
	code, latency, err := r.call(ctx, http.MethodPost, "/api/rides/"+r.st.rideID+"/agree", r.st.passengerToken, nil, nil)
	if err != nil || code != http.StatusOK {
		return fail("status=%d err=%v", code, err)
	}
	return Result{Status: StatusPass, Latency: latency}
}

func stepAcceptRace(ctx context.Context, r *Runner) Result {
	if r.st.rideID == "" || len(r.st.drivers) == 0 {
		return skip("no ride or drivers")
	}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []int
		others  = map[int]int{}
	)
	for i := range r.st.drivers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			code, err := r.accept(ctx, r.st.drivers[i])
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				others[0]++
			case code == http.StatusOK:
				winners = append(winners, i)
			default:
				others[code]++
			}
		}(i)
	}
	wg.Wait()
	if len(winners) != 1 {
		return fail("winners=%d others=%v", len(winners), others)
	}
	r.st.winner = &r.st.drivers[winners[0]]
	return pass("winner=%s others=%v", r.st.winner.id, others)
}

func stepLosersAvailable(ctx context.Context, r *Runner) Result {
	if r.st.winner == nil {
		return skip("no winner")
	}
	for _, d := range r.st.drivers {
		if d.id == r.st.winner.id {
			continue
		}
		status, err := r.driverStatus(ctx, d)
		if err != nil {
			return fail("%v", err)
		}
		if status != "AVAILABLE" {
			return fail("driver %s is %s", d.id, status)
		}
	}
	status, err := r.driverStatus(ctx, *r.st.winner)
	if err != nil || status != "BUSY" {
		return fail("winner is %s err=%v", status, err)
	}
	return pass("")
}

func stepGeoIndexed(ctx context.Context, r *Runner) Result {
	if r.redis == nil || r.st.winner == nil {
		return skip("redis not configured")
	}
	pos, err := r.redis.GeoPos(ctx, "geo:drivers", r.st.winner.id).Result()
	if err != nil {
		return fail("%v", err)
	}
	if len(pos) == 0 || pos[0] == nil {
		return skip("API runs without the GEO mirror")
	}
	return pass("lat=%.5f lng=%.5f", pos[0].Latitude, pos[0].Longitude)
}

// drive streams the winner's GPS samples from one point to another.
func (r *Runner) drive(ctx context.Context, from, to types.Point) (tracked int, err error) {
	d := r.st.winner
	for _, p := range interpolate(from, to, r.cfg.Steps) {
		var out struct {
			Tracked bool `json:"tracked"`
		}
		code, _, err := r.call(ctx, http.MethodPut, "/api/drivers/"+d.id+"/location", d.token, p, &out)
		if err != nil {
			return tracked, err
		}
		if code != http.StatusOK {
			return tracked, fmt.Errorf("location status=%d", code)
		}
		if out.Tracked {
			tracked++
		}
		select {
		case <-ctx.Done():
			return tracked, ctx.Err()
		case <-time.After(r.cfg.Interval):
		}
	}
	return tracked, nil
}

func stepDriveToPickup(ctx context.Context, r *Runner) Result {
	if r.st.winner == nil {
		return skip("no winner")
	}
	start := time.Now()
	tracked, err := r.drive(ctx, r.st.winner.start, campusGate)
	if err != nil {
		return fail("%v", err)
	}
	if _, err := r.waitStatus(ctx, ride.StatusPickedUp, 5*time.Second); err != nil {
		return fail("%v (tracked=%d)", err, tracked)
	}
	res := pass("leg=%.0fm tracked=%d", location.DistanceMeters(r.st.winner.start, campusGate), tracked)
	res.Latency = time.Since(start)
	return res
}

func stepDriveToDropoff(ctx context.Context, r *Runner) Result {
	if r.st.winner == nil {
		return skip("no winner")
	}
	start := time.Now()
	if _, err := r.drive(ctx, campusGate, library); err != nil {
		return fail("%v", err)
	}
	done, err := r.waitStatus(ctx, ride.StatusCompleted, 5*time.Second)
	if err != nil {
		return fail("%v", err)
	}
	if done.Price == nil {
		return fail("completed without price")
	}
	res := pass("leg=%.0fm price=%.2f estimate=%.2f", location.DistanceMeters(campusGate, library), *done.Price, done.EstimatedPrice)
	res.Latency = time.Since(start)
	return res
}

func stepPay(ctx context.Context, r *Runner) Result {
	if r.st.rideID == "" {
		return skip("no ride")
	}
	var out ride.Ride
	code, latency, err := r.call(ctx, http.MethodPost, "/api/rides/"+r.st.rideID+"/pay", r.st.passengerToken, map[string]string{"method": "card"}, &out)
	if err != nil || code != http.StatusOK {
		return fail("status=%d err=%v", code, err)
	}
	if out.Status != ride.StatusPaid || out.Payment == nil {
		return fail("ride is %s", out.Status)
	}
	res := pass("payment=%s %.2f", out.Payment.Status, out.Payment.Amount)
	res.Latency = latency
	return res
}

var happyPath = []ride.Status{
	ride.StatusPending, ride.StatusAgreed, ride.StatusAccepted,
	ride.StatusPickedUp, ride.StatusCompleted, ride.StatusPaid,
}

func stepEvents(ctx context.Context, r *Runner) Result {
	if r.st.rideID == "" {
		return skip("no ride")
	}
	var out struct {
		Events []ride.Event `json:"events"`
	}
	code, _, err := r.call(ctx, http.MethodGet, "/api/rides/"+r.st.rideID+"/events", r.st.passengerToken, nil, &out)
	if err != nil || code != http.StatusOK {
		return fail("status=%d err=%v", code, err)
	}
	got := make([]ride.Status, 0, len(out.Events))
	for _, e := range out.Events {
		got = append(got, e.To)
	}
	if !reflect.DeepEqual(got, happyPath) {
		return fail("events=%v", got)
	}
	return pass("events=%d", len(got))
}

func stepFeedOrder(_ context.Context, r *Runner) Result {
	if r.st.feed == nil {
		return skip("no feed")
	}
	r.st.feed.waitFor(ride.StatusPaid, 2*time.Second)
	got, locations := r.st.feed.snapshot()
	if !reflect.DeepEqual(got, happyPath) {
		return fail("feed=%v", got)
	}
	return pass("statuses=%d locations=%d", len(got), locations)
}

func stepVersion(ctx context.Context, r *Runner) Result {
	if r.db == nil || r.st.rideID == "" {
		return skip("dsn not configured")
	}
	var version, events int
	if err := r.db.QueryRow(ctx, "SELECT status_version FROM rides WHERE id=$1", r.st.rideID).Scan(&version); err != nil {
		return fail("%v", err)
	}
	if err := r.db.QueryRow(ctx, "SELECT count(*) FROM ride_state_events WHERE ride_id=$1", r.st.rideID).Scan(&events); err != nil {
		return fail("%v", err)
	}
	// The creation event does not bump the version.
	if version != events-1 {
		return fail("status_version=%d events=%d", version, events)
	}
	return pass("status_version=%d", version)
}

func stepWinnerReleased(ctx context.Context, r *Runner) Result {
	if r.st.winner == nil {
		return skip("no winner")
	}
	status, err := r.driverStatus(ctx, *r.st.winner)
	if err != nil {
		return fail("%v", err)
	}
	if status != "AVAILABLE" {
		return fail("winner is %s", status)
	}
	return pass("")
}

func stepPerfLocation(ctx context.Context, r *Runner) Result {
	if len(r.st.drivers) == 0 {
		return skip("no drivers")
	}
	d := r.st.drivers[0]
	end := time.Now().Add(r.cfg.Duration)
	var (
		mu              sync.Mutex
		wg              sync.WaitGroup
		count, errCount int64
	)
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) {
				code, _, err := r.call(ctx, http.MethodPut, "/api/drivers/"+d.id+"/location", d.token, d.start, nil)
				mu.Lock()
				if err != nil || code != http.StatusOK {
					errCount++
				} else {
					count++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if count == 0 {
		return fail("no requests completed")
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return pass("rps=%.1f errors=%d", rps, errCount)
}

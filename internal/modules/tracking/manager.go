// README: Manager hosts one server-side driver watcher per accepted ride, fed by driver location updates.
package tracking

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"campusride/internal/modules/location"
	"campusride/internal/modules/ride"
	"campusride/internal/types"
)

const (
	sampleBuffer  = 16
	lookupTimeout = 2 * time.Second
	// missTTL bounds how often an idle driver's samples hit the store.
	missTTL = 5 * time.Second
)

// ActiveRides finds rides that were accepted before this manager started or on another instance.
type ActiveRides interface {
	ListActive(ctx context.Context) ([]*ride.Ride, error)
	ActiveForDriver(ctx context.Context, driverID types.ID) (*ride.Ride, error)
}

type session struct {
	rideID   types.ID
	driverID types.ID
	samples  chan location.Sample
	cancel   context.CancelFunc
}

type Manager struct {
	ctx     context.Context
	cancel  context.CancelFunc
	client  RideClient
	active  ActiveRides
	matcher WaypointMatcher
	policy  Policy
	log     *zap.Logger
	wg      sync.WaitGroup

	mu       sync.Mutex
	byRide   map[types.ID]*session
	byDriver map[types.ID]*session
	misses   map[types.ID]time.Time
}

// NewManager ties every watcher's lifetime to parent. When client also implements ActiveRides
// the manager can resume watchers and attach them lazily on a driver's first sample.
func NewManager(parent context.Context, client RideClient, matcher WaypointMatcher, policy Policy, log *zap.Logger) *Manager {
	ctx, cancel := context.WithCancel(parent)
	active, _ := client.(ActiveRides)
	return &Manager{
		ctx:      ctx,
		cancel:   cancel,
		client:   client,
		active:   active,
		matcher:  matcher,
		policy:   policy,
		log:      log.Named("tracking"),
		byRide:   make(map[types.ID]*session),
		byDriver: make(map[types.ID]*session),
		misses:   make(map[types.ID]time.Time),
	}
}

// Resume starts a watcher for every ride already ACCEPTED or PICKED_UP and returns how many it found.
func (m *Manager) Resume(ctx context.Context) (int, error) {
	if m.active == nil {
		return 0, nil
	}
	rides, err := m.active.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range rides {
		if r.DriverID == nil {
			continue
		}
		m.Watch(r.ID, *r.DriverID)
		n++
	}
	return n, nil
}

// Notify starts a watcher when a ride is accepted and stops it once the driver's part is over.
func (m *Manager) Notify(_ context.Context, e ride.Event) {
	switch {
	case e.To == ride.StatusAccepted:
		if e.Ride == nil || e.Ride.DriverID == nil {
			return
		}
		m.Watch(e.RideID, *e.Ride.DriverID)
	case e.To.Terminal() || e.To == ride.StatusCompleted:
		m.stop(e.RideID)
	}
}

// Watch starts the driver watcher for rideID unless one is already running.
func (m *Manager) Watch(rideID, driverID types.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx.Err() != nil {
		return
	}
	if _, ok := m.byRide[rideID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	s := &session{
		rideID:   rideID,
		driverID: driverID,
		samples:  make(chan location.Sample, sampleBuffer),
		cancel:   cancel,
	}
	m.byRide[rideID] = s
	m.byDriver[driverID] = s
	delete(m.misses, driverID)

	w := NewWatcher(WatcherConfig{
		RideID:  rideID,
		Role:    RoleDriver,
		ActorID: driverID,
		Client:  m.client,
		Matcher: m.matcher,
		Policy:  m.policy,
		Log:     m.log,
	})
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.stop(rideID)
		if err := w.Run(ctx, s.samples); err != nil {
			m.log.Warn("watcher stopped", zap.String("ride_id", rideID.String()), zap.Error(err))
		}
	}()
	m.log.Info("watcher started", zap.String("ride_id", rideID.String()), zap.String("driver_id", driverID.String()))
}

// PushDriverSample routes a driver's sample to their ride watcher, attaching one first when the
// driver has an active ride nobody is watching yet. It reports false when the driver has no
// active ride. A full buffer drops the oldest sample.
func (m *Manager) PushDriverSample(driverID types.ID, sample location.Sample) bool {
	if m.push(driverID, sample) {
		return true
	}
	if !m.attach(driverID) {
		return false
	}
	return m.push(driverID, sample)
}

func (m *Manager) push(driverID types.ID, sample location.Sample) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byDriver[driverID]
	if !ok {
		return false
	}
	for {
		select {
		case s.samples <- sample:
			return true
		default:
		}
		select {
		case <-s.samples:
		default:
		}
	}
}

// attach looks up the driver's active ride and starts its watcher.
func (m *Manager) attach(driverID types.ID) bool {
	if m.active == nil {
		return false
	}
	now := time.Now()
	m.mu.Lock()
	if until, ok := m.misses[driverID]; ok && now.Before(until) {
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.ctx, lookupTimeout)
	defer cancel()
	r, err := m.active.ActiveForDriver(ctx, driverID)
	if err != nil {
		m.log.Warn("active ride lookup failed", zap.String("driver_id", driverID.String()), zap.Error(err))
		return false
	}
	if r == nil {
		m.miss(driverID, now)
		return false
	}
	m.Watch(r.ID, driverID)
	return true
}

func (m *Manager) miss(driverID types.ID, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, until := range m.misses {
		if now.After(until) {
			delete(m.misses, id)
		}
	}
	m.misses[driverID] = now.Add(missTTL)
}

// Watching reports whether a watcher is running for rideID.
func (m *Manager) Watching(rideID types.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byRide[rideID]
	return ok
}

func (m *Manager) stop(rideID types.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byRide[rideID]
	if !ok {
		return
	}
	s.cancel()
	delete(m.byRide, rideID)
	if cur, ok := m.byDriver[s.driverID]; ok && cur == s {
		delete(m.byDriver, s.driverID)
	}
}

// Close stops every watcher and waits for them to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()
	m.wg.Wait()
}

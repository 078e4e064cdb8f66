package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"campusride/internal/modules/ride"
	"campusride/internal/types"
)

var campus = types.Point{Lat: 25.0173, Lng: 121.5397}

func testRide(id types.ID, status ride.Status, pickup types.Point) *ride.Ride {
	return &ride.Ride{ID: id, Status: status, Pickup: types.Place{Point: pickup}, UpdatedAt: time.Now()}
}

func statusEvent(r *ride.Ride, from ride.Status) ride.Event {
	return ride.Event{RideID: r.ID, From: from, To: r.Status, Ride: r, CreatedAt: time.Now()}
}

func recv(t *testing.T, s *Subscription) Update {
	t.Helper()
	select {
	case u := <-s.C:
		return u
	case <-time.After(time.Second):
		t.Fatal("no update delivered")
		return Update{}
	}
}

func assertSilent(t *testing.T, s *Subscription) {
	t.Helper()
	select {
	case u := <-s.C:
		t.Fatalf("unexpected update %+v", u)
	default:
	}
}

func TestHubRideSubscription(t *testing.T) {
	h := NewHub(nil, zap.NewNop())
	sub := h.SubscribeRide("r1")
	other := h.SubscribeRide("r2")
	defer other.Close()

	r := testRide("r1", ride.StatusAgreed, campus)
	h.Notify(context.Background(), statusEvent(r, ride.StatusPending))

	u := recv(t, sub)
	assert.Equal(t, KindStatus, u.Kind)
	require.NotNil(t, u.Event)
	assert.Equal(t, ride.StatusPending, u.Event.From)
	assert.Nil(t, u.Event.Ride, "snapshot travels once, on the update")
	assert.Equal(t, ride.StatusAgreed, u.Ride.Status)
	assertSilent(t, other)

	loc := r.Clone()
	loc.DriverLocation = &campus
	h.DriverLocationUpdated(context.Background(), loc)
	u = recv(t, sub)
	assert.Equal(t, KindLocation, u.Kind)

	sub.Close()
	_, open := <-sub.C
	assert.False(t, open)
	sub.Close()
}

func TestHubNearbySubscription(t *testing.T) {
	h := NewHub(nil, zap.NewNop())
	sub := h.SubscribeNearby(campus, 500)
	defer sub.Close()

	near := testRide("near", ride.StatusPending, types.Point{Lat: campus.Lat + 0.001, Lng: campus.Lng})
	far := testRide("far", ride.StatusPending, types.Point{Lat: campus.Lat + 0.05, Lng: campus.Lng})
	h.Notify(context.Background(), statusEvent(far, ride.StatusNone))
	h.Notify(context.Background(), statusEvent(near, ride.StatusNone))

	u := recv(t, sub)
	assert.Equal(t, types.ID("near"), u.Ride.ID)
	assertSilent(t, sub)

	// Location pings are per-ride only.
	h.DriverLocationUpdated(context.Background(), near)
	assertSilent(t, sub)
}

func TestSubscriptionDropsOldestWhenFull(t *testing.T) {
	h := NewHub(nil, zap.NewNop())
	sub := h.SubscribeRide("busy")
	defer sub.Close()

	r := testRide("busy", ride.StatusAccepted, campus)
	for i := 0; i < subscriptionBuffer+5; i++ {
		c := r.Clone()
		c.StatusVersion = i
		h.DriverLocationUpdated(context.Background(), c)
	}
	first := recv(t, sub)
	assert.Equal(t, 5, first.Ride.StatusVersion)
}

type memBus struct {
	mu      sync.Mutex
	deliver func(Update)
	ready   chan struct{}
	fail    bool
}

func (b *memBus) Publish(_ context.Context, u Update) error {
	if b.fail {
		return errors.New("bus down")
	}
	<-b.ready
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliver(u)
	return nil
}

func (b *memBus) Run(ctx context.Context, deliver func(Update)) error {
	b.mu.Lock()
	b.deliver = deliver
	b.mu.Unlock()
	close(b.ready)
	<-ctx.Done()
	return nil
}

func TestHubDeliversThroughBus(t *testing.T) {
	bus := &memBus{ready: make(chan struct{})}
	h := NewHub(bus, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.Run(ctx) }()

	sub := h.SubscribeRide("bus")
	defer sub.Close()
	h.Notify(ctx, statusEvent(testRide("bus", ride.StatusAgreed, campus), ride.StatusPending))
	assert.Equal(t, types.ID("bus"), recv(t, sub).Ride.ID)
}

func TestHubFallsBackLocallyWhenBusFails(t *testing.T) {
	h := NewHub(&memBus{fail: true, ready: make(chan struct{})}, zap.NewNop())
	sub := h.SubscribeRide("down")
	defer sub.Close()
	h.Notify(context.Background(), statusEvent(testRide("down", ride.StatusAgreed, campus), ride.StatusPending))
	assert.Equal(t, ride.StatusAgreed, recv(t, sub).Ride.Status)
}

type fakeRTDB struct {
	mu      sync.Mutex
	values  map[string]interface{}
	deleted []string
	err     error
}

func (f *fakeRTDB) Set(_ context.Context, path string, v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.values[path] = v
	return nil
}

func (f *fakeRTDB) Delete(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, path)
	return nil
}

func TestFirebaseMirror(t *testing.T) {
	store := &fakeRTDB{values: map[string]interface{}{}}
	m := newFirebaseMirror(store, zap.NewNop())
	ctx := context.Background()

	driverID := types.ID("d1")
	r := testRide("r1", ride.StatusAccepted, campus)
	r.DriverID = &driverID
	r.Currency = "USD"
	m.Notify(ctx, statusEvent(r, ride.StatusAgreed))

	got, ok := store.values["rides/r1"].(rtdbRide)
	require.True(t, ok)
	assert.Equal(t, "ACCEPTED", got.Status)
	assert.Equal(t, "d1", got.DriverID)

	loc := r.Clone()
	loc.DriverLocation = &types.Point{Lat: 25.02, Lng: 121.54}
	m.DriverLocationUpdated(ctx, loc)
	entry, ok := store.values["driver_locations/d1"].(rtdbDriverEntry)
	require.True(t, ok)
	assert.Equal(t, 25.02, entry.Lat)
	assert.Equal(t, "r1", entry.RideID)

	done := r.Clone()
	done.Status = ride.StatusCompleted
	price := 4.2
	done.Price = &price
	m.Notify(ctx, statusEvent(done, ride.StatusPickedUp))
	assert.Equal(t, []string{"driver_locations/d1"}, store.deleted)
	assert.Equal(t, 4.2, store.values["rides/r1"].(rtdbRide).Price)

	// Failures never surface.
	store.err = errors.New("permission denied")
	m.Notify(ctx, statusEvent(r, ride.StatusAgreed))
}

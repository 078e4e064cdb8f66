package ride

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusride/internal/types"
)

func TestExpireStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := f.request(t, "p_old")
	agreed := f.request(t, "p_old_agreed")
	_, err := f.svc.Agree(ctx, agreed.ID, ActorPassenger, "p_old_agreed")
	require.NoError(t, err)
	running, _ := f.accepted(t, "p_running")

	f.clock = f.clock.Add(20 * time.Minute)
	fresh := f.request(t, "p_fresh")

	n, err := f.svc.ExpireStale(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for id, want := range map[types.ID]Status{
		old.ID:     StatusCanceled,
		agreed.ID:  StatusCanceled,
		running.ID: StatusAccepted,
		fresh.ID:   StatusPending,
	} {
		got, err := f.svc.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, "ride %s", id)
	}

	events, err := f.svc.Events(ctx, old.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, ActorSystem, last.ActorType)
	assert.Nil(t, last.ActorID)

	n, err = f.svc.ExpireStale(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunExpiryMonitorStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.svc.RunExpiryMonitor(ctx, time.Minute, 10*time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expiry monitor did not stop")
	}
}

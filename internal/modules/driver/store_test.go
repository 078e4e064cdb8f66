package driver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusride/internal/testutil"
	"campusride/internal/types"
)

func TestPGStore_StatusCASAndLocation(t *testing.T) {
	ctx := context.Background()
	store := NewPGStore(testutil.OpenDB(t))

	now := time.Now().UTC().Truncate(time.Millisecond)
	d := &Driver{
		ID: "d_pg_1", UserID: "u1", Age: 30, LicenseRef: "L1", ExperienceYears: 4,
		Vehicle: Vehicle{Brand: "Honda", Model: "Fit", Plate: "PG-1"},
		Status:  StatusOffline, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.Create(ctx, d))

	ok, err := store.UpdateStatus(ctx, d.ID, StatusAvailable, StatusBusy)
	require.NoError(t, err)
	assert.False(t, ok, "CAS from wrong status must not apply")

	ok, err = store.UpdateStatus(ctx, d.ID, StatusOffline, StatusAvailable)
	require.NoError(t, err)
	assert.True(t, ok)

	avail, err := store.ListAvailable(ctx)
	require.NoError(t, err)
	assert.Empty(t, avail, "driver without location is not listed")

	require.NoError(t, store.UpdateLocation(ctx, d.ID, types.Point{Lat: 10, Lng: 20}))
	require.NoError(t, store.AppendRating(ctx, d.ID, 5))

	avail, err = store.ListAvailable(ctx)
	require.NoError(t, err)
	require.Len(t, avail, 1)
	assert.Equal(t, types.Point{Lat: 10, Lng: 20}, *avail[0].Location)
	assert.Equal(t, []int{5}, avail[0].Ratings)

	_, err = store.Get(ctx, "missing")
	require.ErrorIs(t, err, types.ErrNotFound)
}

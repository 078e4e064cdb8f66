package passenger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"campusride/internal/testutil"
	"campusride/internal/types"
)

func TestEnsure_CreatesOnce(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemStore(), zap.NewNop())

	first, err := svc.Ensure(ctx, "u1", "Ada")
	require.NoError(t, err)
	second, err := svc.Ensure(ctx, "u1", "Someone Else")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Ada", second.Name)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestEnsure_RequiresUser(t *testing.T) {
	svc := NewService(NewMemStore(), zap.NewNop())
	_, err := svc.Ensure(context.Background(), "", "")
	require.ErrorIs(t, err, types.ErrValidation)
}

func TestUpdateLocation(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemStore(), zap.NewNop())

	require.ErrorIs(t, svc.UpdateLocation(ctx, "ghost", types.Point{Lat: 1, Lng: 1}), types.ErrNotFound)
	_, err := svc.Ensure(ctx, "u1", "")
	require.NoError(t, err)
	require.ErrorIs(t, svc.UpdateLocation(ctx, "u1", types.Point{Lat: 1, Lng: 200}), types.ErrValidation)
	require.NoError(t, svc.UpdateLocation(ctx, "u1", types.Point{Lat: 1, Lng: 2}))

	p, err := svc.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, &types.Point{Lat: 1, Lng: 2}, p.Location)
}

func TestPGStore_EnsureAndLocation(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewPGStore(testutil.OpenDB(t)), zap.NewNop())

	_, err := svc.Ensure(ctx, "pg_user", "Grace")
	require.NoError(t, err)
	again, err := svc.Ensure(ctx, "pg_user", "ignored")
	require.NoError(t, err)
	assert.Equal(t, "Grace", again.Name)

	require.NoError(t, svc.UpdateLocation(ctx, "pg_user", types.Point{Lat: 3, Lng: 4}))
	p, err := svc.Get(ctx, "pg_user")
	require.NoError(t, err)
	assert.Equal(t, &types.Point{Lat: 3, Lng: 4}, p.Location)
}

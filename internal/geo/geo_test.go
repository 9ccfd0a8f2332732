package geo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-negotiation/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestIndexFindNearby(t *testing.T) {
	ctx := context.Background()
	g := NewIndex()
	pickup := models.Coord{Lat: -23.55, Lon: -46.63}
	drivers := []models.Driver{
		{ID: "far", Loc: models.Coord{Lat: -23.60, Lon: -46.63}, VehicleClass: models.VehicleEconomy, Online: true},
		{ID: "near", Loc: models.Coord{Lat: -23.551, Lon: -46.63}, VehicleClass: models.VehicleEconomy, Online: true},
		{ID: "mid", Loc: models.Coord{Lat: -23.56, Lon: -46.63}, VehicleClass: models.VehicleEconomy, Online: true},
		{ID: "offline", Loc: models.Coord{Lat: -23.55, Lon: -46.63}, VehicleClass: models.VehicleEconomy, Online: false},
		{ID: "xl", Loc: models.Coord{Lat: -23.55, Lon: -46.63}, VehicleClass: models.VehicleXL, Online: true},
	}
	for _, d := range drivers {
		require.NoError(t, g.Upsert(ctx, d))
	}

	got, err := g.FindNearby(ctx, pickup, models.VehicleEconomy, 10, 20)
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, c := range got {
		ids = append(ids, c.DriverID)
	}
	assert.Equal(t, []string{"near", "mid", "far"}, ids)
	assert.InDelta(t, 0.11, got[0].DistanceKm, 0.01)

	got, err = g.FindNearby(ctx, pickup, models.VehicleEconomy, 2, 20)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = g.FindNearby(ctx, pickup, models.VehicleEconomy, 10, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "near", got[0].DriverID)

	got, err = g.FindNearby(ctx, pickup, models.VehicleMoto, 10, 20)
	require.NoError(t, err)
	assert.Empty(t, got)
}

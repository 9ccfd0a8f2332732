package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-negotiation/internal/models"
)

// fakeIndex fails the first fail upserts
type fakeIndex struct {
	fail  int
	calls int
	last  models.Driver
}

func (f *fakeIndex) Upsert(ctx context.Context, d models.Driver) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("geo fail")
	}
	f.last = d
	return nil
}

func TestUpsertWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeIndex{fail: 2}
	d := models.Driver{ID: "d1", Loc: models.Coord{Lat: 1, Lon: 2}, VehicleClass: models.VehicleEconomy, Rating: 4.5, Online: true}
	start := time.Now()
	require.NoError(t, upsertWithRetry(context.Background(), f, d, 3, 5*time.Millisecond))
	assert.Equal(t, 3, f.calls)
	assert.Equal(t, "d1", f.last.ID)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestUpsertWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeIndex{fail: 5}
	err := upsertWithRetry(context.Background(), f, models.Driver{ID: "d1"}, 3, time.Millisecond)
	assert.EqualError(t, err, "geo fail")
	assert.Equal(t, 3, f.calls)
}

func TestUpsertWithRetry_StopsOnCancel(t *testing.T) {
	f := &fakeIndex{fail: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := upsertWithRetry(ctx, f, models.Driver{ID: "d1"}, 3, time.Second)
	assert.Error(t, err)
	assert.Equal(t, 1, f.calls)
}

func TestDecodePing(t *testing.T) {
	d, err := decodePing([]byte(`{"id":"d1","loc":{"lat":-23.5,"lon":-46.6},"vehicle_class":"moto","rating":4.8,"online":true}`))
	require.NoError(t, err)
	assert.Equal(t, models.VehicleMoto, d.VehicleClass)
	assert.True(t, d.Online)

	for name, raw := range map[string]string{
		"garbage":   `{`,
		"no id":     `{"loc":{"lat":1,"lon":1},"vehicle_class":"xl"}`,
		"bad coord": `{"id":"d1","loc":{"lat":91,"lon":1},"vehicle_class":"xl"}`,
		"bad class": `{"id":"d1","loc":{"lat":1,"lon":1},"vehicle_class":"bus"}`,
	} {
		_, err := decodePing([]byte(raw))
		assert.ErrorIs(t, err, errInvalidPing, name)
	}
}

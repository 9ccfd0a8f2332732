package eta

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-negotiation/internal/models"
)

type stubClient struct {
	v     float64
	err   error
	calls int
}

func (s *stubClient) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	s.calls++
	return s.v, s.err
}

func TestEstimatorPrefersCacheThenClient(t *testing.T) {
	a := models.Coord{Lat: 0, Lon: 0}
	b := models.Coord{Lat: 0.01, Lon: 0}
	c := &stubClient{v: 42}
	e := &Estimator{Client: c, Cache: NewCache(time.Minute), SpeedMps: 10}

	assert.Equal(t, 42.0, e.Seconds(context.Background(), a, b))
	assert.Equal(t, 42.0, e.Seconds(context.Background(), a, b))
	assert.Equal(t, 1, c.calls)
}

func TestEstimatorFallsBackToStraightLine(t *testing.T) {
	a := models.Coord{Lat: 0, Lon: 0}
	b := models.Coord{Lat: 0.01, Lon: 0}
	e := &Estimator{Client: &stubClient{err: errors.New("down")}, SpeedMps: 10}
	assert.InDelta(t, 111.2, e.Seconds(context.Background(), a, b), 0.5)
}

func TestCacheExpires(t *testing.T) {
	c := NewCache(time.Millisecond)
	a := models.Coord{Lat: 1, Lon: 1}
	c.Set(a, a, 5)
	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get(a, a)
	assert.False(t, ok)
}

func TestOSRMClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/route/v1/driving/-46.630000,-23.550000;-46.660000,-23.580000", r.URL.Path)
		fmt.Fprint(w, `{"code":"Ok","routes":[{"duration":321.5}]}`)
	}))
	defer srv.Close()

	c := NewOSRMClient(srv.URL)
	v, err := c.EstimateSeconds(context.Background(), models.Coord{Lat: -23.55, Lon: -46.63}, models.Coord{Lat: -23.58, Lon: -46.66})
	require.NoError(t, err)
	assert.Equal(t, 321.5, v)
}

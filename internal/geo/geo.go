package geo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/ride-negotiation/internal/models"
)

// Geo is the driver index consulted by fan-out.
type Geo interface {
	// FindNearby returns up to limit online drivers of the given class within
	// radiusKm of point, nearest first.
	FindNearby(ctx context.Context, point models.Coord, class models.VehicleClass, radiusKm float64, limit int) ([]models.Candidate, error)
	Upsert(ctx context.Context, d models.Driver) error
}

type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.Driver)}
}

func (g *Index) Upsert(_ context.Context, d models.Driver) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d.Updated = time.Now()
	g.drivers[d.ID] = d
	return nil
}

// naive scan; in prod use RedisGeo
func (g *Index) FindNearby(_ context.Context, point models.Coord, class models.VehicleClass, radiusKm float64, limit int) ([]models.Candidate, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	arr := make([]models.Candidate, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !d.Online || d.VehicleClass != class {
			continue
		}
		km := Haversine(point.Lat, point.Lon, d.Loc.Lat, d.Loc.Lon) / 1000
		if km > radiusKm {
			continue
		}
		arr = append(arr, models.Candidate{DriverID: d.ID, Loc: d.Loc, DistanceKm: km})
	}
	// partial selection sort for top-N
	n := limit
	if n > len(arr) || n <= 0 {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].DistanceKm < arr[minIdx].DistanceKm ||
				(arr[j].DistanceKm == arr[minIdx].DistanceKm && arr[j].DriverID < arr[minIdx].DriverID) {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	return arr[:n], nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

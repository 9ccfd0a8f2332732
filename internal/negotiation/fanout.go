package negotiation

import (
	"context"
	"errors"
	"math"

	"github.com/example/ride-negotiation/internal/models"
	"github.com/example/ride-negotiation/internal/observability"
	"github.com/example/ride-negotiation/internal/storage"
)

// FanOut notifies nearby drivers of ride within its current search radius
// and returns how many were notified. Drivers already notified for this ride
// are skipped. Geo and notifier failures are logged and yield fewer
// notifications, never an error.
func (e *Engine) FanOut(ctx context.Context, ride *models.Ride) int {
	return e.fanOut(ctx, ride, ride.SearchRadiusKm)
}

// WidenSearch grows a negotiating ride's search radius and fans out again
// to drivers not notified before.
func (e *Engine) WidenSearch(ctx context.Context, rideID, requesterID string, radiusKm float64) (*models.Ride, error) {
	const op = "WidenSearch"
	ride, err := e.loadRide(ctx, op, rideID)
	if err != nil {
		return nil, err
	}
	if requesterID == "" || ride.RequesterID != requesterID {
		return nil, unauthorized(op, "only the requester can widen the search")
	}
	if ride.Status != models.RideNegotiating {
		return nil, conflict(op, ReasonRideNotNegotiating, errRideDecided)
	}
	if math.IsNaN(radiusKm) || radiusKm <= ride.SearchRadiusKm {
		return nil, invalid(op, "radius_km", "radius must be larger than the current %.1f km", ride.SearchRadiusKm)
	}
	if radiusKm > e.Config.MaxRadiusKm {
		return nil, invalid(op, "radius_km", "radius must be at most %.1f km", e.Config.MaxRadiusKm)
	}
	now := e.now()
	err = retryErr(ctx, e, op, func(ctx context.Context) error {
		return e.Store.SetSearchRadius(ctx, rideID, radiusKm, now)
	})
	if errors.Is(err, storage.ErrRadiusNotWider) {
		// an equal radius is our own lost reply or an identical widen;
		// fan-out dedupe keeps drivers from hearing about the ride twice
		current, lerr := e.loadRide(ctx, op, rideID)
		if lerr != nil {
			return nil, lerr
		}
		if current.SearchRadiusKm == radiusKm {
			err = nil
		}
	}
	if err != nil {
		return nil, fromStore(op, "ride", err)
	}
	ride.SearchRadiusKm = radiusKm
	ride.UpdatedAt = now
	ride.NotifiedDrivers = e.fanOut(ctx, ride, radiusKm)
	e.Logger.Info("search widened", "ride_id", rideID, "radius_km", radiusKm, "notified", ride.NotifiedDrivers)
	return ride, nil
}

func (e *Engine) fanOut(ctx context.Context, ride *models.Ride, radiusKm float64) int {
	if e.Geo == nil {
		return 0
	}
	gctx, cancel := context.WithTimeout(ctx, e.Config.GeoTimeout)
	// one extra slot in case the requester is also a driver
	cands, err := e.Geo.FindNearby(gctx, ride.Pickup.Coord, ride.VehicleClass, radiusKm, e.Config.FanOutLimit+1)
	cancel()
	if err != nil {
		e.Logger.Warn("geo lookup failed", "ride_id", ride.ID, "radius_km", radiusKm, "err", err)
		observability.FanOutCandidates.Observe(0)
		return 0
	}

	byID := make(map[string]models.Candidate, len(cands))
	ids := make([]string, 0, len(cands))
	for _, c := range cands {
		if c.DriverID == ride.RequesterID {
			continue
		}
		if len(ids) == e.Config.FanOutLimit {
			break
		}
		byID[c.DriverID] = c
		ids = append(ids, c.DriverID)
	}
	if len(ids) == 0 {
		observability.FanOutCandidates.Observe(0)
		return 0
	}

	fresh, err := retry(ctx, e, "MarkNotified", func(ctx context.Context) ([]string, error) {
		return e.Store.MarkNotified(ctx, ride.ID, ids, e.now())
	})
	if err != nil {
		// Delivery is at-least-once anyway; notifying twice beats not at all.
		e.Logger.Warn("recording notified drivers failed", "ride_id", ride.ID, "err", err)
		fresh = ids
	}
	for _, id := range fresh {
		c := byID[id]
		var etaSec float64
		if e.ETA != nil {
			etaSec = e.ETA.Seconds(ctx, c.Loc, ride.Pickup.Coord)
		}
		e.notify(ctx, id, models.EventNewRideRequest, rideRequestPayload(ride, c, etaSec))
	}
	observability.FanOutCandidates.Observe(float64(len(fresh)))
	e.Logger.Debug("fan-out", "ride_id", ride.ID, "candidates", len(ids), "notified", len(fresh))
	return len(fresh)
}

// rideRequestPayload is what a candidate driver sees about a ride.
func rideRequestPayload(ride *models.Ride, c models.Candidate, etaSec float64) map[string]any {
	p := map[string]any{
		"ride_id":        ride.ID,
		"pickup":         placePayload(ride.Pickup),
		"dropoff":        placePayload(ride.Dropoff),
		"vehicle_class":  string(ride.VehicleClass),
		"proposed_price": ride.ProposedPrice,
		"payment_method": string(ride.PaymentMethod),
		"distance_km":    math.Round(c.DistanceKm*1000) / 1000,
	}
	if ride.Notes != "" {
		p["notes"] = ride.Notes
	}
	if etaSec > 0 {
		p["eta_seconds"] = math.Round(etaSec)
	}
	return p
}

func placePayload(p models.Place) map[string]any {
	return map[string]any{"lat": p.Lat, "lon": p.Lon, "address": p.Address}
}

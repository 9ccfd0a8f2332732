package negotiation

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-negotiation/internal/models"
	"github.com/example/ride-negotiation/internal/observability"
	"github.com/example/ride-negotiation/internal/storage"
)

// rejectAttempts bounds the sibling rejection after an award. What is left
// over is finished by the sweeper's orphan pass.
const rejectAttempts = 5

var errRideAccepted = errors.New("ride already accepted by another driver")

// AcceptOffer awards offerID on rideID. The award itself is one conditional
// write on both the ride and the offer; of any number of concurrent calls
// for the same ride exactly one succeeds and the rest get a conflict.
func (e *Engine) AcceptOffer(ctx context.Context, rideID, offerID, requesterID string) (*models.Ride, error) {
	const op = "AcceptOffer"
	start := time.Now()

	offer, err := e.loadOffer(ctx, op, offerID)
	if err != nil {
		return nil, err
	}
	if offer.RideID != rideID {
		return nil, notFound(op, "offer")
	}
	ride, err := e.loadRide(ctx, op, rideID)
	if err != nil {
		return nil, err
	}
	if requesterID == "" || ride.RequesterID != requesterID {
		return nil, unauthorized(op, "only the requester can accept offers on this ride")
	}

	// Fast rejections from what we just read. The award below re-checks
	// all of these at commit time.
	now := e.now()
	if ride.Status != models.RideNegotiating {
		return nil, rideDecided(op, ride)
	}
	switch offer.Effective(now) {
	case models.OfferPending:
	case models.OfferExpired:
		e.expireOffer(ctx, offer, now)
		return nil, conflict(op, ReasonOfferExpired, errors.New("offer expired"))
	default:
		return nil, conflict(op, ReasonOfferNotPending, errors.New("offer already decided"))
	}

	transient := false
	awarded, err := retry(ctx, e, op, func(ctx context.Context) (*models.Ride, error) {
		r, err := e.Store.AwardOffer(ctx, rideID, offerID, now)
		if err != nil && !storage.IsOutcome(err) {
			transient = true
		}
		return r, err
	})
	if err != nil {
		awarded, err = e.classifyAward(ctx, op, offer, now, transient, err)
		if err != nil {
			return nil, err
		}
	}

	observability.AwardsTotal.Inc()
	observability.AwardLatency.Observe(time.Since(start).Seconds())
	e.Logger.Info("offer accepted", "ride_id", rideID, "offer_id", offerID, "driver_id", awarded.DriverID)

	winner := *offer
	winner.Status = models.OfferAccepted
	winner.UpdatedAt = now
	e.afterAward(ctx, awarded, &winner, now)
	return awarded, nil
}

// classifyAward turns a failed award into the caller-facing conflict. When an
// earlier attempt failed in transit, the award may in fact be ours.
func (e *Engine) classifyAward(ctx context.Context, op string, offer *models.Offer, now time.Time, transient bool, err error) (*models.Ride, error) {
	switch {
	case errors.Is(err, storage.ErrRideNotNegotiating):
		cur, gerr := e.Store.GetRide(ctx, offer.RideID)
		if gerr != nil {
			return nil, conflict(op, ReasonRideNotNegotiating, errRideDecided)
		}
		if transient && cur.AcceptedOffer == offer.ID {
			return cur, nil
		}
		return nil, rideDecided(op, cur)
	case errors.Is(err, storage.ErrOfferExpired):
		e.expireOffer(ctx, offer, now)
	}
	return nil, fromStore(op, "offer", err)
}

func rideDecided(op string, ride *models.Ride) error {
	if ride.Status == models.RideCancelled {
		return conflict(op, ReasonRideNotNegotiating, errRideDecided)
	}
	return conflict(op, ReasonRideAlreadyAccepted, errRideAccepted)
}

// afterAward rejects the losing offers and tells everyone. It runs detached
// from the caller's cancellation: the award has committed and its siblings
// must not stay pending.
func (e *Engine) afterAward(ctx context.Context, ride *models.Ride, winner *models.Offer, now time.Time) {
	ctx = context.WithoutCancel(ctx)

	var rejected []models.Offer
	delay := e.Config.StoreRetryDelay
	for i := 0; i < rejectAttempts; i++ {
		var err error
		rejected, err = e.Store.RejectPendingOffers(ctx, ride.ID, winner.ID, now)
		if err == nil {
			break
		}
		observability.StoreRetries.WithLabelValues("RejectPendingOffers").Inc()
		if i == rejectAttempts-1 {
			e.Logger.Error("rejecting sibling offers failed, leaving it to the sweeper", "ride_id", ride.ID, "err", err)
			break
		}
		time.Sleep(delay)
		delay *= 2
	}

	e.notify(ctx, winner.DriverID, models.EventOfferAccepted, map[string]any{
		"ride_id":        ride.ID,
		"offer_id":       winner.ID,
		"final_price":    winner.Price,
		"requester_id":   ride.RequesterID,
		"pickup":         placePayload(ride.Pickup),
		"dropoff":        placePayload(ride.Dropoff),
		"payment_method": string(ride.PaymentMethod),
	})
	for i := range rejected {
		o := rejected[i]
		e.notify(ctx, o.DriverID, models.EventOfferRejected, map[string]any{
			"ride_id":  ride.ID,
			"offer_id": o.ID,
			"reason":   ReasonRideAlreadyAccepted,
		})
	}
	e.publish(ctx, ride, models.EventRideAccepted, winner, now)
}

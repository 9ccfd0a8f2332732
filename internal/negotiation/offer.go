package negotiation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-negotiation/internal/models"
	"github.com/example/ride-negotiation/internal/observability"
)

// offerNamespace scopes offer ids derived from client keys.
var offerNamespace = uuid.MustParse("6f1c2a8e-4b7d-4e0a-9c35-0d2b8f6a41e7")

// OfferRequest is the input of MakeOffer. With an IdempotencyKey the offer
// id is derived from (ride, driver, key), so a resubmitted call returns the
// offer created by the first one.
type OfferRequest struct {
	RideID         string
	DriverID       string
	Price          float64
	Message        string
	IdempotencyKey string
}

// MakeOffer records a pending counter-offer from a driver. The store rejects
// it when the ride has been decided or the driver still has a pending offer.
func (e *Engine) MakeOffer(ctx context.Context, req OfferRequest) (*models.Offer, error) {
	const op = "MakeOffer"
	if strings.TrimSpace(req.DriverID) == "" {
		return nil, unauthorized(op, "driver not identified")
	}
	if err := validatePrice(op, "price", req.Price); err != nil {
		return nil, err
	}
	msg, err := cleanText(op, "message", req.Message, maxMessageLen)
	if err != nil {
		return nil, err
	}
	ride, err := e.loadRide(ctx, op, req.RideID)
	if err != nil {
		return nil, err
	}
	if ride.RequesterID == req.DriverID {
		return nil, unauthorized(op, "cannot bid on your own ride")
	}
	if ride.Status != models.RideNegotiating {
		return nil, conflict(op, ReasonRideNotNegotiating, errRideDecided)
	}

	now := e.now()
	id := uuid.NewString()
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		id = uuid.NewSHA1(offerNamespace, []byte(req.RideID+"\x00"+req.DriverID+"\x00"+key)).String()
	}
	offer := &models.Offer{
		ID:        id,
		RideID:    ride.ID,
		DriverID:  req.DriverID,
		Price:     req.Price,
		Message:   msg,
		Status:    models.OfferPending,
		CreatedAt: now,
		ExpiresAt: now.Add(e.Config.OfferTTL),
		UpdatedAt: now,
	}
	stored, err := retry(ctx, e, op, func(ctx context.Context) (*models.Offer, error) {
		return e.Store.CreateOffer(ctx, offer)
	})
	if err != nil {
		return nil, fromStore(op, "ride", err)
	}
	if !stored.CreatedAt.Equal(now) {
		e.Logger.Info("offer replayed", "offer_id", stored.ID, "ride_id", stored.RideID, "driver_id", stored.DriverID)
		return stored, nil
	}

	observability.OffersMade.Inc()
	e.Logger.Info("offer made", "offer_id", stored.ID, "ride_id", ride.ID, "driver_id", stored.DriverID, "price", stored.Price)
	e.notify(ctx, ride.RequesterID, models.EventNewOffer, offerPayload(stored))
	e.publish(ctx, ride, models.EventNewOffer, stored, now)
	return stored, nil
}

// WithdrawOffer lets a driver take back a pending offer.
func (e *Engine) WithdrawOffer(ctx context.Context, offerID, driverID string) (*models.Offer, error) {
	const op = "WithdrawOffer"
	offer, err := e.loadOffer(ctx, op, offerID)
	if err != nil {
		return nil, err
	}
	if driverID == "" || offer.DriverID != driverID {
		return nil, unauthorized(op, "only the bidding driver can withdraw this offer")
	}
	now := e.now()
	switch offer.Effective(now) {
	case models.OfferPending:
	case models.OfferExpired:
		e.expireOffer(ctx, offer, now)
		return nil, conflict(op, ReasonOfferExpired, errors.New("offer expired"))
	default:
		return nil, conflict(op, ReasonOfferNotPending, errors.New("offer already decided"))
	}

	offer, err = retry(ctx, e, op, func(ctx context.Context) (*models.Offer, error) {
		return e.Store.TransitionOffer(ctx, offerID, models.OfferPending, models.OfferRejected, now)
	})
	if err != nil {
		return nil, fromStore(op, "offer", err)
	}
	e.Logger.Info("offer withdrawn", "offer_id", offerID, "ride_id", offer.RideID, "driver_id", driverID)
	if ride, err := e.Store.GetRide(ctx, offer.RideID); err == nil {
		e.notify(ctx, ride.RequesterID, models.EventOfferWithdrawn, offerPayload(offer))
		e.publish(ctx, ride, models.EventOfferWithdrawn, offer, now)
	}
	return offer, nil
}

// ListOffers returns a ride's offers oldest first. The requester sees every
// offer, anyone else only their own. Lapsed pending offers are reported and
// persisted as expired.
func (e *Engine) ListOffers(ctx context.Context, rideID, callerID string) ([]models.Offer, error) {
	const op = "ListOffers"
	if callerID == "" {
		return nil, unauthorized(op, "caller not identified")
	}
	ride, err := e.loadRide(ctx, op, rideID)
	if err != nil {
		return nil, err
	}
	offers, err := retry(ctx, e, op, func(ctx context.Context) ([]models.Offer, error) {
		return e.Store.ListOffers(ctx, rideID)
	})
	if err != nil {
		return nil, fromStore(op, "ride", err)
	}

	now := e.now()
	lapsed := false
	out := make([]models.Offer, 0, len(offers))
	for _, o := range offers {
		if o.Effective(now) == models.OfferExpired && o.Status == models.OfferPending {
			o.Status = models.OfferExpired
			lapsed = true
		}
		if ride.RequesterID == callerID || o.DriverID == callerID {
			out = append(out, o)
		}
	}
	if lapsed {
		e.expireRide(ctx, ride, now)
	}
	return out, nil
}

// GetOffer returns one offer to its driver or to the ride's requester.
func (e *Engine) GetOffer(ctx context.Context, offerID, callerID string) (*models.Offer, error) {
	const op = "GetOffer"
	if callerID == "" {
		return nil, unauthorized(op, "caller not identified")
	}
	offer, err := e.loadOffer(ctx, op, offerID)
	if err != nil {
		return nil, err
	}
	if offer.DriverID != callerID {
		ride, err := e.loadRide(ctx, op, offer.RideID)
		if err != nil {
			return nil, err
		}
		if ride.RequesterID != callerID {
			return nil, unauthorized(op, "offer belongs to another driver")
		}
	}
	now := e.now()
	if offer.Effective(now) == models.OfferExpired && offer.Status == models.OfferPending {
		e.expireOffer(ctx, offer, now)
		offer.Status = models.OfferExpired
	}
	return offer, nil
}

func (e *Engine) loadOffer(ctx context.Context, op, offerID string) (*models.Offer, error) {
	if offerID == "" {
		return nil, invalid(op, "offer_id", "offer id is required")
	}
	offer, err := retry(ctx, e, op, func(ctx context.Context) (*models.Offer, error) {
		return e.Store.GetOffer(ctx, offerID)
	})
	if err != nil {
		return nil, fromStore(op, "offer", err)
	}
	return offer, nil
}

// expireOffer persists pending -> expired for one lapsed offer. Losing the
// race to another writer is fine; whoever moved it notifies.
func (e *Engine) expireOffer(ctx context.Context, o *models.Offer, now time.Time) {
	moved, err := e.Store.TransitionOffer(ctx, o.ID, models.OfferPending, models.OfferExpired, now)
	if err != nil {
		e.Logger.Debug("lazy expiry skipped", "offer_id", o.ID, "err", err)
		return
	}
	e.announceExpired(ctx, "", []models.Offer{*moved})
}

// expireRide persists every lapsed pending offer of ride.
func (e *Engine) expireRide(ctx context.Context, ride *models.Ride, now time.Time) {
	moved, err := e.Store.ExpireOffers(ctx, ride.ID, now)
	if err != nil {
		e.Logger.Debug("lazy expiry skipped", "ride_id", ride.ID, "err", err)
		return
	}
	e.announceExpired(ctx, ride.Status, moved)
}

// announceExpired tells each driver their offer lapsed. status is the ride's
// status when known.
func (e *Engine) announceExpired(ctx context.Context, status models.RideStatus, offers []models.Offer) {
	for i := range offers {
		o := offers[i]
		e.notify(ctx, o.DriverID, models.EventOfferExpired, offerPayload(&o))
		if e.Live != nil {
			e.Live.Publish(ctx, models.RideEvent{RideID: o.RideID, Type: models.EventOfferExpired, Status: status, Offer: &o, At: o.UpdatedAt})
		}
	}
}

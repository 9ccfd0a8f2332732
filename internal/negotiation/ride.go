package negotiation

import (
	"context"
	"errors"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/example/ride-negotiation/internal/models"
	"github.com/example/ride-negotiation/internal/observability"
	"github.com/example/ride-negotiation/internal/storage"
)

const (
	maxAddressLen = 256
	maxNotesLen   = 500
	maxMessageLen = 280
	maxPrice      = 1_000_000
)

// RideRequest is the input of RequestRide. IdempotencyKey is optional; a
// repeated call with the same requester and key returns the first ride.
type RideRequest struct {
	RequesterID    string
	Pickup         models.Place
	Dropoff        models.Place
	VehicleClass   models.VehicleClass
	ProposedPrice  float64
	PaymentMethod  models.PaymentMethod
	Notes          string
	IdempotencyKey string
}

// RequestRide persists a negotiating ride and fans it out to nearby drivers.
// Fan-out problems never fail the call.
func (e *Engine) RequestRide(ctx context.Context, req RideRequest) (*models.Ride, error) {
	const op = "RequestRide"
	if strings.TrimSpace(req.RequesterID) == "" {
		return nil, unauthorized(op, "requester not identified")
	}
	if err := validatePrice(op, "proposed_price", req.ProposedPrice); err != nil {
		return nil, err
	}
	pickup, err := cleanPlace(op, "pickup", req.Pickup)
	if err != nil {
		return nil, err
	}
	dropoff, err := cleanPlace(op, "dropoff", req.Dropoff)
	if err != nil {
		return nil, err
	}
	if !req.VehicleClass.Valid() {
		return nil, invalid(op, "vehicle_class", "unknown vehicle class %q", req.VehicleClass)
	}
	if !req.PaymentMethod.Valid() {
		return nil, invalid(op, "payment_method", "unknown payment method %q", req.PaymentMethod)
	}
	notes, err := cleanText(op, "notes", req.Notes, maxNotesLen)
	if err != nil {
		return nil, err
	}

	now := e.now()
	ride := &models.Ride{
		ID:             uuid.NewString(),
		RequesterID:    req.RequesterID,
		Pickup:         pickup,
		Dropoff:        dropoff,
		VehicleClass:   req.VehicleClass,
		ProposedPrice:  req.ProposedPrice,
		PaymentMethod:  req.PaymentMethod,
		Notes:          notes,
		Status:         models.RideNegotiating,
		SearchRadiusKm: e.Config.FanOutRadiusKm,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	// Without a client key the ride id doubles as the key, which still
	// makes our own retries of the insert idempotent.
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = ride.ID
	}
	ride.RequestKey = req.RequesterID + ":" + key

	stored, err := retry(ctx, e, op, func(ctx context.Context) (*models.Ride, error) {
		return e.Store.CreateRide(ctx, ride)
	})
	if err != nil {
		return nil, fromStore(op, "ride", err)
	}
	if stored.ID != ride.ID {
		e.Logger.Info("ride request replayed", "ride_id", stored.ID, "requester_id", stored.RequesterID)
		return stored, nil
	}

	observability.RidesRequested.Inc()
	e.Logger.Info("ride requested", "ride_id", stored.ID, "requester_id", stored.RequesterID,
		"vehicle_class", stored.VehicleClass, "proposed_price", stored.ProposedPrice)
	e.publish(ctx, stored, models.EventNewRideRequest, nil, now)
	stored.NotifiedDrivers = e.fanOut(ctx, stored, stored.SearchRadiusKm)
	return stored, nil
}

// GetRide returns a ride by id to any identified caller.
func (e *Engine) GetRide(ctx context.Context, rideID, callerID string) (*models.Ride, error) {
	const op = "GetRide"
	if callerID == "" {
		return nil, unauthorized(op, "caller not identified")
	}
	return e.loadRide(ctx, op, rideID)
}

// CancelRide cancels a negotiating ride and rejects its pending offers in
// one conditional write, so it cannot interleave with an award.
func (e *Engine) CancelRide(ctx context.Context, rideID, requesterID string) (*models.Ride, error) {
	const op = "CancelRide"
	ride, err := e.loadRide(ctx, op, rideID)
	if err != nil {
		return nil, err
	}
	if requesterID == "" || ride.RequesterID != requesterID {
		return nil, unauthorized(op, "only the requester can cancel this ride")
	}
	ride, rejected, committed, err := e.cancel(ctx, op, rideID)
	if err != nil {
		return nil, err
	}
	if !committed {
		e.Logger.Info("ride already cancelled", "ride_id", rideID)
		return ride, nil
	}
	e.Logger.Info("ride cancelled", "ride_id", rideID, "rejected_offers", len(rejected))
	e.afterCancel(ctx, ride, rejected)
	return ride, nil
}

type cancelResult struct {
	ride     *models.Ride
	rejected []models.Offer
}

// cancel commits the cancellation. committed is false when the ride was
// already cancelled by another caller; a retry that finds its own commit
// behind a lost reply counts as committed.
func (e *Engine) cancel(ctx context.Context, op, rideID string) (ride *models.Ride, rejected []models.Offer, committed bool, err error) {
	now := e.now()
	transient := false
	res, err := retry(ctx, e, op, func(ctx context.Context) (cancelResult, error) {
		r, offers, err := e.Store.CancelRide(ctx, rideID, now)
		if err != nil && !storage.IsOutcome(err) {
			transient = true
		}
		return cancelResult{r, offers}, err
	})
	if errors.Is(err, storage.ErrRideNotNegotiating) {
		cur, gerr := e.Store.GetRide(ctx, rideID)
		if gerr == nil && cur.Status == models.RideCancelled {
			return cur, nil, transient && cur.UpdatedAt.Equal(now), nil
		}
		if gerr == nil && cur.Status != models.RideNegotiating {
			return nil, nil, false, conflict(op, ReasonRideAlreadyAccepted, errors.New("ride already accepted by a driver"))
		}
	}
	if err != nil {
		return nil, nil, false, fromStore(op, "ride", err)
	}
	return res.ride, res.rejected, true, nil
}

func (e *Engine) afterCancel(ctx context.Context, ride *models.Ride, rejected []models.Offer) {
	for i := range rejected {
		o := rejected[i]
		e.notify(ctx, o.DriverID, models.EventRideCancelled, map[string]any{"ride_id": ride.ID, "offer_id": o.ID})
	}
	e.publish(ctx, ride, models.EventRideCancelled, nil, ride.UpdatedAt)
}

// CompleteRide closes an accepted ride. Only the assigned driver may do it.
func (e *Engine) CompleteRide(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	const op = "CompleteRide"
	if driverID == "" {
		return nil, unauthorized(op, "driver not identified")
	}
	ride, err := e.loadRide(ctx, op, rideID)
	if err != nil {
		return nil, err
	}
	if ride.DriverID != driverID {
		return nil, unauthorized(op, "only the assigned driver can complete this ride")
	}
	now := e.now()
	ride, err = retry(ctx, e, op, func(ctx context.Context) (*models.Ride, error) {
		return e.Store.CompleteRide(ctx, rideID, driverID, now)
	})
	if err != nil {
		return nil, fromStore(op, "ride", err)
	}
	e.Logger.Info("ride completed", "ride_id", rideID, "driver_id", driverID)
	e.notify(ctx, ride.RequesterID, models.EventRideCompleted, map[string]any{"ride_id": ride.ID, "driver_id": driverID})
	e.publish(ctx, ride, models.EventRideCompleted, nil, now)
	return ride, nil
}

func (e *Engine) loadRide(ctx context.Context, op, rideID string) (*models.Ride, error) {
	if rideID == "" {
		return nil, invalid(op, "ride_id", "ride id is required")
	}
	ride, err := retry(ctx, e, op, func(ctx context.Context) (*models.Ride, error) {
		return e.Store.GetRide(ctx, rideID)
	})
	if err != nil {
		return nil, fromStore(op, "ride", err)
	}
	return ride, nil
}

func validatePrice(op, field string, p float64) error {
	if math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 || math.Round(p*100) < 1 {
		return invalid(op, field, "%s must be a positive amount", field)
	}
	if p > maxPrice {
		return invalid(op, field, "%s is out of range", field)
	}
	return nil
}

func cleanPlace(op, field string, p models.Place) (models.Place, error) {
	if !p.Coord.Valid() {
		return p, invalid(op, field, "%s has invalid coordinates", field)
	}
	addr, err := cleanText(op, field+".address", p.Address, maxAddressLen)
	if err != nil {
		return p, err
	}
	p.Address = addr
	return p, nil
}

// cleanText trims and NFC-normalises free text typed by users.
func cleanText(op, field, s string, max int) (string, error) {
	s = norm.NFC.String(strings.TrimSpace(s))
	if !utf8.ValidString(s) {
		return "", invalid(op, field, "%s is not valid UTF-8", field)
	}
	if utf8.RuneCountInString(s) > max {
		return "", invalid(op, field, "%s exceeds %d characters", field, max)
	}
	return s, nil
}

package storage

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/example/ride-negotiation/internal/models"
)

// Outcomes of conditional writes. Anything else a Store returns is an
// infrastructure failure and may be retried.
var (
	ErrNotFound              = errors.New("storage: not found")
	ErrActiveRideExists      = errors.New("storage: requester already has an active ride")
	ErrRideNotNegotiating    = errors.New("storage: ride is not negotiating")
	ErrRideNotAccepted       = errors.New("storage: ride is not accepted by this driver")
	ErrDuplicatePendingOffer = errors.New("storage: driver already has a pending offer on this ride")
	ErrOfferNotPending       = errors.New("storage: offer is not pending")
	ErrOfferExpired          = errors.New("storage: offer expired")
	ErrRadiusNotWider        = errors.New("storage: search radius is already at least as wide")
)

// IsOutcome reports whether err is one of the conditional-write outcomes above
// rather than a transient failure.
func IsOutcome(err error) bool {
	for _, target := range []error{
		ErrNotFound, ErrActiveRideExists, ErrRideNotNegotiating, ErrRideNotAccepted,
		ErrDuplicatePendingOffer, ErrOfferNotPending, ErrOfferExpired, ErrRadiusNotWider,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Store is the durable home of rides and offers. Every state change is a
// compare-and-set on the status column; implementations hold no business
// rules beyond the predicates spelled out per method.
type Store interface {
	// CreateRide inserts r in negotiating state. A ride already stored under
	// r.RequestKey for the same requester is returned unchanged. Fails with
	// ErrActiveRideExists when the requester has another active ride.
	CreateRide(ctx context.Context, r *models.Ride) (*models.Ride, error)
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	// SetSearchRadius grows the fan-out radius of a negotiating ride. Fails
	// with ErrRadiusNotWider when the stored radius is already >= radiusKm.
	SetSearchRadius(ctx context.Context, rideID string, radiusKm float64, now time.Time) error
	// MarkNotified records (ride, driver) pairs and returns the drivers that
	// had not been recorded before, in input order.
	MarkNotified(ctx context.Context, rideID string, driverIDs []string, now time.Time) ([]string, error)

	// CreateOffer inserts o as pending if its ride is negotiating and the
	// driver has no pending offer on it. Lapsed pending offers from the same
	// driver are expired first. An offer already stored under o.ID is
	// returned unchanged.
	CreateOffer(ctx context.Context, o *models.Offer) (*models.Offer, error)
	GetOffer(ctx context.Context, id string) (*models.Offer, error)
	ListOffers(ctx context.Context, rideID string) ([]models.Offer, error)
	// TransitionOffer moves an offer from one status to another. Leaving
	// pending for anything but expired requires the offer to be unexpired.
	TransitionOffer(ctx context.Context, offerID string, from, to models.OfferStatus, now time.Time) (*models.Offer, error)
	// ExpireOffers persists pending -> expired for lapsed offers of one ride,
	// or of every ride when rideID is empty.
	ExpireOffers(ctx context.Context, rideID string, now time.Time) ([]models.Offer, error)
	// RejectPendingOffers rejects every pending offer of rideID except one.
	RejectPendingOffers(ctx context.Context, rideID, exceptOfferID string, now time.Time) ([]models.Offer, error)
	// RejectOrphanedOffers rejects pending offers whose ride has left
	// negotiating state.
	RejectOrphanedOffers(ctx context.Context, now time.Time) ([]models.Offer, error)

	// AwardOffer atomically marks offerID accepted and its ride accepted with
	// the offer's driver and price, only if the offer is pending and
	// unexpired and the ride is negotiating.
	AwardOffer(ctx context.Context, rideID, offerID string, now time.Time) (*models.Ride, error)
	// CancelRide moves a negotiating ride to cancelled and rejects its
	// pending offers in the same unit.
	CancelRide(ctx context.Context, rideID string, now time.Time) (*models.Ride, []models.Offer, error)
	// CompleteRide moves an accepted ride assigned to driverID to completed.
	CompleteRide(ctx context.Context, rideID, driverID string, now time.Time) (*models.Ride, error)
	// ListStaleRides returns negotiating rides created before the cutoff.
	ListStaleRides(ctx context.Context, createdBefore time.Time, limit int) ([]models.Ride, error)

	Close() error
}

func toCents(v float64) int64 { return int64(math.Round(v * 100)) }

func fromCents(c int64) float64 { return float64(c) / 100 }

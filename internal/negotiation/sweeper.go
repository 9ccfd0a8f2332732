package negotiation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/ride-negotiation/internal/models"
	"github.com/example/ride-negotiation/internal/observability"
)

const reasonNegotiationTimeout = "negotiation_timeout"

// Sweeper keeps stored state tidy between touches. Correctness never depends
// on it: expiry is enforced on every read and award anyway.
type Sweeper struct {
	Engine   *Engine
	Interval time.Duration
	Batch    int // stale rides cancelled per pass
}

type SweepStats struct {
	Expired  int
	Orphaned int
	TimedOut int
}

// Run sweeps every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.Interval <= 0 {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(s.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			stats, err := s.SweepOnce(ctx)
			if err != nil {
				s.Engine.Logger.Warn("sweep failed", "err", err)
			}
			if stats.Expired+stats.Orphaned+stats.TimedOut > 0 {
				s.Engine.Logger.Info("sweep", "expired", stats.Expired, "orphaned", stats.Orphaned, "timed_out", stats.TimedOut)
			}
		}
	}
}

// SweepOnce expires lapsed offers, rejects pending offers left on decided
// rides, and cancels rides that negotiated for too long.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepStats, error) {
	e := s.Engine
	now := e.now()
	var (
		stats SweepStats
		errs  []error
	)

	expired, err := e.Store.ExpireOffers(ctx, "", now)
	if err != nil {
		errs = append(errs, fmt.Errorf("expire offers: %w", err))
	}
	stats.Expired = len(expired)
	observability.OffersSwept.WithLabelValues(string(models.OfferExpired)).Add(float64(len(expired)))
	e.announceExpired(ctx, "", expired)

	orphans, err := e.Store.RejectOrphanedOffers(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("reject orphaned offers: %w", err))
	}
	stats.Orphaned = len(orphans)
	observability.OffersSwept.WithLabelValues(string(models.OfferRejected)).Add(float64(len(orphans)))
	for i := range orphans {
		o := orphans[i]
		e.notify(ctx, o.DriverID, models.EventOfferRejected, map[string]any{
			"ride_id":  o.RideID,
			"offer_id": o.ID,
			"reason":   ReasonRideNotNegotiating,
		})
	}

	if e.Config.NegotiationTimeout > 0 {
		n, err := s.timeoutRides(ctx, now)
		stats.TimedOut = n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return stats, errors.Join(errs...)
}

func (s *Sweeper) timeoutRides(ctx context.Context, now time.Time) (int, error) {
	e := s.Engine
	batch := s.Batch
	if batch <= 0 {
		batch = 100
	}
	stale, err := e.Store.ListStaleRides(ctx, now.Add(-e.Config.NegotiationTimeout), batch)
	if err != nil {
		return 0, fmt.Errorf("list stale rides: %w", err)
	}
	n := 0
	for _, r := range stale {
		ride, rejected, committed, err := e.cancel(ctx, "Sweep", r.ID)
		if err != nil {
			// lost to an award
			if KindOf(err) == KindConflict {
				continue
			}
			return n, err
		}
		if !committed {
			// the rider cancelled after the stale list was read
			continue
		}
		n++
		e.Logger.Info("negotiation timed out", "ride_id", r.ID, "rejected_offers", len(rejected))
		e.notify(ctx, ride.RequesterID, models.EventRideCancelled, map[string]any{
			"ride_id": ride.ID,
			"reason":  reasonNegotiationTimeout,
		})
		e.afterCancel(ctx, ride, rejected)
	}
	return n, nil
}

package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-negotiation/internal/models"
)

// MemoryStore keeps rides and offers in process. A single mutex makes every
// method one atomic unit, which gives the same compare-and-set guarantees as
// SQLStore for a single instance.
type MemoryStore struct {
	mu       sync.RWMutex
	rides    map[string]*models.Ride
	byKey    map[string]string
	offers   map[string]*models.Offer
	byRide   map[string][]string
	notified map[string]map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:    make(map[string]*models.Ride),
		byKey:    make(map[string]string),
		offers:   make(map[string]*models.Offer),
		byRide:   make(map[string][]string),
		notified: make(map[string]map[string]time.Time),
	}
}

func (m *MemoryStore) CreateRide(_ context.Context, r *models.Ride) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byKey[r.RequestKey]; ok && r.RequestKey != "" {
		existing := m.rides[id]
		if existing.RequesterID == r.RequesterID {
			return copyRide(existing), nil
		}
	}
	for _, other := range m.rides {
		if other.RequesterID == r.RequesterID && other.Status.Active() {
			return nil, ErrActiveRideExists
		}
	}
	stored := copyRide(r)
	stored.Status = models.RideNegotiating
	stored.ProposedPrice = fromCents(toCents(r.ProposedPrice))
	stored.DriverID = ""
	stored.FinalPrice = nil
	stored.AcceptedOffer = ""
	stored.NotifiedDrivers = 0
	m.rides[stored.ID] = stored
	if stored.RequestKey != "" {
		m.byKey[stored.RequestKey] = stored.ID
	}
	return copyRide(stored), nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRide(r), nil
}

func (m *MemoryStore) SetSearchRadius(_ context.Context, rideID string, radiusKm float64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return ErrNotFound
	}
	if r.Status != models.RideNegotiating {
		return ErrRideNotNegotiating
	}
	if r.SearchRadiusKm >= radiusKm {
		return ErrRadiusNotWider
	}
	r.SearchRadiusKm = radiusKm
	r.UpdatedAt = now
	return nil
}

func (m *MemoryStore) MarkNotified(_ context.Context, rideID string, driverIDs []string, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen, ok := m.notified[rideID]
	if !ok {
		seen = make(map[string]time.Time)
		m.notified[rideID] = seen
	}
	fresh := make([]string, 0, len(driverIDs))
	for _, id := range driverIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = now
		fresh = append(fresh, id)
	}
	return fresh, nil
}

func (m *MemoryStore) CreateOffer(_ context.Context, o *models.Offer) (*models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.offers[o.ID]; ok {
		return copyOffer(existing), nil
	}
	r, ok := m.rides[o.RideID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != models.RideNegotiating {
		return nil, ErrRideNotNegotiating
	}
	for _, id := range m.byRide[o.RideID] {
		other := m.offers[id]
		if other.DriverID != o.DriverID || other.Status != models.OfferPending {
			continue
		}
		if other.IsExpired(o.CreatedAt) {
			other.Status = models.OfferExpired
			other.UpdatedAt = o.CreatedAt
			continue
		}
		return nil, ErrDuplicatePendingOffer
	}
	stored := copyOffer(o)
	stored.Status = models.OfferPending
	stored.Price = fromCents(toCents(o.Price))
	stored.UpdatedAt = o.CreatedAt
	m.offers[stored.ID] = stored
	m.byRide[stored.RideID] = append(m.byRide[stored.RideID], stored.ID)
	return copyOffer(stored), nil
}

func (m *MemoryStore) GetOffer(_ context.Context, id string) (*models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOffer(o), nil
}

func (m *MemoryStore) ListOffers(_ context.Context, rideID string) ([]models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Offer, 0, len(m.byRide[rideID]))
	for _, id := range m.byRide[rideID] {
		out = append(out, *m.offers[id])
	}
	sortOffers(out)
	return out, nil
}

func (m *MemoryStore) TransitionOffer(_ context.Context, offerID string, from, to models.OfferStatus, now time.Time) (*models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[offerID]
	if !ok {
		return nil, ErrNotFound
	}
	if o.Status != from {
		return nil, ErrOfferNotPending
	}
	if from == models.OfferPending && to != models.OfferExpired && o.IsExpired(now) {
		return nil, ErrOfferExpired
	}
	o.Status = to
	o.UpdatedAt = now
	return copyOffer(o), nil
}

func (m *MemoryStore) ExpireOffers(_ context.Context, rideID string, now time.Time) ([]models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Offer
	for _, o := range m.offers {
		if rideID != "" && o.RideID != rideID {
			continue
		}
		if o.Status == models.OfferPending && o.IsExpired(now) {
			o.Status = models.OfferExpired
			o.UpdatedAt = now
			out = append(out, *o)
		}
	}
	sortOffers(out)
	return out, nil
}

func (m *MemoryStore) RejectPendingOffers(_ context.Context, rideID, exceptOfferID string, now time.Time) ([]models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rejectPendingLocked(rideID, exceptOfferID, now), nil
}

func (m *MemoryStore) rejectPendingLocked(rideID, exceptOfferID string, now time.Time) []models.Offer {
	var out []models.Offer
	for _, id := range m.byRide[rideID] {
		o := m.offers[id]
		if id == exceptOfferID || o.Status != models.OfferPending {
			continue
		}
		o.Status = models.OfferRejected
		o.UpdatedAt = now
		out = append(out, *o)
	}
	return out
}

func (m *MemoryStore) RejectOrphanedOffers(_ context.Context, now time.Time) ([]models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Offer
	for rideID, r := range m.rides {
		if r.Status == models.RideNegotiating {
			continue
		}
		out = append(out, m.rejectPendingLocked(rideID, "", now)...)
	}
	sortOffers(out)
	return out, nil
}

func (m *MemoryStore) AwardOffer(_ context.Context, rideID, offerID string, now time.Time) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	o, ok := m.offers[offerID]
	if !ok || o.RideID != rideID {
		return nil, ErrNotFound
	}
	if r.Status != models.RideNegotiating {
		return nil, ErrRideNotNegotiating
	}
	if o.Status != models.OfferPending {
		return nil, ErrOfferNotPending
	}
	if o.IsExpired(now) {
		return nil, ErrOfferExpired
	}
	o.Status = models.OfferAccepted
	o.UpdatedAt = now
	price := o.Price
	r.Status = models.RideAccepted
	r.DriverID = o.DriverID
	r.FinalPrice = &price
	r.AcceptedOffer = o.ID
	r.UpdatedAt = now
	return copyRide(r), nil
}

func (m *MemoryStore) CancelRide(_ context.Context, rideID string, now time.Time) (*models.Ride, []models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	if r.Status != models.RideNegotiating {
		return nil, nil, ErrRideNotNegotiating
	}
	r.Status = models.RideCancelled
	r.UpdatedAt = now
	rejected := m.rejectPendingLocked(rideID, "", now)
	return copyRide(r), rejected, nil
}

func (m *MemoryStore) CompleteRide(_ context.Context, rideID, driverID string, now time.Time) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != models.RideAccepted || r.DriverID != driverID {
		return nil, ErrRideNotAccepted
	}
	r.Status = models.RideCompleted
	r.UpdatedAt = now
	return copyRide(r), nil
}

func (m *MemoryStore) ListStaleRides(_ context.Context, createdBefore time.Time, limit int) ([]models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Ride
	for _, r := range m.rides {
		if r.Status == models.RideNegotiating && r.CreatedAt.Before(createdBefore) {
			out = append(out, *copyRide(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func copyRide(r *models.Ride) *models.Ride {
	c := *r
	if r.FinalPrice != nil {
		p := *r.FinalPrice
		c.FinalPrice = &p
	}
	return &c
}

func copyOffer(o *models.Offer) *models.Offer {
	c := *o
	return &c
}

func sortOffers(offers []models.Offer) {
	sort.SliceStable(offers, func(i, j int) bool {
		if offers[i].CreatedAt.Equal(offers[j].CreatedAt) {
			return offers[i].ID < offers[j].ID
		}
		return offers[i].CreatedAt.Before(offers[j].CreatedAt)
	})
}

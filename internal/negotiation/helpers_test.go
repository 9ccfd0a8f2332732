package negotiation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/ride-negotiation/internal/models"
	"github.com/example/ride-negotiation/internal/storage"
)

var (
	t0       = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	paulista = models.Place{Coord: models.Coord{Lat: -23.55, Lon: -46.63}, Address: "Av. Paulista 1000"}
	parque   = models.Place{Coord: models.Coord{Lat: -23.5874, Lon: -46.6576}, Address: "Parque Ibirapuera"}
)

// fakeGeo returns the candidates within the requested radius.
type fakeGeo struct {
	mu    sync.Mutex
	cands []models.Candidate
	err   error
	calls []float64
}

func (f *fakeGeo) FindNearby(ctx context.Context, point models.Coord, class models.VehicleClass, radiusKm float64, limit int) ([]models.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, radiusKm)
	if f.err != nil {
		return nil, f.err
	}
	var out []models.Candidate
	for _, c := range f.cands {
		if c.DistanceKm <= radiusKm && len(out) < limit {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeGeo) set(cands ...models.Candidate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cands = cands
}

type sent struct {
	UserID  string
	Type    models.EventType
	Payload map[string]any
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sent
}

func (r *recordingNotifier) Notify(ctx context.Context, userID string, typ models.EventType, payload map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{userID, typ, payload})
	return nil
}

func (r *recordingNotifier) of(typ models.EventType) []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sent
	for _, s := range r.sent {
		if s.Type == typ {
			out = append(out, s)
		}
	}
	return out
}

func (r *recordingNotifier) users(typ models.EventType) []string {
	var out []string
	for _, s := range r.of(typ) {
		out = append(out, s.UserID)
	}
	return out
}

type recordingLive struct {
	mu     sync.Mutex
	events []models.RideEvent
}

func (r *recordingLive) Publish(ctx context.Context, ev models.RideEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

type fixedETA float64

func (f fixedETA) Seconds(ctx context.Context, from, to models.Coord) float64 { return float64(f) }

// clock is a settable test clock.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	engine   *Engine
	store    storage.Store
	geo      *fakeGeo
	notifier *recordingNotifier
	live     *recordingLive
	clock    *clock
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newHarness(t *testing.T, store storage.Store) *harness {
	t.Helper()
	if store == nil {
		store = storage.NewMemoryStore()
	}
	h := &harness{
		store:    store,
		geo:      &fakeGeo{},
		notifier: &recordingNotifier{},
		live:     &recordingLive{},
		clock:    &clock{now: t0},
	}
	cfg := DefaultConfig()
	cfg.StoreRetryDelay = time.Millisecond
	h.engine = New(cfg, store, h.geo, h.notifier, quietLogger())
	h.engine.Live = h.live
	h.engine.Now = h.clock.Now
	return h
}

func newSQLiteStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.NewSQLStore("sqlite3", storage.SQLiteDSN(filepath.Join(t.TempDir(), "negotiation.db")))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func storeFactories() map[string]func(t *testing.T) storage.Store {
	return map[string]func(t *testing.T) storage.Store{
		"memory": func(t *testing.T) storage.Store { return storage.NewMemoryStore() },
		"sqlite": newSQLiteStore,
	}
}

func (h *harness) requestRide(t *testing.T, requester string, price float64) *models.Ride {
	t.Helper()
	ride, err := h.engine.RequestRide(context.Background(), RideRequest{
		RequesterID:   requester,
		Pickup:        paulista,
		Dropoff:       parque,
		VehicleClass:  models.VehicleEconomy,
		ProposedPrice: price,
		PaymentMethod: models.PaymentCash,
	})
	require.NoError(t, err)
	return ride
}

func (h *harness) offer(t *testing.T, rideID, driver string, price float64) *models.Offer {
	t.Helper()
	o, err := h.engine.MakeOffer(context.Background(), OfferRequest{RideID: rideID, DriverID: driver, Price: price})
	require.NoError(t, err)
	return o
}

func candidates(ids ...string) []models.Candidate {
	out := make([]models.Candidate, len(ids))
	for i, id := range ids {
		out[i] = models.Candidate{DriverID: id, DistanceKm: float64(i+1) * 0.5}
	}
	return out
}

var errFlaky = errors.New("connection reset by peer")

// flakyStore fails the first n calls of the named methods with a transient
// error.
type flakyStore struct {
	storage.Store
	mu    sync.Mutex
	fails map[string]int
	calls map[string]int
}

func newFlakyStore(inner storage.Store, fails map[string]int) *flakyStore {
	return &flakyStore{Store: inner, fails: fails, calls: map[string]int{}}
}

func (f *flakyStore) trip(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
	if f.calls[method] <= f.fails[method] {
		return errFlaky
	}
	return nil
}

func (f *flakyStore) CreateRide(ctx context.Context, r *models.Ride) (*models.Ride, error) {
	if err := f.trip("CreateRide"); err != nil {
		return nil, err
	}
	return f.Store.CreateRide(ctx, r)
}

func (f *flakyStore) CreateOffer(ctx context.Context, o *models.Offer) (*models.Offer, error) {
	if err := f.trip("CreateOffer"); err != nil {
		return nil, err
	}
	return f.Store.CreateOffer(ctx, o)
}

// AwardOffer commits and then loses the reply, the worst case for a retry.
func (f *flakyStore) AwardOffer(ctx context.Context, rideID, offerID string, now time.Time) (*models.Ride, error) {
	r, err := f.Store.AwardOffer(ctx, rideID, offerID, now)
	if terr := f.trip("AwardOffer"); terr != nil {
		return nil, terr
	}
	return r, err
}

func (f *flakyStore) RejectPendingOffers(ctx context.Context, rideID, exceptOfferID string, now time.Time) ([]models.Offer, error) {
	if err := f.trip("RejectPendingOffers"); err != nil {
		return nil, err
	}
	return f.Store.RejectPendingOffers(ctx, rideID, exceptOfferID, now)
}

// SetSearchRadius commits and then loses the reply.
func (f *flakyStore) SetSearchRadius(ctx context.Context, rideID string, radiusKm float64, now time.Time) error {
	err := f.Store.SetSearchRadius(ctx, rideID, radiusKm, now)
	if terr := f.trip("SetSearchRadius"); terr != nil {
		return terr
	}
	return err
}

// CancelRide commits and then loses the reply.
func (f *flakyStore) CancelRide(ctx context.Context, rideID string, now time.Time) (*models.Ride, []models.Offer, error) {
	r, offers, err := f.Store.CancelRide(ctx, rideID, now)
	if terr := f.trip("CancelRide"); terr != nil {
		return nil, nil, terr
	}
	return r, offers, err
}

// snapshotStore answers GetRide from rides captured earlier, the view of a
// caller whose read raced another writer.
type snapshotStore struct {
	storage.Store
	rides map[string]models.Ride
}

func (s *snapshotStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	if r, ok := s.rides[id]; ok {
		return &r, nil
	}
	return s.Store.GetRide(ctx, id)
}

// afterListStore runs hook once ListStaleRides has read its result.
type afterListStore struct {
	storage.Store
	hook func()
}

func (s *afterListStore) ListStaleRides(ctx context.Context, createdBefore time.Time, limit int) ([]models.Ride, error) {
	rides, err := s.Store.ListStaleRides(ctx, createdBefore, limit)
	if s.hook != nil {
		s.hook()
	}
	return rides, err
}

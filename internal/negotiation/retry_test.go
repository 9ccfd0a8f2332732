package negotiation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-negotiation/internal/models"
	"github.com/example/ride-negotiation/internal/storage"
)

func TestTransientStoreErrorsAreRetried(t *testing.T) {
	fs := newFlakyStore(storage.NewMemoryStore(), map[string]int{"CreateRide": 2, "CreateOffer": 1})
	h := newHarness(t, fs)

	ride := h.requestRide(t, "rider", 20)
	assert.Equal(t, 3, fs.calls["CreateRide"])
	o := h.offer(t, ride.ID, "d1", 20)
	assert.Equal(t, 2, fs.calls["CreateOffer"])
	assert.Equal(t, models.OfferPending, o.Status)
}

func TestExhaustedRetriesSurfaceUnavailable(t *testing.T) {
	fs := newFlakyStore(storage.NewMemoryStore(), map[string]int{"CreateRide": 100})
	h := newHarness(t, fs)

	_, err := h.engine.RequestRide(context.Background(), RideRequest{
		RequesterID: "rider", Pickup: paulista, Dropoff: parque,
		VehicleClass: models.VehicleEconomy, ProposedPrice: 20, PaymentMethod: models.PaymentCash,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, h.engine.Config.StoreRetries, fs.calls["CreateRide"])
}

func TestRetryDoesNotRepeatOutcomes(t *testing.T) {
	h := newHarness(t, nil)
	calls := 0
	_, err := retry(context.Background(), h.engine, "test", func(ctx context.Context) (int, error) {
		calls++
		return 0, storage.ErrOfferExpired
	})
	assert.ErrorIs(t, err, storage.ErrOfferExpired)
	assert.Equal(t, 1, calls)
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.Config.StoreRetryDelay = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := retryErr(ctx, h.engine, "test", func(ctx context.Context) error { return errFlaky })
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAwardSurvivesLostReply(t *testing.T) {
	fs := newFlakyStore(storage.NewMemoryStore(), map[string]int{"AwardOffer": 1, "RejectPendingOffers": 2})
	h := newHarness(t, fs)
	ctx := context.Background()
	ride := h.requestRide(t, "rider", 20)
	win := h.offer(t, ride.ID, "d1", 20)
	lose := h.offer(t, ride.ID, "d2", 19)

	got, err := h.engine.AcceptOffer(ctx, ride.ID, win.ID, "rider")
	require.NoError(t, err)
	assert.Equal(t, win.ID, got.AcceptedOffer)
	assert.Equal(t, 2, fs.calls["AwardOffer"])

	stored, err := fs.GetOffer(ctx, lose.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferRejected, stored.Status)
	assert.Equal(t, 3, fs.calls["RejectPendingOffers"])
}

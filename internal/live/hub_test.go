package live

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-negotiation/internal/models"
)

func TestHubDeliversPerRide(t *testing.T) {
	h := NewHub(4, nil)
	a := h.Subscribe("ride-a")
	b := h.Subscribe("ride-b")
	defer a.Close()
	defer b.Close()

	h.Publish(context.Background(), models.RideEvent{RideID: "ride-a", Type: models.EventNewOffer})

	select {
	case ev := <-a.C:
		assert.Equal(t, models.EventNewOffer, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no event on ride-a")
	}
	select {
	case ev := <-b.C:
		t.Fatalf("unexpected event on ride-b: %+v", ev)
	default:
	}
}

func TestHubDropsForLaggingSubscriber(t *testing.T) {
	h := NewHub(1, nil)
	s := h.Subscribe("r")
	defer s.Close()
	h.Publish(context.Background(), models.RideEvent{RideID: "r", Type: models.EventNewOffer})
	h.Publish(context.Background(), models.RideEvent{RideID: "r", Type: models.EventRideAccepted})

	ev := <-s.C
	assert.Equal(t, models.EventNewOffer, ev.Type)
	select {
	case <-s.C:
		t.Fatal("second event should have been dropped")
	default:
	}
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	h := NewHub(1, nil)
	s := h.Subscribe("r")
	s.Close()
	s.Close()
	_, ok := <-s.C
	assert.False(t, ok)
	h.Publish(context.Background(), models.RideEvent{RideID: "r"})
}

type loopBridge struct {
	mu      sync.Mutex
	fail    bool
	sent    []models.RideEvent
	deliver func(models.RideEvent)
	ready   chan struct{}
}

func (l *loopBridge) Publish(ctx context.Context, ev models.RideEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail {
		return errors.New("redis down")
	}
	l.sent = append(l.sent, ev)
	if l.deliver != nil {
		l.deliver(ev)
	}
	return nil
}

func (l *loopBridge) Run(ctx context.Context, deliver func(models.RideEvent)) error {
	l.mu.Lock()
	l.deliver = deliver
	l.mu.Unlock()
	close(l.ready)
	<-ctx.Done()
	return nil
}

func TestHubRoutesThroughBridge(t *testing.T) {
	br := &loopBridge{ready: make(chan struct{})}
	h := NewHub(4, nil)
	h.Bridge = br
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.Run(ctx) }()
	<-br.ready

	s := h.Subscribe("r")
	defer s.Close()
	h.Publish(ctx, models.RideEvent{RideID: "r", Type: models.EventRideCancelled})

	ev := <-s.C
	assert.Equal(t, models.EventRideCancelled, ev.Type)
	require.Len(t, br.sent, 1)
}

func TestHubFallsBackWhenBridgeFails(t *testing.T) {
	h := NewHub(4, nil)
	h.Bridge = &loopBridge{fail: true, ready: make(chan struct{})}
	s := h.Subscribe("r")
	defer s.Close()

	h.Publish(context.Background(), models.RideEvent{RideID: "r", Type: models.EventNewOffer})
	ev := <-s.C
	assert.Equal(t, models.EventNewOffer, ev.Type)
}

// Package live carries per-ride state changes to subscribed clients. It is
// an optimisation over polling; nothing in the negotiation depends on it.
package live

import (
	"context"
	"log/slog"
	"sync"

	"github.com/example/ride-negotiation/internal/models"
	"github.com/example/ride-negotiation/internal/observability"
)

// Bridge relays events between instances. Publish sends an event to every
// instance (including this one); Run delivers relayed events until ctx ends.
type Bridge interface {
	Publish(ctx context.Context, ev models.RideEvent) error
	Run(ctx context.Context, deliver func(models.RideEvent)) error
}

type Hub struct {
	Bridge Bridge // optional
	Logger *slog.Logger

	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
}

func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{Logger: logger, subs: make(map[string]map[*Subscription]struct{}), buffer: buffer}
}

// Subscription receives the events of one ride on C until Close.
type Subscription struct {
	C      <-chan models.RideEvent
	c      chan models.RideEvent
	rideID string
	hub    *Hub
	once   sync.Once
}

func (h *Hub) Subscribe(rideID string) *Subscription {
	c := make(chan models.RideEvent, h.buffer)
	s := &Subscription{C: c, c: c, rideID: rideID, hub: h}
	h.mu.Lock()
	set, ok := h.subs[rideID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[rideID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()
	observability.LiveSubscribers.Inc()
	return s
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		if set, ok := h.subs[s.rideID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.subs, s.rideID)
			}
		}
		close(s.c)
		h.mu.Unlock()
		observability.LiveSubscribers.Dec()
	})
}

// Publish hands ev to the bridge when one is configured, otherwise delivers
// it to local subscribers. A bridge failure falls back to local delivery.
func (h *Hub) Publish(ctx context.Context, ev models.RideEvent) {
	if h.Bridge != nil {
		err := h.Bridge.Publish(ctx, ev)
		if err == nil {
			return
		}
		h.Logger.Warn("live bridge publish failed", "ride_id", ev.RideID, "err", err)
	}
	h.deliver(ev)
}

// Run pumps bridged events into local subscribers. Without a bridge it just
// waits for ctx.
func (h *Hub) Run(ctx context.Context) error {
	if h.Bridge == nil {
		<-ctx.Done()
		return nil
	}
	return h.Bridge.Run(ctx, h.deliver)
}

// deliver never blocks: a subscriber whose buffer is full misses the event
// and is expected to re-read the ride.
func (h *Hub) deliver(ev models.RideEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs[ev.RideID] {
		select {
		case s.c <- ev:
		default:
			h.Logger.Debug("live subscriber lagging", "ride_id", ev.RideID)
		}
	}
}

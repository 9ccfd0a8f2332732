// Package negotiation runs the rider/driver price negotiation: ride intake,
// driver fan-out, offer intake with lazy expiry, and the single-winner award.
//
// Every state change is delegated to a conditional write in storage.Store;
// the engine keeps no locks of its own, so any number of engine instances
// may share one store.
package negotiation

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-negotiation/internal/models"
	"github.com/example/ride-negotiation/internal/storage"
)

// Geo finds candidate drivers for a pickup, nearest first.
type Geo interface {
	FindNearby(ctx context.Context, point models.Coord, class models.VehicleClass, radiusKm float64, limit int) ([]models.Candidate, error)
}

// Notifier queues a user-facing message. It must not block on delivery.
type Notifier interface {
	Notify(ctx context.Context, userID string, typ models.EventType, payload map[string]any) error
}

// Publisher pushes ride state changes to live subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev models.RideEvent)
}

// ETA estimates driver-to-pickup travel time in seconds.
type ETA interface {
	Seconds(ctx context.Context, from, to models.Coord) float64
}

type Config struct {
	OfferTTL           time.Duration
	FanOutLimit        int
	FanOutRadiusKm     float64
	MaxRadiusKm        float64
	GeoTimeout         time.Duration
	StoreRetries       int
	StoreRetryDelay    time.Duration
	NegotiationTimeout time.Duration // 0 disables the ride-level timeout
}

func DefaultConfig() Config {
	return Config{
		OfferTTL:           120 * time.Second,
		FanOutLimit:        20,
		FanOutRadiusKm:     3,
		MaxRadiusKm:        25,
		GeoTimeout:         2 * time.Second,
		StoreRetries:       3,
		StoreRetryDelay:    50 * time.Millisecond,
		NegotiationTimeout: 10 * time.Minute,
	}
}

type Engine struct {
	Store    storage.Store
	Geo      Geo
	Notifier Notifier
	Live     Publisher // optional
	ETA      ETA       // optional
	Logger   *slog.Logger
	Config   Config

	// Now is the clock; tests replace it.
	Now func() time.Time
}

func New(cfg Config, store storage.Store, geo Geo, notifier Notifier, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.OfferTTL <= 0 {
		cfg.OfferTTL = def.OfferTTL
	}
	if cfg.FanOutLimit <= 0 {
		cfg.FanOutLimit = def.FanOutLimit
	}
	if cfg.FanOutRadiusKm <= 0 {
		cfg.FanOutRadiusKm = def.FanOutRadiusKm
	}
	if cfg.MaxRadiusKm < cfg.FanOutRadiusKm {
		cfg.MaxRadiusKm = cfg.FanOutRadiusKm
	}
	if cfg.GeoTimeout <= 0 {
		cfg.GeoTimeout = def.GeoTimeout
	}
	if cfg.StoreRetries <= 0 {
		cfg.StoreRetries = def.StoreRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		Store:    store,
		Geo:      geo,
		Notifier: notifier,
		Logger:   logger,
		Config:   cfg,
		Now:      time.Now,
	}
}

// now is millisecond precision UTC, the resolution the store keeps.
func (e *Engine) now() time.Time {
	return e.Now().UTC().Truncate(time.Millisecond)
}

// notify hands a message to the notifier; failures are logged only.
func (e *Engine) notify(ctx context.Context, userID string, typ models.EventType, payload map[string]any) {
	if e.Notifier == nil || userID == "" {
		return
	}
	if err := e.Notifier.Notify(ctx, userID, typ, payload); err != nil {
		e.Logger.Warn("notify failed", "user_id", userID, "type", typ, "err", err)
	}
}

func (e *Engine) publish(ctx context.Context, ride *models.Ride, typ models.EventType, offer *models.Offer, at time.Time) {
	if e.Live == nil {
		return
	}
	e.Live.Publish(ctx, models.RideEvent{RideID: ride.ID, Type: typ, Status: ride.Status, Offer: offer, At: at})
}

func offerPayload(o *models.Offer) map[string]any {
	return map[string]any{
		"ride_id":    o.RideID,
		"offer_id":   o.ID,
		"driver_id":  o.DriverID,
		"price":      o.Price,
		"message":    o.Message,
		"expires_at": o.ExpiresAt.Format(time.RFC3339Nano),
	}
}

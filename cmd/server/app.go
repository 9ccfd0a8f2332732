package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-negotiation/internal/auth"
	"github.com/example/ride-negotiation/internal/config"
	"github.com/example/ride-negotiation/internal/dispatch"
	"github.com/example/ride-negotiation/internal/eta"
	"github.com/example/ride-negotiation/internal/geo"
	httpapi "github.com/example/ride-negotiation/internal/http"
	"github.com/example/ride-negotiation/internal/ingest"
	"github.com/example/ride-negotiation/internal/live"
	"github.com/example/ride-negotiation/internal/negotiation"
	"github.com/example/ride-negotiation/internal/storage"
)

// app holds the wired components of one process.
type app struct {
	cfg       config.ServerConfig
	logger    *slog.Logger
	store     storage.Store
	geo       geo.Geo
	engine    *negotiation.Engine
	sweeper   *negotiation.Sweeper
	notifier  *dispatch.Dispatcher
	wsreg     *dispatch.WSRegistry
	hub       *live.Hub
	locations httpapi.LocationPublisher
	closers   []func() error
}

func openStore(cfg config.ServerConfig) (storage.Store, error) {
	switch cfg.StoreDriver {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "sqlite3":
		return storage.NewSQLStore("sqlite3", storage.SQLiteDSN(cfg.SQLitePath))
	case "postgres", "pgx":
		return storage.NewSQLStore(cfg.StoreDriver, cfg.PGDSN)
	}
	return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
}

func buildApp(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	built := false
	defer func() {
		if !built {
			a.close()
		}
	}()

	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	if sqlStore, ok := store.(*storage.SQLStore); ok && (cfg.RunMigrations || cfg.StoreDriver == "sqlite3") {
		if err := sqlStore.Migrate(ctx); err != nil {
			return nil, err
		}
		logger.Info("migrations applied", "store", cfg.StoreDriver)
	}

	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		a.closers = append(a.closers, rc.Close)
		a.geo = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
	} else {
		a.geo = geo.NewIndex()
	}

	estimator := &eta.Estimator{Cache: eta.NewCache(5 * time.Minute), SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	sinks, err := a.notificationSinks(ctx)
	if err != nil {
		return nil, err
	}
	a.notifier = dispatch.NewDispatcher(dispatch.Config{
		Workers: cfg.NotifyWorkers,
		Queue:   cfg.NotifyQueue,
		Retries: cfg.NotifyRetries,
		Timeout: cfg.NotifyTimeout,
	}, logger, sinks...)

	a.hub = live.NewHub(32, logger)
	if rc != nil {
		a.hub.Bridge = live.NewRedisBridge(rc)
	}

	a.engine = negotiation.New(negotiation.Config{
		OfferTTL:           cfg.OfferTTL,
		FanOutLimit:        cfg.FanOutLimit,
		FanOutRadiusKm:     cfg.FanOutRadiusKm,
		MaxRadiusKm:        cfg.MaxRadiusKm,
		GeoTimeout:         cfg.GeoTimeout,
		StoreRetries:       cfg.StoreRetries,
		StoreRetryDelay:    cfg.StoreRetryDelay,
		NegotiationTimeout: cfg.NegotiationTimeout,
	}, store, a.geo, a.notifier, logger)
	a.engine.Live = a.hub
	a.engine.ETA = estimator
	a.sweeper = &negotiation.Sweeper{Engine: a.engine, Interval: cfg.SweepInterval, Batch: 100}

	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		a.closers = append(a.closers, producer.Close)
		a.locations = producer
	}
	built = true
	return a, nil
}

// notificationSinks always delivers over websockets and the log, plus every
// broker or push endpoint that is configured.
func (a *app) notificationSinks(ctx context.Context) ([]dispatch.Sink, error) {
	cfg := a.cfg
	a.wsreg = dispatch.NewWSRegistry()
	sinks := []dispatch.Sink{a.wsreg, &dispatch.LogSink{Logger: a.logger}}
	if cfg.PushEndpoint != "" {
		sinks = append(sinks, dispatch.NewPushSink(cfg.PushEndpoint, cfg.PushKey))
	}
	if len(cfg.KafkaBrokers) > 0 {
		k := dispatch.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		a.closers = append(a.closers, k.Close)
		sinks = append(sinks, k)
	}
	if cfg.RabbitURL != "" {
		r, conn, err := dispatch.DialRabbit(cfg.RabbitURL, cfg.RabbitExchange)
		if err != nil {
			return nil, fmt.Errorf("rabbitmq: %w", err)
		}
		a.closers = append(a.closers, conn.Close)
		sinks = append(sinks, r)
	}
	if cfg.MongoURI != "" {
		m, client, err := dispatch.ConnectMongoInbox(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("mongo: %w", err)
		}
		a.closers = append(a.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return client.Disconnect(ctx)
		})
		sinks = append(sinks, m)
	}
	return sinks, nil
}

func (a *app) handler() http.Handler {
	return httpapi.NewServer(httpapi.Options{
		Engine:    a.engine,
		Geo:       a.geo,
		Locations: a.locations,
		WSReg:     a.wsreg,
		Live:      a.hub,
		Tokens:    auth.NewTokens(a.cfg.JWTSecret),
		Logger:    a.logger,
	})
}

// close drains pending notifications, then releases connections in reverse
// order of acquisition.
func (a *app) close() {
	if a.notifier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		if err := a.notifier.Close(ctx); err != nil {
			a.logger.Warn("notification drain", "err", err)
		}
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close", "err", err)
		}
	}
	a.closers = nil
}

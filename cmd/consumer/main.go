package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-negotiation/internal/config"
	"github.com/example/ride-negotiation/internal/geo"
	"github.com/example/ride-negotiation/internal/logging"
	"github.com/example/ride-negotiation/internal/models"
)

const namespace = "ride_negotiation"

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "consumer_messages_consumed_total",
		Help:      "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "consumer_messages_invalid_total",
		Help:      "Total invalid messages received",
	})
	geoUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "consumer_geo_updates_total",
		Help:      "Total successful geo index updates",
	})
	geoErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "consumer_geo_errors_total",
		Help:      "Total geo index update failures",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, geoUpdates, geoErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	logger := logging.NewLogger(cfg.LogLevel).With("component", "consumer")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("consumer stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ConsumerConfig, logger *slog.Logger) error {
	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rc.Close()
	index := geo.NewRedisGeo(rc, cfg.RedisGeoKey)

	// metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "err", err)
		}
	}()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return nil
			}
			logger.Warn("kafka read error", "err", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		d, err := decodePing(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "err", err)
			continue
		}
		if err := upsertWithRetry(ctx, index, d, cfg.Attempts, cfg.RetryDelay); err != nil {
			geoErrors.Inc()
			logger.Warn("geo update failed", "driver_id", d.ID, "err", err)
			continue
		}
		geoUpdates.Inc()
	}
}

// LocationIndex is the part of the geo index the consumer writes to.
type LocationIndex interface {
	Upsert(ctx context.Context, d models.Driver) error
}

var errInvalidPing = errors.New("invalid location ping")

func decodePing(b []byte) (models.Driver, error) {
	var d models.Driver
	if err := json.Unmarshal(b, &d); err != nil {
		return d, fmt.Errorf("%w: %v", errInvalidPing, err)
	}
	switch {
	case d.ID == "":
		return d, fmt.Errorf("%w: missing driver id", errInvalidPing)
	case !d.Loc.Valid():
		return d, fmt.Errorf("%w: coordinate out of range", errInvalidPing)
	case !d.VehicleClass.Valid():
		return d, fmt.Errorf("%w: unknown vehicle class %q", errInvalidPing, d.VehicleClass)
	}
	return d, nil
}

// upsertWithRetry writes d to the index, doubling delay between attempts.
func upsertWithRetry(ctx context.Context, idx LocationIndex, d models.Driver, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = idx.Upsert(ctx, d); err == nil {
			return nil
		}
		if i == attempts-1 || !sleep(ctx, delay) {
			break
		}
		delay *= 2
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

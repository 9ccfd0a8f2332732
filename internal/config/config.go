package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup. A YAML file named
// by CONFIG_FILE may provide the same keys; the environment wins.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	StoreDriver   string
	PGDSN         string
	SQLitePath    string
	RunMigrations bool

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers     []string
	KafkaTopic       string
	KafkaEventsTopic string
	RabbitURL        string
	RabbitExchange   string
	MongoURI         string
	MongoDatabase    string
	PushEndpoint     string
	PushKey          string

	OSRMEndpoint    string
	DefaultSpeedMps float64

	OfferTTL           time.Duration
	FanOutLimit        int
	FanOutRadiusKm     float64
	MaxRadiusKm        float64
	GeoTimeout         time.Duration
	StoreRetries       int
	StoreRetryDelay    time.Duration
	SweepInterval      time.Duration
	NegotiationTimeout time.Duration

	NotifyWorkers int
	NotifyQueue   int
	NotifyRetries int
	NotifyTimeout time.Duration

	JWTSecret string
	LogLevel  string
}

var storeDrivers = []string{"memory", "postgres", "pgx", "sqlite3"}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		SQLitePath:         "negotiation.db",
		RedisGeoKey:        "drivers_geo",
		KafkaTopic:         "driver-locations",
		KafkaEventsTopic:   "negotiation-events",
		RabbitExchange:     "negotiation",
		MongoDatabase:      "ride_negotiation",
		DefaultSpeedMps:    10,
		OfferTTL:           120 * time.Second,
		FanOutLimit:        20,
		FanOutRadiusKm:     3,
		MaxRadiusKm:        25,
		GeoTimeout:         2 * time.Second,
		StoreRetries:       3,
		StoreRetryDelay:    50 * time.Millisecond,
		SweepInterval:      30 * time.Second,
		NegotiationTimeout: 10 * time.Minute,
		NotifyWorkers:      4,
		NotifyQueue:        1024,
		NotifyRetries:      3,
		NotifyTimeout:      3 * time.Second,
		LogLevel:           "info",
	}
}

// source resolves a key from the environment first, then from the file.
type source struct {
	file map[string]string
}

func (s source) get(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return s.file[key]
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	src := source{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		file, err := readFile(path)
		if err != nil {
			return cfg, err
		}
		src.file = file
	}

	src.setString(&cfg.HTTPAddr, "HTTP_ADDR")
	src.setDuration(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	src.setDuration(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	src.setDuration(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	src.setDuration(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.PGDSN = strings.TrimSpace(src.get("PG_DSN"))
	if cfg.PGDSN != "" {
		cfg.StoreDriver = "postgres"
	} else {
		cfg.StoreDriver = "memory"
	}
	src.setString(&cfg.StoreDriver, "STORE_DRIVER")
	cfg.StoreDriver = strings.ToLower(cfg.StoreDriver)
	src.setString(&cfg.SQLitePath, "SQLITE_PATH")
	cfg.RunMigrations = strings.EqualFold(src.get("MIGRATE"), "true")

	cfg.RedisAddr = strings.TrimSpace(src.get("REDIS_ADDR"))
	cfg.RedisPassword = src.get("REDIS_PASSWORD")
	src.setString(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := src.get("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	src.setString(&cfg.KafkaTopic, "KAFKA_TOPIC")
	src.setString(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")
	cfg.RabbitURL = strings.TrimSpace(src.get("RABBITMQ_URL"))
	src.setString(&cfg.RabbitExchange, "RABBITMQ_EXCHANGE")
	cfg.MongoURI = strings.TrimSpace(src.get("MONGO_URI"))
	src.setString(&cfg.MongoDatabase, "MONGO_DATABASE")
	cfg.PushEndpoint = strings.TrimSpace(src.get("PUSH_ENDPOINT"))
	cfg.PushKey = src.get("PUSH_KEY")

	cfg.OSRMEndpoint = strings.TrimSpace(src.get("OSRM_ENDPOINT"))
	src.setFloat(&cfg.DefaultSpeedMps, "ETA_DEFAULT_SPEED_MPS", &errs)

	src.setDuration(&cfg.OfferTTL, "OFFER_TTL", &errs)
	src.setInt(&cfg.FanOutLimit, "FANOUT_LIMIT", &errs)
	src.setFloat(&cfg.FanOutRadiusKm, "FANOUT_RADIUS_KM", &errs)
	src.setFloat(&cfg.MaxRadiusKm, "FANOUT_MAX_RADIUS_KM", &errs)
	src.setDuration(&cfg.GeoTimeout, "GEO_TIMEOUT", &errs)
	src.setInt(&cfg.StoreRetries, "STORE_RETRIES", &errs)
	src.setDuration(&cfg.StoreRetryDelay, "STORE_RETRY_DELAY", &errs)
	src.setDuration(&cfg.SweepInterval, "SWEEP_INTERVAL", &errs)
	src.setDuration(&cfg.NegotiationTimeout, "NEGOTIATION_TIMEOUT", &errs)

	src.setInt(&cfg.NotifyWorkers, "NOTIFY_WORKERS", &errs)
	src.setInt(&cfg.NotifyQueue, "NOTIFY_QUEUE", &errs)
	src.setInt(&cfg.NotifyRetries, "NOTIFY_RETRIES", &errs)
	src.setDuration(&cfg.NotifyTimeout, "NOTIFY_TIMEOUT", &errs)

	cfg.JWTSecret = src.get("JWT_SECRET")
	if v := src.get("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	known := false
	for _, d := range storeDrivers {
		if c.StoreDriver == d {
			known = true
		}
	}
	if !known {
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be one of %s", strings.Join(storeDrivers, ", ")))
	}
	if (c.StoreDriver == "postgres" || c.StoreDriver == "pgx") && c.PGDSN == "" {
		errs = append(errs, fmt.Errorf("PG_DSN is required for STORE_DRIVER=%s", c.StoreDriver))
	}
	if c.OfferTTL <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_TTL must be > 0"))
	}
	if c.FanOutLimit <= 0 {
		errs = append(errs, fmt.Errorf("FANOUT_LIMIT must be > 0"))
	}
	if c.FanOutRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("FANOUT_RADIUS_KM must be > 0"))
	}
	if c.MaxRadiusKm < c.FanOutRadiusKm {
		errs = append(errs, fmt.Errorf("FANOUT_MAX_RADIUS_KM must be >= FANOUT_RADIUS_KM"))
	}
	if c.StoreRetries <= 0 {
		errs = append(errs, fmt.Errorf("STORE_RETRIES must be > 0"))
	}
	if c.NotifyWorkers <= 0 || c.NotifyQueue <= 0 || c.NotifyRetries <= 0 {
		errs = append(errs, fmt.Errorf("NOTIFY_WORKERS, NOTIFY_QUEUE and NOTIFY_RETRIES must be > 0"))
	}
	if c.SweepInterval < 0 || c.NegotiationTimeout < 0 {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL and NEGOTIATION_TIMEOUT must not be negative"))
	}
	return errs
}

// readFile loads a flat YAML mapping of the same keys the environment uses.
func readFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]interface{}
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
		case []interface{}:
			parts := make([]string, 0, len(val))
			for _, p := range val {
				parts = append(parts, fmt.Sprint(p))
			}
			out[strings.ToUpper(k)] = strings.Join(parts, ",")
		case map[string]interface{}:
			return nil, fmt.Errorf("config file %s: key %s must be a scalar or a list", path, k)
		default:
			out[strings.ToUpper(k)] = fmt.Sprint(val)
		}
	}
	return out, nil
}

func (s source) setDuration(target *time.Duration, key string, errs *[]error) {
	if v := s.get(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func (s source) setFloat(target *float64, key string, errs *[]error) {
	if v := s.get(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func (s source) setInt(target *int, key string, errs *[]error) {
	if v := s.get(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func (s source) setString(target *string, key string) {
	if v := strings.TrimSpace(s.get(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

// ConsumerConfig configures the location consumer, which folds driver pings
// from Kafka into the Redis geo index.
type ConsumerConfig struct {
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	MetricsAddr   string
	Attempts      int
	RetryDelay    time.Duration
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "driver-locations",
		KafkaGroup:   "ride-negotiation-consumer",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "drivers_geo",
		MetricsAddr:  ":2112",
		Attempts:     3,
		RetryDelay:   200 * time.Millisecond,
		LogLevel:     "info",
	}
	var errs []error
	src := source{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		file, err := readFile(path)
		if err != nil {
			return cfg, err
		}
		src.file = file
	}
	brokers := src.get("KAFKA_BROKERS")
	if brokers == "" {
		brokers = src.get("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	src.setString(&cfg.KafkaTopic, "KAFKA_TOPIC")
	src.setString(&cfg.KafkaGroup, "KAFKA_GROUP")
	src.setString(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = src.get("REDIS_PASSWORD")
	src.setString(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	src.setString(&cfg.MetricsAddr, "METRICS_ADDR")
	src.setInt(&cfg.Attempts, "CONSUMER_ATTEMPTS", &errs)
	src.setDuration(&cfg.RetryDelay, "CONSUMER_RETRY_DELAY", &errs)
	if v := src.get("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must name at least one broker"))
	}
	if cfg.Attempts <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

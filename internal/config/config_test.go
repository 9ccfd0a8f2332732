package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("PG_DSN", "")
	t.Setenv("STORE_DRIVER", "")
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, 120*time.Second, cfg.OfferTTL)
	assert.Equal(t, 20, cfg.FanOutLimit)
	assert.Equal(t, 3.0, cfg.FanOutRadiusKm)
	assert.Equal(t, 25.0, cfg.MaxRadiusKm)
	assert.Equal(t, 10*time.Minute, cfg.NegotiationTimeout)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("PG_DSN", "postgres://localhost/rides")
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("OFFER_TTL", "90s")
	t.Setenv("FANOUT_LIMIT", "5")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("ETA_DEFAULT_SPEED_MPS", "12.5")
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.StoreDriver)
	assert.Equal(t, 12.5, cfg.DefaultSpeedMps)
	assert.Equal(t, 90*time.Second, cfg.OfferTTL)
	assert.Equal(t, 5, cfg.FanOutLimit)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
}

func TestInvalidValuesAreJoined(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("OFFER_TTL", "soon")
	t.Setenv("FANOUT_LIMIT", "0")
	t.Setenv("STORE_DRIVER", "cassandra")
	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid OFFER_TTL")
	assert.Contains(t, err.Error(), "FANOUT_LIMIT must be > 0")
	assert.Contains(t, err.Error(), "STORE_DRIVER must be one of")
}

func TestConfigFileWithEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store_driver: sqlite3
sqlite_path: /var/lib/rides.db
offer_ttl: 45s
fanout_limit: 7
kafka_brokers: [a:9092, b:9092]
`), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PG_DSN", "")
	t.Setenv("FANOUT_LIMIT", "9")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", cfg.StoreDriver)
	assert.Equal(t, "/var/lib/rides.db", cfg.SQLitePath)
	assert.Equal(t, 45*time.Second, cfg.OfferTTL)
	assert.Equal(t, 9, cfg.FanOutLimit)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
}

func TestConfigFileMustExist(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := LoadServerConfig()
	assert.Error(t, err)
}

func TestConsumerConfig(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("KAFKA_BROKER", "legacy:9092")
	t.Setenv("KAFKA_GROUP", "")
	t.Setenv("CONSUMER_ATTEMPTS", "")
	cfg, err := LoadConsumerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"legacy:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "ride-negotiation-consumer", cfg.KafkaGroup)
	assert.Equal(t, 3, cfg.Attempts)

	t.Setenv("CONSUMER_ATTEMPTS", "0")
	_, err = LoadConsumerConfig()
	assert.ErrorContains(t, err, "CONSUMER_ATTEMPTS")
}

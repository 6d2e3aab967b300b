package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	t.Setenv("DB_DRIVER", " SQLite ")
	t.Setenv("KAFKA_BROKERS", "a:9092, ,b:9092")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 60*time.Second, cfg.Dispatch.OfferTTL)
	assert.Equal(t, 15.0, cfg.Dispatch.CommissionPct)
	assert.Equal(t, "@every 30s", cfg.Dispatch.OfferSweepSchedule)
	assert.Equal(t, 4, cfg.Notify.Workers)
}

func TestLoadServerConfigReportsEveryProblem(t *testing.T) {
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("PG_DSN", "")
	t.Setenv("COMMISSION_PCT", "120")
	t.Setenv("CANDIDATE_LIMIT", "0")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PG_DSN is required")
	assert.Contains(t, err.Error(), "COMMISSION_PCT")
	assert.Contains(t, err.Error(), "CANDIDATE_LIMIT")
}

func TestLoadServerConfigRejectsBadDuration(t *testing.T) {
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("OFFER_TTL", "soon")

	_, err := LoadServerConfig()
	assert.ErrorContains(t, err, "parsing config")
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092")
	cfg, err := LoadConsumerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "field-dispatch-consumer", cfg.KafkaGroup)

	t.Setenv("CONSUMER_MAX_ATTEMPTS", "0")
	_, err = LoadConsumerConfig()
	assert.ErrorContains(t, err, "CONSUMER_MAX_ATTEMPTS")
}

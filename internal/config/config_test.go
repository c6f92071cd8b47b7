package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaults_FillsDocumentedDefaults(t *testing.T) {
	var c Config
	c.Postgres.DSN = "postgres://x"
	c.applyDefaults()

	assert.Equal(t, 200, c.Cache.MaxMemoryCandles)
	assert.Equal(t, 5000, c.Stream.ReconnectIntervalMs)
	assert.Equal(t, 5, c.Stream.MaxReconnectAttempts)
	assert.Equal(t, 60000, c.Health.CheckIntervalMs)
	assert.Equal(t, 1500, c.Backfill.MaxCandlesPerRequest)
	assert.Equal(t, 200, c.Backfill.RequestDelayMs)
	assert.Equal(t, 500, c.Backfill.BatchSize)
	assert.Equal(t, 3, c.Backfill.MaxRetries)
	assert.Len(t, c.Symbols, 10)
}

func TestValidate_RequiresPostgresDSN(t *testing.T) {
	var c Config
	c.applyDefaults()
	err := c.Validate()
	require.Error(t, err)
}

func TestValidate_RequiresAtLeastOneSymbol(t *testing.T) {
	c := Config{Postgres: PostgresConfig{DSN: "postgres://x"}}
	c.Cache.MaxMemoryCandles = 1 // applyDefaults is not called here, so Symbols stays empty
	err := c.Validate()
	require.Error(t, err)
}

package main

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"

	"vmsentry/internal/config"
)

func TestOverlayAppliesSetKeys(t *testing.T) {
	v := viper.New()
	v.Set("api.addr", ":9001")
	v.Set("storage.dsn", "postgres://db/vmsentry")
	v.Set("ingest.kafka.brokers", []string{"k1:9092", "k2:9092"})

	cfg := config.DefaultConfig()
	overlay(v, cfg)

	assert.Equal(t, ":9001", cfg.API.Addr)
	assert.Equal(t, "postgres://db/vmsentry", cfg.Storage.DSN)
	assert.True(t, cfg.Storage.Enabled, "a DSN enables storage")
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Ingest.Kafka.Brokers)
	assert.Equal(t, ":5000", cfg.Ingest.REST.Addr, "unset keys keep their value")
}

func TestOverlayExplicitDisableWins(t *testing.T) {
	v := viper.New()
	v.Set("storage.dsn", "file:x.db")
	v.Set("storage.enabled", false)

	cfg := config.DefaultConfig()
	overlay(v, cfg)
	assert.False(t, cfg.Storage.Enabled)
}

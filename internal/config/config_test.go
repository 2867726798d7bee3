package config

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmsentry/internal/model"
	"vmsentry/internal/rules"
)

const sampleYAML = `
log_level: debug
engine:
  cooldown: 1m
rules:
  cpu_usage:
    warning: {threshold: 70, duration: 2m}
    critical: {threshold: 85, duration: 1m}
notify:
  webhook:
    enabled: true
    url: http://hooks.local/alerts
`

func TestParseYAMLMergesRulesOverDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, time.Minute, cfg.Engine.Cooldown)
	assert.Equal(t, 16, cfg.Engine.Shards)
	assert.Equal(t, 10*time.Minute, cfg.Notify.BatchWindow)

	cpu := cfg.Rules[model.MetricCPUUsage]
	assert.Equal(t, 70.0, cpu.Warning.Threshold.Value)
	assert.Equal(t, 2*time.Minute, cpu.Warning.Duration)
	assert.Len(t, cfg.Rules, len(rules.Defaults()), "kinds absent from the file keep their defaults")
	assert.Equal(t, rules.ScaledByCores, cfg.Rules[model.MetricLoadAverage].Warning.Threshold.Kind)
}

func TestParseJSON(t *testing.T) {
	cfg, err := Parse([]byte(`{"api":{"enabled":true,"addr":":7000"},"rules":{"disk_usage":{"warning":{"threshold":60},"critical":{"threshold":70}}}}`))
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.API.Addr)
	assert.Equal(t, 60.0, cfg.Rules[model.MetricDiskUsage].Warning.Threshold.Value)
}

func TestParseRejectsInvalid(t *testing.T) {
	_, err := Parse([]byte("   "))
	assert.Error(t, err)

	_, err = Parse([]byte("rules:\n  fan_speed:\n    warning: {threshold: 1}\n    critical: {threshold: 2}\n"))
	assert.True(t, errors.Is(err, rules.ErrInvalidRule))

	_, err = Parse([]byte("notify:\n  mail:\n    enabled: true\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("ingest:\n  file_tail:\n    enabled: true\n"))
	assert.Error(t, err)
}

func TestManagerUpdateAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vmsentry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	m, err := NewManager(path)
	require.NoError(t, err)
	require.NoError(t, m.SetOverlay(func(c *Config) { c.API.Addr = ":9999" }))
	assert.Equal(t, ":9999", m.Get().API.Addr)

	_, err = m.Modify(func(c *Config) error {
		c.LogLevel = "warn"
		return nil
	})
	require.NoError(t, err)
	needs, err := m.NeedsReload()
	require.NoError(t, err)
	assert.False(t, needs, "our own write is not a reload")

	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))
	needs, err = m.NeedsReload()
	require.NoError(t, err)
	assert.True(t, needs)

	cfg, err := m.Reload()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, ":9999", cfg.API.Addr, "overlay survives reload")
}

func TestModifyPersistsBaseWithoutOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vmsentry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	m, err := NewManager(path)
	require.NoError(t, err)
	require.NoError(t, m.SetOverlay(func(c *Config) {
		c.Notify.Mail.Password = "s3cret"
		c.Storage.DSN = "postgres://u:p@db/vmsentry"
	}))

	cfg, err := m.Modify(func(c *Config) error {
		c.Engine.Cooldown = 2 * time.Minute
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Notify.Mail.Password)
	assert.Equal(t, 2*time.Minute, m.Get().Engine.Cooldown)
	assert.Empty(t, m.Base().Notify.Mail.Password)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "s3cret")
	assert.NotContains(t, string(data), "postgres://u:p@db")

	onDisk, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, onDisk.Engine.Cooldown)
}

func TestModifyRejectsInvalidAndKeepsBase(t *testing.T) {
	m := NewStaticManager(nil)
	sentinel := errors.New("stop")
	_, err := m.Modify(func(c *Config) error { return sentinel })
	assert.ErrorIs(t, err, sentinel)

	_, err = m.Modify(func(c *Config) error {
		c.API.Addr = ""
		return nil
	})
	assert.Error(t, err)
	assert.Equal(t, ":5001", m.Get().API.Addr)
}

func TestModifySerializesWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vmsentry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))
	m, err := NewManager(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := m.Modify(func(c *Config) error {
				c.Alerts.StoreLimit++
				return nil
			})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, _ = m.NeedsReload()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1020, m.Get().Alerts.StoreLimit)
	onDisk, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1020, onDisk.Alerts.StoreLimit)
}

func TestStaticManagerNeverWrites(t *testing.T) {
	m := NewStaticManager(nil)
	cfg := *m.Get()
	cfg.LogLevel = "error"
	require.NoError(t, m.Update(&cfg))
	assert.Equal(t, "error", m.Get().LogLevel)
	assert.Empty(t, m.Path())

	needs, err := m.NeedsReload()
	require.NoError(t, err)
	assert.False(t, needs)
}

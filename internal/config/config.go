package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"vmsentry/internal/rules"
)

type Config struct {
	LogLevel string        `json:"log_level" yaml:"log_level"`
	Ingest   IngestConfig  `json:"ingest" yaml:"ingest"`
	Engine   EngineConfig  `json:"engine" yaml:"engine"`
	Rules    rules.Set     `json:"rules" yaml:"rules"`
	Notify   NotifyConfig  `json:"notify" yaml:"notify"`
	API      APIConfig     `json:"api" yaml:"api"`
	Storage  StorageConfig `json:"storage" yaml:"storage"`
	Live     LiveConfig    `json:"live" yaml:"live"`
	Alerts   AlertsConfig  `json:"alerts" yaml:"alerts"`
}

type IngestConfig struct {
	ChannelBuffer int             `json:"channel_buffer" yaml:"channel_buffer"`
	REST          RESTConfig      `json:"rest" yaml:"rest"`
	TCPStream     TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	FileTail      FileTailConfig  `json:"file_tail" yaml:"file_tail"`
	Kafka         KafkaConfig     `json:"kafka" yaml:"kafka"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end"`
	Files      []string `json:"files" yaml:"files"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type EngineConfig struct {
	Shards        int           `json:"shards" yaml:"shards"`
	Cooldown      time.Duration `json:"cooldown" yaml:"cooldown"`
	DedupeWindow  time.Duration `json:"dedupe_window" yaml:"dedupe_window"`
	MaxClockSkew  time.Duration `json:"max_clock_skew" yaml:"max_clock_skew"`
	MaxFutureSkew time.Duration `json:"max_future_skew" yaml:"max_future_skew"`
}

type NotifyConfig struct {
	BatchWindow time.Duration `json:"batch_window" yaml:"batch_window"`
	Mail        MailConfig    `json:"mail" yaml:"mail"`
	Webhook     WebhookConfig `json:"webhook" yaml:"webhook"`
	Kafka       KafkaSink     `json:"kafka" yaml:"kafka"`
}

type MailConfig struct {
	Enabled  bool          `json:"enabled" yaml:"enabled"`
	Host     string        `json:"host" yaml:"host"`
	Port     int           `json:"port" yaml:"port"`
	Username string        `json:"username" yaml:"username"`
	Password string        `json:"password" yaml:"password"`
	From     string        `json:"from" yaml:"from"`
	To       []string      `json:"to" yaml:"to"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`
}

type WebhookConfig struct {
	Enabled bool          `json:"enabled" yaml:"enabled"`
	URL     string        `json:"url" yaml:"url"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

type KafkaSink struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled   bool          `json:"enabled" yaml:"enabled"`
	Driver    string        `json:"driver" yaml:"driver"`
	DSN       string        `json:"dsn" yaml:"dsn"`
	Retention time.Duration `json:"retention" yaml:"retention"`
}

type LiveConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

type AlertsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			REST:          RESTConfig{Enabled: true, Addr: ":5000"},
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":5002"},
			FileTail:      FileTailConfig{Enabled: false, StartAtEnd: true},
			Kafka:         KafkaConfig{Enabled: false},
		},
		Engine: EngineConfig{
			Shards:        16,
			Cooldown:      5 * time.Minute,
			DedupeWindow:  30 * time.Second,
			MaxClockSkew:  2 * time.Minute,
			MaxFutureSkew: 30 * time.Second,
		},
		Rules: rules.Defaults(),
		Notify: NotifyConfig{
			BatchWindow: 10 * time.Minute,
			Mail:        MailConfig{Port: 587, Timeout: 30 * time.Second},
			Webhook:     WebhookConfig{Timeout: 10 * time.Second},
		},
		API:     APIConfig{Enabled: true, Addr: ":5001"},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:vmsentry.db?_pragma=busy_timeout(5000)", Retention: 14 * 24 * time.Hour},
		Live:    LiveConfig{StoreLimit: 5000},
		Alerts:  AlertsConfig{StoreLimit: 1000},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

// Parse decodes a JSON or YAML document over the defaults.
func Parse(content []byte) (*Config, error) {
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	// A rules section in the file replaces the defaults kind by kind.
	defaults := cfg.Rules
	cfg.Rules = nil
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	cfg.Rules = defaults.Merge(cfg.Rules)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Engine.Shards <= 0 {
		cfg.Engine.Shards = 16
	}
	if cfg.Engine.Cooldown <= 0 {
		cfg.Engine.Cooldown = 5 * time.Minute
	}
	if cfg.Notify.BatchWindow <= 0 {
		cfg.Notify.BatchWindow = 10 * time.Minute
	}
	if cfg.Notify.Webhook.Timeout <= 0 {
		cfg.Notify.Webhook.Timeout = 10 * time.Second
	}
	if cfg.Notify.Mail.Port <= 0 {
		cfg.Notify.Mail.Port = 587
	}
	if cfg.Live.StoreLimit <= 0 {
		cfg.Live.StoreLimit = 5000
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = 1000
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 10000
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Notify.Mail.Enabled {
		if cfg.Notify.Mail.Host == "" || cfg.Notify.Mail.From == "" || len(cfg.Notify.Mail.To) == 0 {
			return errors.New("notify.mail requires host, from, to")
		}
	}
	if cfg.Notify.Webhook.Enabled && cfg.Notify.Webhook.URL == "" {
		return errors.New("notify.webhook.url required when notify.webhook.enabled is true")
	}
	if cfg.Notify.Kafka.Enabled && (len(cfg.Notify.Kafka.Brokers) == 0 || cfg.Notify.Kafka.Topic == "") {
		return errors.New("notify.kafka requires brokers, topic")
	}
	if cfg.Engine.DedupeWindow < 0 || cfg.Engine.MaxClockSkew < 0 || cfg.Engine.MaxFutureSkew < 0 {
		return errors.New("engine durations must be >= 0")
	}
	if cfg.Storage.Retention < 0 {
		return errors.New("storage.retention must be >= 0")
	}
	if err := cfg.Rules.Validate(); err != nil {
		return fmt.Errorf("rules: %w", err)
	}
	return nil
}

// Manager holds the file-backed base config and the effective config, which is
// the base with the overlay applied. Only the base is ever written back.
type Manager struct {
	path string
	cfg  atomic.Value

	mu      sync.Mutex
	base    *Config
	modTime time.Time
	overlay func(*Config)
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path, base: cfg}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config that is never written to disk.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{base: cfg}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

// Base returns a copy of the config as loaded or last written, without the
// overlay.
func (m *Manager) Base() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.base
}

func (m *Manager) Path() string {
	return m.path
}

// effective applies the overlay to a copy of base and validates the result.
// Caller holds m.mu.
func (m *Manager) effective(base *Config) (*Config, error) {
	next := *base
	if m.overlay != nil {
		m.overlay(&next)
	}
	if err := Validate(&next); err != nil {
		return nil, err
	}
	return &next, nil
}

// SetOverlay registers fn to adjust every config the manager loads, starting
// with the current one.
func (m *Manager) SetOverlay(fn func(*Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.overlay
	m.overlay = fn
	next, err := m.effective(m.base)
	if err != nil {
		m.overlay = prev
		return err
	}
	m.cfg.Store(next)
	return nil
}

func (m *Manager) Reload() (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	next, err := m.effective(cfg)
	if err != nil {
		return nil, err
	}
	m.base = cfg
	m.cfg.Store(next)
	m.touch()
	return next, nil
}

// Update replaces the base config and persists it.
func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	_, err := m.Modify(func(base *Config) error {
		*base = *cfg
		return nil
	})
	return err
}

// Modify applies fn to a copy of the base config, validates and persists the
// result, then publishes it with the overlay applied. Calls are serialized, so
// the file always holds the result of the last successful call.
func (m *Manager) Modify(fn func(*Config) error) (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := *m.base
	if err := fn(&base); err != nil {
		return nil, err
	}
	next, err := m.effective(&base)
	if err != nil {
		return nil, err
	}
	if m.path != "" {
		if err := Save(m.path, &base); err != nil {
			return nil, err
		}
	}
	m.base = &base
	m.cfg.Store(next)
	m.touch()
	return next, nil
}

// touch records the file's mtime so our own writes do not trigger a reload.
// Caller holds m.mu.
func (m *Manager) touch() {
	if m.path == "" {
		return
	}
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}

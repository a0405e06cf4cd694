// Package config provides the configuration schema, loader, hot-reload
// watcher and provider registry for the somnolog server.
package config

import (
	"time"

	"github.com/somnolog/somnolog/internal/settings"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// StorageBackend selects where finalized sessions are written.
type StorageBackend string

const (
	// StorageNone keeps sessions in memory only; nothing is persisted.
	StorageNone     StorageBackend = "none"
	StoragePostgres StorageBackend = "postgres"
	StorageSQLite   StorageBackend = "sqlite"
)

// IsValid reports whether b is a recognised storage backend.
func (b StorageBackend) IsValid() bool {
	switch b {
	case StorageNone, StoragePostgres, StorageSQLite:
		return true
	}
	return false
}

// SlotBackend selects where the single active-session slot lives.
type SlotBackend string

const (
	SlotMemory SlotBackend = "memory"
	SlotRedis  SlotBackend = "redis"
)

// IsValid reports whether b is a recognised slot backend.
func (b SlotBackend) IsValid() bool {
	return b == SlotMemory || b == SlotRedis
}

// Config is the root configuration structure. Load it with [Load] or
// [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Detection DetectionConfig `yaml:"detection"`
	Providers ProvidersConfig `yaml:"providers"`
	Storage   StorageConfig   `yaml:"storage"`
	Slot      SlotConfig      `yaml:"slot"`
	Settings  SettingsConfig  `yaml:"settings"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP API listens on. Default ":8080".
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// TLS enables HTTPS when set.
	TLS *TLSConfig `yaml:"tls"`

	// OriginPatterns lists the hosts allowed to open WebSockets (microphone
	// ingest and the live stream) from another origin.
	OriginPatterns []string `yaml:"origin_patterns"`

	// TraceSampleRatio is the fraction of detection traces kept, in [0, 1].
	// Zero keeps all of them.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// TLSConfig holds PEM certificate paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// DetectionConfig tunes the detection pipeline.
type DetectionConfig struct {
	// Interval is the tick period of the detection loop. Default 1s.
	Interval time.Duration `yaml:"interval"`

	// TickTimeout abandons a tick that runs longer. Default: Interval.
	TickTimeout time.Duration `yaml:"tick_timeout"`

	// ElapsedInterval is how often session elapsed time is refreshed.
	// Default 1s.
	ElapsedInterval time.Duration `yaml:"elapsed_interval"`

	// Window is the length of the audio snapshot each tick classifies.
	// Default 5s.
	Window time.Duration `yaml:"window"`

	// LostAfter is how long the microphone may go without delivering audio
	// before the session switches to the synthetic fallback, or ends when
	// there is none. Must exceed Window. Default 30s.
	LostAfter time.Duration `yaml:"lost_after"`

	// RetainAudio keeps up to this much raw audio for upload when the
	// session ends. Zero disables uploads.
	RetainAudio time.Duration `yaml:"retain_audio"`

	// SyntheticFallback switches to generated events when the microphone
	// cannot be acquired. Default true.
	SyntheticFallback *bool `yaml:"synthetic_fallback"`

	// FallbackApneaProbability is the base apnea rate of the synthetic
	// generator. Default 0.15.
	FallbackApneaProbability float64 `yaml:"fallback_apnea_probability"`

	// Seed makes synthetic events reproducible. Zero seeds from the clock.
	Seed uint64 `yaml:"seed"`
}

// SyntheticFallbackEnabled reports whether acquisition failures fall back to
// synthetic events.
func (d DetectionConfig) SyntheticFallbackEnabled() bool {
	return d.SyntheticFallback == nil || *d.SyntheticFallback
}

// ProvidersConfig selects the implementation for each pipeline stage by
// name. Names are resolved through the [Registry].
type ProvidersConfig struct {
	Audio      ProviderEntry `yaml:"audio"`
	Features   ProviderEntry `yaml:"features"`
	Classifier ProviderEntry `yaml:"classifier"`

	// ClassifierFallbacks are tried in order when the primary classifier
	// fails or its circuit breaker is open.
	ClassifierFallbacks []ProviderEntry `yaml:"classifier_fallbacks"`
}

// ProviderEntry is the configuration block shared by all provider kinds.
type ProviderEntry struct {
	// Name selects the registered implementation (e.g. "wsmic", "remote").
	Name string `yaml:"name"`

	APIKey string `yaml:"api_key"`

	// BaseURL is the endpoint of a remote provider.
	BaseURL string `yaml:"base_url"`

	Model string `yaml:"model"`

	// Timeout bounds one call to a remote provider.
	Timeout time.Duration `yaml:"timeout"`

	// Options holds implementation-specific values.
	Options map[string]any `yaml:"options"`
}

// FloatOption returns Options[key] as a float64, or def when absent or not
// numeric.
func (e ProviderEntry) FloatOption(key string, def float64) float64 {
	switch v := e.Options[key].(type) {
	case int:
		return float64(v)
	case float64:
		return v
	}
	return def
}

// IntOption returns Options[key] as an int, or def when absent or not an
// integer.
func (e ProviderEntry) IntOption(key string, def int) int {
	if v, ok := e.Options[key].(int); ok {
		return v
	}
	return def
}

// StorageConfig selects and configures the persistence sink.
type StorageConfig struct {
	// Backend is "none", "postgres" or "sqlite". Default "none".
	Backend StorageBackend `yaml:"backend"`

	// PostgresDSN is the connection string for the postgres backend.
	PostgresDSN string `yaml:"postgres_dsn"`

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string `yaml:"sqlite_path"`

	// FeatureDimensions sizes the pgvector column holding each event's
	// feature vector. Must match the configured extractor. Default 8.
	FeatureDimensions int `yaml:"feature_dimensions"`

	// QueueSize bounds the asynchronous write queue. Default 256.
	QueueSize int `yaml:"queue_size"`

	// OpTimeout bounds one write. Default 10s.
	OpTimeout time.Duration `yaml:"op_timeout"`
}

// SlotConfig configures the single active-session slot.
type SlotConfig struct {
	// Backend is "memory" or "redis". Default "memory".
	Backend SlotBackend `yaml:"backend"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Key overrides the Redis key holding the slot.
	Key string `yaml:"key"`
}

// SettingsConfig holds default user settings and the auto-mode scheduler.
type SettingsConfig struct {
	// Defaults apply to users without stored settings.
	Defaults settings.UserSettings `yaml:"defaults"`

	// AutoOwners lists the owners the scheduler evaluates. Only owners whose
	// settings select auto mode are started.
	AutoOwners []string `yaml:"auto_owners"`

	// ScheduleInterval is how often schedules are evaluated. Default 30s.
	ScheduleInterval time.Duration `yaml:"schedule_interval"`
}

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/somnolog/somnolog/internal/settings"
)

// ValidProviderNames lists the built-in provider names per kind. [Validate]
// warns about names outside this list.
var ValidProviderNames = map[string][]string{
	"audio":      {"wsmic", "pcmfile"},
	"features":   {"spectral"},
	"classifier": {"simulated", "energy", "remote"},
}

// Load reads the YAML file at path, applies SOMNOLOG_* environment
// overrides and defaults, and validates the result. A .env file next to the
// working directory is loaded first; variables already set win.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("config: could not load .env file", "err", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(data, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates it. Environment overrides are not applied.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return parse(data, nil)
}

// parse is the shared decode pipeline. lookup may be nil.
func parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if lookup != nil {
		ApplyEnv(cfg, lookup)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envOverrides maps SOMNOLOG_* variables onto config fields. Secrets and
// DSNs are expected to come from here rather than the YAML file.
var envOverrides = []struct {
	name  string
	apply func(*Config, string)
}{
	{"SOMNOLOG_LISTEN_ADDR", func(c *Config, v string) { c.Server.ListenAddr = v }},
	{"SOMNOLOG_LOG_LEVEL", func(c *Config, v string) { c.Server.LogLevel = LogLevel(v) }},
	{"SOMNOLOG_STORAGE_BACKEND", func(c *Config, v string) { c.Storage.Backend = StorageBackend(v) }},
	{"SOMNOLOG_POSTGRES_DSN", func(c *Config, v string) { c.Storage.PostgresDSN = v }},
	{"SOMNOLOG_SQLITE_PATH", func(c *Config, v string) { c.Storage.SQLitePath = v }},
	{"SOMNOLOG_SLOT_BACKEND", func(c *Config, v string) { c.Slot.Backend = SlotBackend(v) }},
	{"SOMNOLOG_REDIS_ADDR", func(c *Config, v string) { c.Slot.RedisAddr = v }},
	{"SOMNOLOG_REDIS_PASSWORD", func(c *Config, v string) { c.Slot.RedisPassword = v }},
	{"SOMNOLOG_CLASSIFIER_URL", func(c *Config, v string) { c.Providers.Classifier.BaseURL = v }},
	{"SOMNOLOG_CLASSIFIER_API_KEY", func(c *Config, v string) { c.Providers.Classifier.APIKey = v }},
}

// ApplyEnv overwrites config fields from the environment. lookup is usually
// os.LookupEnv; empty values are ignored.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	for _, o := range envOverrides {
		if v, ok := lookup(o.name); ok && v != "" {
			o.apply(cfg, v)
		}
	}
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	d := &cfg.Detection
	if d.Interval <= 0 {
		d.Interval = time.Second
	}
	if d.TickTimeout <= 0 {
		d.TickTimeout = d.Interval
	}
	if d.ElapsedInterval <= 0 {
		d.ElapsedInterval = time.Second
	}
	if d.Window <= 0 {
		d.Window = 5 * time.Second
	}
	if d.LostAfter <= 0 {
		d.LostAfter = 30 * time.Second
	}
	if d.FallbackApneaProbability == 0 {
		d.FallbackApneaProbability = 0.15
	}

	p := &cfg.Providers
	if p.Audio.Name == "" {
		p.Audio.Name = "wsmic"
	}
	if p.Features.Name == "" {
		p.Features.Name = "spectral"
	}
	if p.Classifier.Name == "" {
		p.Classifier.Name = "energy"
	}

	s := &cfg.Storage
	if s.Backend == "" {
		s.Backend = StorageNone
	}
	if s.FeatureDimensions <= 0 {
		s.FeatureDimensions = 8
	}
	if s.QueueSize <= 0 {
		s.QueueSize = 256
	}
	if s.OpTimeout <= 0 {
		s.OpTimeout = 10 * time.Second
	}

	if cfg.Slot.Backend == "" {
		cfg.Slot.Backend = SlotMemory
	}

	def := settings.Defaults()
	us := &cfg.Settings.Defaults
	if us.Sensitivity == 0 {
		us.Sensitivity = def.Sensitivity
	}
	if us.Mode == "" {
		us.Mode = def.Mode
	}
	if us.Schedule == (settings.Schedule{}) {
		us.Schedule = def.Schedule
	}
	if cfg.Settings.ScheduleInterval <= 0 {
		cfg.Settings.ScheduleInterval = 30 * time.Second
	}
}

// Validate checks that cfg is coherent and returns every problem found,
// joined.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %.2f is out of range [0, 1]", r))
	}

	d := cfg.Detection
	if d.LostAfter <= d.Window {
		errs = append(errs, fmt.Errorf("detection.lost_after %s must exceed detection.window %s", d.LostAfter, d.Window))
	}
	if d.TickTimeout > d.Interval {
		errs = append(errs, fmt.Errorf("detection.tick_timeout %s exceeds detection.interval %s", d.TickTimeout, d.Interval))
	}
	if d.FallbackApneaProbability < 0 || d.FallbackApneaProbability > 1 {
		errs = append(errs, fmt.Errorf("detection.fallback_apnea_probability %.2f is out of range [0, 1]", d.FallbackApneaProbability))
	}
	if d.RetainAudio < 0 {
		errs = append(errs, errors.New("detection.retain_audio must not be negative"))
	}

	validateProviderName("audio", cfg.Providers.Audio.Name)
	validateProviderName("features", cfg.Providers.Features.Name)
	validateProviderName("classifier", cfg.Providers.Classifier.Name)
	if cfg.Providers.Classifier.Name == "remote" && cfg.Providers.Classifier.BaseURL == "" {
		errs = append(errs, errors.New("providers.classifier: remote classifier requires base_url"))
	}
	for i, fb := range cfg.Providers.ClassifierFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.classifier_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("classifier", fb.Name)
	}

	switch s := cfg.Storage; {
	case !s.Backend.IsValid():
		errs = append(errs, fmt.Errorf("storage.backend %q is invalid; valid values: none, postgres, sqlite", s.Backend))
	case s.Backend == StoragePostgres && s.PostgresDSN == "":
		errs = append(errs, errors.New("storage.postgres_dsn is required when storage.backend is postgres"))
	case s.Backend == StorageSQLite && s.SQLitePath == "":
		errs = append(errs, errors.New("storage.sqlite_path is required when storage.backend is sqlite"))
	}

	switch sl := cfg.Slot; {
	case !sl.Backend.IsValid():
		errs = append(errs, fmt.Errorf("slot.backend %q is invalid; valid values: memory, redis", sl.Backend))
	case sl.Backend == SlotRedis && sl.RedisAddr == "":
		errs = append(errs, errors.New("slot.redis_addr is required when slot.backend is redis"))
	}

	if err := cfg.Settings.Defaults.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("settings.defaults: %w", err))
	}
	if len(cfg.Settings.AutoOwners) > 0 && cfg.Storage.Backend == StorageNone &&
		cfg.Settings.Defaults.Mode != settings.ModeAuto {
		slog.Warn("settings.auto_owners is set without storage; auto mode chosen through the API is lost on restart unless settings.defaults.mode is auto")
	}

	return errors.Join(errs...)
}

// validateProviderName warns when name is not a built-in provider of kind.
func validateProviderName(kind, name string) {
	if name == "" || slices.Contains(ValidProviderNames[kind], name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", ValidProviderNames[kind],
	)
}

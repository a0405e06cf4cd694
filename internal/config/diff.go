package config

import "slices"

// ConfigDiff describes what changed between two configs. Reloadable changes
// are applied in place; everything else is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	DefaultsChanged bool // settings.defaults differ

	FallbackProbabilityChanged bool
	NewFallbackProbability     float64

	// RestartRequired names the config sections that changed but only take
	// effect after a restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.DefaultsChanged && !d.FallbackProbabilityChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Settings.Defaults != new.Settings.Defaults {
		d.DefaultsChanged = true
	}
	if old.Detection.FallbackApneaProbability != new.Detection.FallbackApneaProbability {
		d.FallbackProbabilityChanged = true
		d.NewFallbackProbability = new.Detection.FallbackApneaProbability
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !tlsEqual(old.Server.TLS, new.Server.TLS) ||
		!slices.Equal(old.Server.OriginPatterns, new.Server.OriginPatterns) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if detectionRestart(old.Detection, new.Detection) {
		d.RestartRequired = append(d.RestartRequired, "detection")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	if old.Slot != new.Slot {
		d.RestartRequired = append(d.RestartRequired, "slot")
	}
	if old.Settings.ScheduleInterval != new.Settings.ScheduleInterval ||
		!slices.Equal(old.Settings.AutoOwners, new.Settings.AutoOwners) {
		d.RestartRequired = append(d.RestartRequired, "settings.scheduler")
	}

	return d
}

// detectionRestart reports a change to any detection field other than the
// fallback probability.
func detectionRestart(a, b DetectionConfig) bool {
	if a.SyntheticFallbackEnabled() != b.SyntheticFallbackEnabled() {
		return true
	}
	a.SyntheticFallback, b.SyntheticFallback = nil, nil
	a.FallbackApneaProbability, b.FallbackApneaProbability = 0, 0
	return a != b
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func providersEqual(a, b ProvidersConfig) bool {
	return entryEqual(a.Audio, b.Audio) && entryEqual(a.Features, b.Features) &&
		entryEqual(a.Classifier, b.Classifier) &&
		slices.EqualFunc(a.ClassifierFallbacks, b.ClassifierFallbacks, entryEqual)
}

// entryEqual compares two entries. Nested option values always count as
// changed.
func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL ||
		a.Model != b.Model || a.Timeout != b.Timeout || len(a.Options) != len(b.Options) {
		return false
	}
	for k, av := range a.Options {
		bv, ok := b.Options[k]
		if !ok || !sameOption(av, bv) {
			return false
		}
	}
	return true
}

func sameOption(a, b any) bool {
	switch a.(type) {
	case string, int, float64, bool:
		return a == b
	}
	return false
}

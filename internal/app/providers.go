package app

import (
	"github.com/somnolog/somnolog/internal/config"
	"github.com/somnolog/somnolog/pkg/audio"
	"github.com/somnolog/somnolog/pkg/audio/pcmfile"
	"github.com/somnolog/somnolog/pkg/audio/wsmic"
	"github.com/somnolog/somnolog/pkg/provider/classifier"
	"github.com/somnolog/somnolog/pkg/provider/classifier/energy"
	"github.com/somnolog/somnolog/pkg/provider/classifier/remote"
	"github.com/somnolog/somnolog/pkg/provider/classifier/simulated"
	"github.com/somnolog/somnolog/pkg/provider/features"
	"github.com/somnolog/somnolog/pkg/provider/features/spectral"
)

// RegisterBuiltins registers every provider shipped with somnolog. Window
// and retention come from cfg.Detection, origin patterns from cfg.Server.
func RegisterBuiltins(reg *config.Registry, cfg *config.Config) {
	det := cfg.Detection

	reg.RegisterAudio("wsmic", func(e config.ProviderEntry) (audio.Source, error) {
		opts := []wsmic.Option{
			wsmic.WithSampleRate(e.IntOption("sample_rate", 16000)),
			wsmic.WithWindow(det.Window),
			wsmic.WithRetain(det.RetainAudio),
			wsmic.WithOriginPatterns(cfg.Server.OriginPatterns...),
		}
		if e.Timeout > 0 {
			opts = append(opts, wsmic.WithAcquireTimeout(e.Timeout))
		}
		return wsmic.New(opts...), nil
	})
	reg.RegisterAudio("pcmfile", func(e config.ProviderEntry) (audio.Source, error) {
		return pcmfile.New(pcmfile.Config{
			Format: audio.Format{
				SampleRate: e.IntOption("sample_rate", 16000),
				Channels:   e.IntOption("channels", 1),
			},
			AnalysisRate: e.IntOption("analysis_rate", 16000),
			Window:       det.Window,
			Retain:       det.RetainAudio,
			Speed:        e.FloatOption("speed", 1),
		}), nil
	})

	reg.RegisterFeatures("spectral", func(config.ProviderEntry) (features.Extractor, error) {
		return spectral.New(), nil
	})

	reg.RegisterClassifier("simulated", func(config.ProviderEntry) (classifier.Classifier, error) {
		if det.Seed != 0 {
			return simulated.New(simulated.WithSeed(det.Seed)), nil
		}
		return simulated.New(), nil
	})
	reg.RegisterClassifier("energy", func(e config.ProviderEntry) (classifier.Classifier, error) {
		if rms := e.FloatOption("reference_rms", 0); rms > 0 {
			return energy.New(energy.WithReferenceRMS(rms)), nil
		}
		return energy.New(), nil
	})
	reg.RegisterClassifier("remote", func(e config.ProviderEntry) (classifier.Classifier, error) {
		opts := []remote.Option{remote.WithAPIKey(e.APIKey)}
		if e.Model != "" {
			opts = append(opts, remote.WithModel(e.Model))
		}
		if e.Timeout > 0 {
			opts = append(opts, remote.WithTimeout(e.Timeout))
		}
		c, err := remote.New(e.BaseURL, opts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

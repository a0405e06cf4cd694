// Package pcmfile provides an [audio.Source] that replays raw little-endian
// int16 PCM files. It backs offline runs such as `somnolog simulate --input`.
//
// The device ID passed to Acquire is the file path. Frames are fed at real
// time multiplied by the configured speed; the file loops when it ends.
package pcmfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/somnolog/somnolog/pkg/audio"
)

// frameDuration is the chunk size fed into the window per step.
const frameDuration = 20 * time.Millisecond

var (
	_ audio.Source   = (*Source)(nil)
	_ audio.Stream   = (*stream)(nil)
	_ audio.Recorder = (*stream)(nil)
)

// Config describes the file format and replay behaviour.
type Config struct {
	// Format of the PCM in the file.
	Format audio.Format

	// AnalysisRate is the sample rate snapshots are produced at.
	AnalysisRate int

	// Window is the snapshot length.
	Window time.Duration

	// Retain keeps up to this much raw audio for upload. Zero disables it.
	Retain time.Duration

	// Speed multiplies playback rate. Values <= 0 mean 1.
	Speed float64
}

// Source implements [audio.Source] over PCM files.
type Source struct {
	cfg Config
}

// New returns a Source for files in the given format.
func New(cfg Config) *Source {
	if cfg.Format.SampleRate <= 0 {
		cfg.Format.SampleRate = 16000
	}
	if cfg.Format.Channels <= 0 {
		cfg.Format.Channels = 1
	}
	if cfg.AnalysisRate <= 0 {
		cfg.AnalysisRate = 16000
	}
	if cfg.Window <= 0 {
		cfg.Window = 2 * time.Second
	}
	if cfg.Speed <= 0 {
		cfg.Speed = 1
	}
	return &Source{cfg: cfg}
}

// Acquire implements [audio.Source]. path is the file to replay.
func (s *Source) Acquire(_ context.Context, path string) (audio.Stream, error) {
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrPermission):
		return nil, fmt.Errorf("pcmfile: open %s: %w", path, audio.ErrPermissionDenied)
	case err != nil:
		return nil, fmt.Errorf("pcmfile: open %s: %w", path, audio.ErrDeviceUnavailable)
	}

	frameBytes := s.cfg.Format.SampleRate * int(frameDuration/time.Millisecond) / 1000 * 2 * s.cfg.Format.Channels
	if len(data) < frameBytes {
		return nil, fmt.Errorf("pcmfile: %s holds less than one frame: %w", path, audio.ErrDeviceUnavailable)
	}

	st := &stream{
		window: audio.NewWindow(s.cfg.AnalysisRate, s.cfg.Window, s.cfg.Retain),
		done:   make(chan struct{}),
	}
	st.wg.Add(1)
	go st.feed(data, frameBytes, s.cfg)
	return st, nil
}

type stream struct {
	window *audio.Window
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func (s *stream) feed(data []byte, frameBytes int, cfg Config) {
	defer s.wg.Done()

	step := time.Duration(float64(frameDuration) / cfg.Speed)
	ticker := time.NewTicker(step)
	defer ticker.Stop()

	var offset int
	var ts time.Duration
	for {
		if offset+frameBytes > len(data) {
			offset = 0
		}
		s.window.Write(audio.AudioFrame{
			Data:       data[offset : offset+frameBytes],
			SampleRate: cfg.Format.SampleRate,
			Channels:   cfg.Format.Channels,
			Timestamp:  ts,
		})
		offset += frameBytes
		ts += frameDuration

		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
	}
}

func (s *stream) Snapshot() (audio.Snapshot, bool) {
	select {
	case <-s.done:
		return audio.Snapshot{}, false
	default:
	}
	return s.window.Snapshot()
}

func (s *stream) Release() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

func (s *stream) Recording() ([]byte, time.Duration) {
	return s.window.Recording()
}

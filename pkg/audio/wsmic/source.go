// Package wsmic provides an [audio.Source] backed by browser microphones that
// stream over WebSocket.
//
// A browser tab opens GET /ws/mic/{deviceID}, announces its codec and whether
// the user granted microphone access, and then waits. [Source.Acquire] asks
// the device to start streaming and returns a stream whose snapshots are fed
// from the incoming frames. Opus packets are decoded with gopus; raw PCM16 is
// accepted as-is. All audio is converted to mono at the configured analysis
// sample rate.
package wsmic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/somnolog/somnolog/pkg/audio"
)

var (
	errUnsupportedCodec = errors.New("wsmic: unsupported codec")
	errBadFormat        = errors.New("wsmic: invalid sample rate or channel count")
	errNotHello         = errors.New("wsmic: not a hello message")
)

// Compile-time interface assertions.
var (
	_ audio.Source   = (*Source)(nil)
	_ audio.Stream   = (*stream)(nil)
	_ audio.Recorder = (*stream)(nil)
)

// Option configures a [Source].
type Option func(*Source)

// WithSampleRate sets the analysis sample rate in Hz. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(s *Source) { s.sampleRate = rate }
}

// WithWindow sets the snapshot length. Defaults to 2s.
func WithWindow(d time.Duration) Option {
	return func(s *Source) { s.window = d }
}

// WithRetain keeps up to d of raw audio per stream for upload. Zero disables
// retention.
func WithRetain(d time.Duration) Option {
	return func(s *Source) { s.retain = d }
}

// WithAcquireTimeout bounds how long Acquire waits for the device to connect.
// Defaults to 5s.
func WithAcquireTimeout(d time.Duration) Option {
	return func(s *Source) { s.acquireTimeout = d }
}

// WithOriginPatterns sets the allowed browser origins for the WebSocket
// handshake. Defaults to same-origin only.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Source) { s.origins = patterns }
}

// Source implements [audio.Source] for browser microphones.
//
// Source is safe for concurrent use.
type Source struct {
	sampleRate     int
	window         time.Duration
	retain         time.Duration
	acquireTimeout time.Duration
	origins        []string

	mu      sync.Mutex
	devices map[string]*device
	changed chan struct{} // closed and replaced whenever devices changes
}

// New creates a Source with the given options applied.
func New(opts ...Option) *Source {
	s := &Source{
		sampleRate:     16000,
		window:         2 * time.Second,
		acquireTimeout: 5 * time.Second,
		devices:        make(map[string]*device),
		changed:        make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds the device ingest endpoint to mux:
//
//	GET /ws/mic/{deviceID}
func (s *Source) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/mic/{deviceID}", s.handleConnect)
}

// Acquire implements [audio.Source]. It waits for deviceID to connect, then
// tells it to start streaming. A device that reported denied permission yields
// [audio.ErrPermissionDenied]; a device that never shows up, or is already
// streaming to another session, yields [audio.ErrDeviceUnavailable].
func (s *Source) Acquire(ctx context.Context, deviceID string) (audio.Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, s.acquireTimeout)
	defer cancel()

	dev, err := s.waitDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("wsmic: acquire %q: %w", deviceID, audio.ErrDeviceUnavailable)
	}

	st, err := dev.attach(audio.NewWindow(s.sampleRate, s.window, s.retain))
	if err != nil {
		return nil, fmt.Errorf("wsmic: acquire %q: %w", deviceID, err)
	}
	if err := dev.send(ctx, control{Type: msgStart}); err != nil {
		_ = st.Release()
		return nil, fmt.Errorf("wsmic: acquire %q: start device: %w", deviceID, audio.ErrDeviceUnavailable)
	}
	slog.Info("wsmic: device streaming", "device_id", deviceID, "codec", dev.format().Codec)
	return st, nil
}

// Connected reports whether deviceID currently has an open connection.
func (s *Source) Connected(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.devices[deviceID]
	return ok
}

func (s *Source) waitDevice(ctx context.Context, deviceID string) (*device, error) {
	for {
		s.mu.Lock()
		dev, ok := s.devices[deviceID]
		changed := s.changed
		s.mu.Unlock()
		if ok {
			return dev, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

func (s *Source) register(dev *device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.devices[dev.id]; ok && old != dev {
		go old.close("replaced by a newer connection")
	}
	s.devices[dev.id] = dev
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Source) unregister(dev *device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.devices[dev.id]; ok && cur == dev {
		delete(s.devices, dev.id)
		close(s.changed)
		s.changed = make(chan struct{})
	}
}

// handleConnect handles GET /ws/mic/{deviceID}.
func (s *Source) handleConnect(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("deviceID")
	if deviceID == "" {
		http.Error(w, "device id is required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		slog.Warn("wsmic: websocket accept failed", "device_id", deviceID, "err", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	h, err := readHello(ctx, conn)
	if err != nil {
		slog.Warn("wsmic: bad hello", "device_id", deviceID, "err", err)
		conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	dev := newDevice(deviceID, conn)
	if err := dev.setFormat(h); err != nil {
		conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}
	s.register(dev)
	defer s.unregister(dev)

	slog.Info("wsmic: device connected", "device_id", deviceID, "permission", h.Permission, "codec", h.Codec)
	dev.readLoop(ctx)
	slog.Info("wsmic: device disconnected", "device_id", deviceID)
}

func readHello(ctx context.Context, conn *websocket.Conn) (hello, error) {
	typ, data, err := conn.Read(ctx)
	if err != nil {
		return hello{}, err
	}
	if typ != websocket.MessageText {
		return hello{}, errors.New("wsmic: expected hello as first message")
	}
	h, err := parseHello(data)
	if err != nil {
		return hello{}, fmt.Errorf("wsmic: decode hello: %w", err)
	}
	return h, nil
}

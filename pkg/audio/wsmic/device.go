package wsmic

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/somnolog/somnolog/pkg/audio"
)

// releaseTimeout bounds the stop message sent to a device on Release.
const releaseTimeout = 2 * time.Second

// device is one connected browser tab.
type device struct {
	id   string
	conn *websocket.Conn

	mu      sync.Mutex
	hello   hello
	opus    *opusDecoder
	current *stream
	gone    bool
}

func newDevice(id string, conn *websocket.Conn) *device {
	return &device{id: id, conn: conn}
}

// setFormat applies a (re)announced hello.
func (d *device) setFormat(h hello) error {
	if err := h.validate(); err != nil {
		return err
	}
	var dec *opusDecoder
	if h.Codec == CodecOpus {
		var err error
		if dec, err = newOpusDecoder(h.SampleRate, h.Channels); err != nil {
			return err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hello = h
	d.opus = dec
	return nil
}

func (d *device) format() hello {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hello
}

func (d *device) isGone() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gone
}

// attach binds a new stream to the device. Only one stream may be attached
// at a time.
func (d *device) attach(w *audio.Window) (*stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.gone:
		return nil, audio.ErrDeviceUnavailable
	case d.hello.Permission != PermissionGranted:
		return nil, audio.ErrPermissionDenied
	case d.current != nil:
		return nil, audio.ErrDeviceUnavailable
	}
	st := &stream{dev: d, window: w}
	d.current = st
	return st, nil
}

func (d *device) detach(st *stream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == st {
		d.current = nil
	}
}

func (d *device) send(ctx context.Context, c control) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return d.conn.Write(ctx, websocket.MessageText, data)
}

func (d *device) close(reason string) {
	d.conn.Close(websocket.StatusGoingAway, reason)
}

// readLoop consumes messages until the connection fails or ctx ends.
func (d *device) readLoop(ctx context.Context) {
	defer func() {
		d.mu.Lock()
		d.gone = true
		d.mu.Unlock()
	}()

	for {
		typ, data, err := d.conn.Read(ctx)
		if err != nil {
			return
		}
		switch typ {
		case websocket.MessageText:
			h, err := parseHello(data)
			if err != nil {
				slog.Debug("wsmic: ignoring control message", "device_id", d.id, "err", err)
				continue
			}
			if err := d.setFormat(h); err != nil {
				slog.Warn("wsmic: rejected format change", "device_id", d.id, "err", err)
			}
		case websocket.MessageBinary:
			d.ingest(data)
		}
	}
}

func (d *device) ingest(data []byte) {
	d.mu.Lock()
	st, h, dec := d.current, d.hello, d.opus
	d.mu.Unlock()
	if st == nil {
		return
	}

	pcm := data
	if dec != nil {
		var err error
		if pcm, err = dec.decode(data); err != nil {
			slog.Debug("wsmic: dropping undecodable packet", "device_id", d.id, "err", err)
			return
		}
	}
	st.window.Write(audio.AudioFrame{Data: pcm, SampleRate: h.SampleRate, Channels: h.Channels})
}

func parseHello(data []byte) (hello, error) {
	var h hello
	if err := json.Unmarshal(data, &h); err != nil {
		return hello{}, err
	}
	if h.Type != msgHello {
		return hello{}, errNotHello
	}
	return h, nil
}

// stream is an acquired device. It implements [audio.Stream] and
// [audio.Recorder].
type stream struct {
	dev      *device
	window   *audio.Window
	released atomic.Bool
}

func (s *stream) Snapshot() (audio.Snapshot, bool) {
	if s.released.Load() || s.dev.isGone() {
		return audio.Snapshot{}, false
	}
	return s.window.Snapshot()
}

func (s *stream) Release() error {
	if !s.released.CompareAndSwap(false, true) {
		return nil
	}
	s.dev.detach(s)
	if s.dev.isGone() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := s.dev.send(ctx, control{Type: msgStop}); err != nil {
		slog.Debug("wsmic: stop message not delivered", "device_id", s.dev.id, "err", err)
	}
	return nil
}

func (s *stream) Recording() ([]byte, time.Duration) {
	return s.window.Recording()
}

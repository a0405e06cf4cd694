package audio_test

import (
	"errors"
	"testing"
	"time"

	"github.com/somnolog/somnolog/pkg/audio"
)

func TestWindow_NotReadyUntilFilled(t *testing.T) {
	t.Parallel()
	w := audio.NewWindow(1000, 100*time.Millisecond, 0) // 100 samples

	w.Write(audio.AudioFrame{Data: make([]byte, 50*2), SampleRate: 1000, Channels: 1})
	if _, ok := w.Snapshot(); ok {
		t.Fatal("expected snapshot to be unavailable before the window fills")
	}

	w.Write(audio.AudioFrame{Data: make([]byte, 50*2), SampleRate: 1000, Channels: 1})
	snap, ok := w.Snapshot()
	if !ok {
		t.Fatal("expected snapshot once the window is full")
	}
	if len(snap.Samples) != 100 {
		t.Errorf("samples: got %d, want 100", len(snap.Samples))
	}
	if snap.Duration() != 100*time.Millisecond {
		t.Errorf("duration: got %v, want 100ms", snap.Duration())
	}
}

func TestWindow_KeepsNewestOldestFirst(t *testing.T) {
	t.Parallel()
	w := audio.NewWindow(4, time.Second, 0) // 4 samples

	w.Write(audio.AudioFrame{Data: samplesToBytes([]int16{1, 2, 3}), SampleRate: 4, Channels: 1})
	w.Write(audio.AudioFrame{Data: samplesToBytes([]int16{4, 5, 6}), SampleRate: 4, Channels: 1})

	snap, ok := w.Snapshot()
	if !ok {
		t.Fatal("expected full window")
	}
	got := bytesToSamples(audio.FloatToPCM16(snap.Samples))
	want := []int16{3, 4, 5, 6}
	for i := range want {
		// Scaling by 32768 then 32767 can shift small values by one.
		if d := got[i] - want[i]; d < -1 || d > 1 {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestWindow_RecordingBounded(t *testing.T) {
	t.Parallel()
	w := audio.NewWindow(1000, 10*time.Millisecond, 50*time.Millisecond) // retain 50 samples

	for range 4 {
		w.Write(audio.AudioFrame{Data: make([]byte, 20*2), SampleRate: 1000, Channels: 1})
	}
	pcm, d := w.Recording()
	if len(pcm) != 100 {
		t.Errorf("recording bytes: got %d, want 100", len(pcm))
	}
	if d != 50*time.Millisecond {
		t.Errorf("recording duration: got %v, want 50ms", d)
	}
}

func TestWindow_SnapshotIsCopy(t *testing.T) {
	t.Parallel()
	w := audio.NewWindow(2, time.Second, 0)
	w.Write(audio.AudioFrame{Data: samplesToBytes([]int16{100, 200}), SampleRate: 2, Channels: 1})

	snap, _ := w.Snapshot()
	snap.Samples[0] = 42
	again, _ := w.Snapshot()
	if again.Samples[0] == 42 {
		t.Error("snapshot shares memory with the window")
	}
}

func TestFailureKind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want string
	}{
		{err: audio.ErrPermissionDenied, want: "permission_denied"},
		{err: audio.ErrDeviceUnavailable, want: "device_unavailable"},
		{err: errTest, want: "other"},
	}
	for _, tt := range tests {
		if got := audio.FailureKind(tt.err); got != tt.want {
			t.Errorf("FailureKind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

var errTest = errors.New("boom")

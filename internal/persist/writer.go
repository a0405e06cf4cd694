package persist

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/somnolog/somnolog/internal/observe"
	"github.com/somnolog/somnolog/pkg/types"
)

// Op names a queued persistence operation.
type Op string

const (
	OpCreateSession   Op = "create_session"
	OpAppendEvent     Op = "append_event"
	OpFinalizeSession Op = "finalize_session"
	OpUploadAudio     Op = "upload_audio"
)

// ErrQueueFull is reported to OnFailure when an operation is dropped because
// the queue is full or the writer is closed.
var ErrQueueFull = errors.New("persist: queue full, operation dropped")

// FailureFunc is told about the first operation of a session that failed or
// was dropped. sessionID is the local session ID the operation belonged to.
type FailureFunc func(op Op, sessionID string, err error)

// WriterConfig tunes a [Writer].
type WriterConfig struct {
	// QueueSize bounds pending operations. Default: 256.
	QueueSize int

	// OpTimeout bounds each backend call. Default: 10s.
	OpTimeout time.Duration

	// OnFailure, if set, is called once per session, for its first failed or
	// dropped operation. Later failures of that session are only counted in
	// metrics. It may run on the writer goroutine or on the enqueuing
	// goroutine and must not block.
	OnFailure FailureFunc

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

type job struct {
	op      Op
	localID string
	run     func(ctx context.Context, remoteID string) (string, error)
}

// Writer serialises session writes onto one background goroutine.
//
// Sessions are addressed by their local ID. The writer maps it to the ID the
// backend returned from CreateSession; an operation for a session whose
// creation failed is reported with [ErrUnknownSession].
type Writer struct {
	sink Sink
	cfg  WriterConfig

	mu     sync.RWMutex
	closed bool
	queue  chan job

	// remote is owned by the run goroutine.
	remote map[string]string
	done   chan struct{}

	failMu sync.Mutex
	failed map[string]bool
}

// NewWriter starts a writer over sink.
func NewWriter(sink Sink, cfg WriterConfig) *Writer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 10 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	w := &Writer{
		sink:   sink,
		cfg:    cfg,
		queue:  make(chan job, cfg.QueueSize),
		remote: make(map[string]string),
		done:   make(chan struct{}),
		failed: make(map[string]bool),
	}
	go w.run()
	return w
}

// CreateSession queues the creation of session localID.
func (w *Writer) CreateSession(localID, ownerID string, start time.Time) bool {
	return w.enqueue(job{op: OpCreateSession, localID: localID, run: func(ctx context.Context, _ string) (string, error) {
		return w.sink.CreateSession(ctx, ownerID, start)
	}})
}

// AppendEvent queues one event of session localID.
func (w *Writer) AppendEvent(localID string, ev types.DetectionEvent) bool {
	summary := ev.Summary()
	fv := ev.Features
	return w.enqueue(job{op: OpAppendEvent, localID: localID, run: func(ctx context.Context, remoteID string) (string, error) {
		return "", w.sink.AppendEvent(ctx, remoteID, summary, fv)
	}})
}

// FinalizeSession queues the final record of session fin.ID.
func (w *Writer) FinalizeSession(fin types.FinalizedSession) bool {
	return w.enqueue(job{op: OpFinalizeSession, localID: fin.ID, run: func(ctx context.Context, remoteID string) (string, error) {
		f := fin
		f.ID = remoteID
		return "", w.sink.FinalizeSession(ctx, remoteID, f)
	}})
}

// UploadAudio queues a recording upload. The upload does not depend on the
// session having been created.
func (w *Writer) UploadAudio(localID, ownerID string, pcm []byte, d time.Duration) bool {
	return w.enqueue(job{op: OpUploadAudio, localID: localID, run: func(ctx context.Context, _ string) (string, error) {
		return w.sink.UploadAudio(ctx, ownerID, pcm, d)
	}})
}

// Pending returns the number of queued operations.
func (w *Writer) Pending() int { return len(w.queue) }

// Close stops accepting operations and waits until the queue drains or ctx
// is done.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) enqueue(j job) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if !w.closed {
		select {
		case w.queue <- j:
			return true
		default:
		}
	}
	w.cfg.Metrics.RecordPersistError(context.Background(), string(j.op), "dropped")
	slog.Warn("persist: operation dropped", "op", j.op, "session_id", j.localID)
	w.fail(j, ErrQueueFull)
	return false
}

func (w *Writer) run() {
	defer close(w.done)
	for j := range w.queue {
		w.process(j)
	}
}

func (w *Writer) process(j job) {
	var remoteID string
	switch j.op {
	case OpAppendEvent, OpFinalizeSession:
		id, ok := w.remote[j.localID]
		if !ok {
			w.cfg.Metrics.RecordPersistError(context.Background(), string(j.op), "error")
			w.fail(j, ErrUnknownSession)
			return
		}
		remoteID = id
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.OpTimeout)
	defer cancel()

	out, err := j.run(ctx, remoteID)
	if err != nil {
		w.cfg.Metrics.RecordPersistError(ctx, string(j.op), "error")
		slog.Warn("persist: operation failed", "op", j.op, "session_id", j.localID, "err", err)
		w.fail(j, err)
		return
	}

	switch j.op {
	case OpCreateSession:
		w.remote[j.localID] = out
		slog.Debug("persist: session created", "session_id", j.localID, "remote_id", out)
	case OpFinalizeSession:
		delete(w.remote, j.localID)
		slog.Info("persist: session saved", "session_id", j.localID, "remote_id", remoteID)
	case OpUploadAudio:
		slog.Info("persist: recording uploaded", "session_id", j.localID, "recording_id", out)
	}
}

func (w *Writer) fail(j job, err error) {
	if w.cfg.OnFailure == nil {
		return
	}
	w.failMu.Lock()
	seen := w.failed[j.localID]
	w.failed[j.localID] = true
	w.failMu.Unlock()
	if !seen {
		w.cfg.OnFailure(j.op, j.localID, err)
	}
}

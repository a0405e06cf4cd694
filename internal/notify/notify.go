// Package notify fans live session updates out to connected clients.
//
// The Tracker publishes four kinds of [Message]: each detection event, the
// refreshed statistics, lifecycle state changes, and user-visible notices
// (for example "microphone unavailable, using simulation"). [Hub] delivers
// them to subscribers without ever blocking the publisher: a subscriber that
// falls behind loses messages rather than stalling detection.
package notify

import (
	"sync"
	"time"

	"github.com/somnolog/somnolog/pkg/types"
)

// Kind discriminates [Message] payloads.
type Kind string

const (
	KindEvent  Kind = "event"
	KindStats  Kind = "stats"
	KindState  Kind = "state"
	KindNotice Kind = "notice"
)

// Level is the severity of a [Notice].
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notice is a short user-facing message.
type Notice struct {
	Level Level  `json:"level"`
	Text  string `json:"text"`
}

// Message is one update on the live stream. Exactly one payload field is set,
// matching Kind.
type Message struct {
	Kind      Kind      `json:"kind"`
	Time      time.Time `json:"time"`
	OwnerID   string    `json:"owner_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`

	Event  *types.EventSummary `json:"event,omitempty"`
	Stats  *types.SessionStats `json:"stats,omitempty"`
	State  string              `json:"state,omitempty"`
	Notice *Notice             `json:"notice,omitempty"`
}

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// Hub is a non-blocking publish/subscribe fan-out. It is safe for concurrent
// use.
type Hub struct {
	buffer int
	now    func() time.Time

	mu        sync.Mutex
	subs      map[*subscription]struct{}
	lastState map[string]Message // by owner
	notices   []Message
	dropped   int
}

type subscription struct {
	ownerID string
	ch      chan Message
}

// maxNotices is how many recent notices [Hub.Notices] keeps.
const maxNotices = 20

// NewHub returns a hub whose subscribers buffer up to buffer messages.
// buffer <= 0 selects [DefaultBuffer].
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		buffer:    buffer,
		now:       time.Now,
		subs:      make(map[*subscription]struct{}),
		lastState: make(map[string]Message),
	}
}

// Subscribe registers a subscriber for ownerID's messages; an empty ownerID
// receives everything. The latest state message is replayed first. Call the
// returned cancel function to unsubscribe; it closes the channel.
func (h *Hub) Subscribe(ownerID string) (<-chan Message, func()) {
	sub := &subscription{ownerID: ownerID, ch: make(chan Message, h.buffer)}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	for owner, m := range h.lastState {
		if ownerID == "" || owner == ownerID {
			select {
			case sub.ch <- m:
			default:
			}
		}
	}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			close(sub.ch)
			h.mu.Unlock()
		})
	}
}

// Publish stamps m and delivers it to every matching subscriber. A
// subscriber whose buffer is full misses m.
func (h *Hub) Publish(m Message) {
	if m.Time.IsZero() {
		m.Time = h.now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	switch m.Kind {
	case KindState:
		h.lastState[m.OwnerID] = m
	case KindNotice:
		h.notices = append(h.notices, m)
		if len(h.notices) > maxNotices {
			h.notices = h.notices[len(h.notices)-maxNotices:]
		}
	}

	for sub := range h.subs {
		if sub.ownerID != "" && sub.ownerID != m.OwnerID {
			continue
		}
		select {
		case sub.ch <- m:
		default:
			h.dropped++
		}
	}
}

// Notify publishes a notice for ownerID.
func (h *Hub) Notify(ownerID string, level Level, text string) {
	h.Publish(Message{Kind: KindNotice, OwnerID: ownerID, Notice: &Notice{Level: level, Text: text}})
}

// Notices returns the most recent notices, oldest first.
func (h *Hub) Notices() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Message(nil), h.notices...)
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was
// full.
func (h *Hub) Dropped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

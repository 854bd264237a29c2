package events

import (
	"sync"
	"time"
)

// Event kinds.
const (
	KindImportCompleted = "import.completed"
	KindImportFailed    = "import.failed"
	KindSyncCompleted   = "mailbox_sync.completed"
	KindSyncFailed      = "mailbox_sync.failed"
)

// Event is an observability notification.
type Event struct {
	Kind     string         `json:"kind"`
	MemberID string         `json:"member_id,omitempty"`
	At       time.Time      `json:"at"`
	Detail   map[string]any `json:"detail,omitempty"`
}

// Bus provides simple in-process pub/sub for observability. Slow
// subscribers miss events rather than block publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewBus() *Bus { return &Bus{subs: make(map[chan Event]struct{})} }

// Subscribe returns a channel of events and a function that detaches and
// closes it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

package cycle

import (
	"sync"
	"time"

	"reploid/pkg/logx"
)

// EventType names one kind of cycle notification.
type EventType string

const (
	// EventTransition fires on every state change, forced ones included.
	EventTransition EventType = "cycle:transition"
	// EventSuspended fires when a cycle parks at an approval gate.
	EventSuspended EventType = "cycle:suspended"
	// EventError fires on entry into ERROR, with the failure reason.
	EventError EventType = "cycle:error"
	// EventCompleted fires when a cycle archives, successful or abandoned.
	EventCompleted EventType = "cycle:completed"
)

// Event is one best-effort notification. Events carry information out of
// the cycle; nothing ever flows back in through them.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	CycleID   string         `json:"cycle_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

const defaultSubscriberBuffer = 64

// Emitter fans events out to per-subscriber buffered channels. Delivery
// never blocks the cycle: a subscriber that stops draining loses events
// rather than stalling the orchestrator.
type Emitter struct {
	logger *logx.Logger

	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewEmitter creates an emitter with no subscribers.
func NewEmitter(logger *logx.Logger) *Emitter {
	if logger == nil {
		logger = logx.NewLogger("cycle")
	}
	return &Emitter{
		logger: logger,
		subs:   make(map[int]chan Event),
	}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. buffer <= 0 uses the default. Unsubscribing
// closes the channel; calling the returned function twice is safe.
func (e *Emitter) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan Event, buffer)
	if e.closed {
		close(ch)
		return ch, func() {}
	}

	id := e.nextID
	e.nextID++
	e.subs[id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if sub, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(sub)
			}
		})
	}
	return ch, unsubscribe
}

// Emit delivers ev to every subscriber without blocking. A zero
// Timestamp is stamped with the current UTC time. Events offered to a
// full subscriber channel are dropped.
func (e *Emitter) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			e.logger.Warn("Event subscriber full, dropping %s", ev.Type)
		}
	}
}

// Close closes every subscriber channel and discards future events.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
}

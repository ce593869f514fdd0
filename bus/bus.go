package bus

import (
	"sync"
	"time"

	"sprintd/log"
)

// EventType names a sprint lifecycle event.
type EventType string

const (
	PhaseChange    EventType = "phase:change"
	IssueFail      EventType = "issue:fail"
	IssueSucceed   EventType = "issue:succeed"
	SprintPaused   EventType = "sprint:paused"
	SprintResumed  EventType = "sprint:resumed"
	SprintComplete EventType = "sprint:complete"
	SprintError    EventType = "sprint:error"
)

// Event is a single published sprint event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	// Payload is event-specific: PhasePayload, IssuePayload or ErrorPayload.
	Payload any
}

// PhasePayload accompanies PhaseChange, SprintPaused and SprintResumed.
type PhasePayload struct {
	From string
	To   string
}

// IssuePayload accompanies IssueFail and IssueSucceed.
type IssuePayload struct {
	SprintNumber int
	IssueNumber  int
	Title        string
	Reason       string
	RetryCount   int
}

// ErrorPayload accompanies SprintError.
type ErrorPayload struct {
	SprintNumber int
	Message      string
}

// Handler receives events. Handlers run synchronously on the emitting
// goroutine and must not block for long.
type Handler func(Event)

// maxDrain bounds how many events one external Emit may cascade into before
// the bus assumes a handler cycle and stops delivering.
const maxDrain = 1024

// Bus is a typed observer dispatcher. Handlers are invoked in registration
// order. Handlers may emit further events while handling one; those are
// queued and delivered after the current event, and a runaway cascade is cut
// off at maxDrain deliveries.
type Bus struct {
	mu          sync.Mutex
	handlers    map[EventType][]Handler
	queue       []Event
	dispatching bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{handlers: make(map[EventType][]Handler)}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t EventType, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// SubscribeAll registers a handler for every listed event type.
func (b *Bus) SubscribeAll(types []EventType, h Handler) {
	for _, t := range types {
		b.Subscribe(t, h)
	}
}

// Emit publishes an event. Delivery is synchronous: when Emit returns, every
// handler for the event (and any events those handlers emitted) has run,
// unless the drain budget was exhausted. Concurrent emitters are serialized;
// a re-entrant Emit from inside a handler queues the event for the active
// dispatch loop.
func (b *Bus) Emit(t EventType, payload any) {
	e := Event{Type: t, Timestamp: time.Now(), Payload: payload}

	b.mu.Lock()
	b.queue = append(b.queue, e)
	if b.dispatching {
		b.mu.Unlock()
		return
	}
	b.dispatching = true

	delivered := 0
	for len(b.queue) > 0 {
		if delivered >= maxDrain {
			dropped := len(b.queue)
			b.queue = b.queue[:0]
			b.mu.Unlock()
			log.ErrorLog.Printf("event bus drain budget exhausted after %d deliveries; dropping %d queued events (handler cycle?)", delivered, dropped)
			b.mu.Lock()
			break
		}
		next := b.queue[0]
		b.queue = b.queue[1:]
		handlers := append([]Handler(nil), b.handlers[next.Type]...)
		b.mu.Unlock()

		for _, h := range handlers {
			h(next)
		}
		delivered++

		b.mu.Lock()
	}

	b.dispatching = false
	b.mu.Unlock()
}

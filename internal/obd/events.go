package obd

import (
	"sync"
	"time"
)

// Status is the coarse connection state of a Controller.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusInitializingAdapter
	StatusReady
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusInitializingAdapter:
		return "initializing"
	case StatusReady:
		return "ready"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// State is a Status plus, for StatusError, the reason.
type State struct {
	Status  Status `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Address string `json:"address,omitempty"`
}

// EventType tells subscribers what an Event carries.
type EventType int

const (
	EventStateChanged EventType = iota
	EventConnectionEstablished
	EventError
	EventReading
	EventInitStep
)

func (t EventType) String() string {
	switch t {
	case EventStateChanged:
		return "state"
	case EventConnectionEstablished:
		return "connected"
	case EventError:
		return "error"
	case EventReading:
		return "reading"
	case EventInitStep:
		return "init"
	default:
		return "unknown"
	}
}

func (t EventType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// Event is a notification from the Controller.
type Event struct {
	Type     EventType     `json:"type"`
	State    State         `json:"state"`
	Reading  *Reading      `json:"reading,omitempty"`
	Init     InitState     `json:"-"`
	Err      error         `json:"-"`
	Latency  time.Duration `json:"-"`
	Attempts uint          `json:"-"`
	At       time.Time     `json:"at"`
}

// eventBufSize is the per subscriber queue. Slow subscribers lose events.
const eventBufSize = 64

type hub struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	next   int
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan Event)}
}

func (h *hub) subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan Event, eventBufSize)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// publish never blocks.
func (h *hub) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

package progress

import (
	"sync"
	"time"

	"github.com/crmsync/batch-engine/internal/domain"
)

const defaultBuffer = 16

// Event is one progress update of a sync session.
type Event struct {
	SessionID           string               `json:"sessionId"`
	Status              domain.SessionStatus `json:"status"`
	Stage               string               `json:"stage"`
	Progress            float64              `json:"progress"`
	RecordsProcessed    int                  `json:"recordsProcessed"`
	RecordsTotal        int                  `json:"recordsTotal"`
	EstimatedCompletion *time.Time           `json:"estimatedCompletion,omitempty"`
	Terminal            bool                 `json:"terminal"`
	At                  time.Time            `json:"at"`
}

// Hub fans progress events out to the subscribers of each session.
//
// Delivery never blocks a publisher: a subscriber that cannot keep up
// loses intermediate events (oldest first). The terminal event is always
// delivered and closes the session's channels.
type Hub struct {
	mu      sync.RWMutex
	topics  map[string]*topic
	buffer  int
}

type topic struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
	last   *Event
}

func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = defaultBuffer
	}

	return &Hub{
		topics: make(map[string]*topic),
		buffer: buffer,
	}
}

// Subscribe attaches to a session's event stream. The returned cancel
// function detaches without affecting the session itself. A subscriber
// joining mid-run immediately receives the latest known event; joining
// after the terminal event yields that event and a closed channel.
func (h *Hub) Subscribe(sessionID string) (<-chan Event, func()) {
	h.mu.Lock()
	t, ok := h.topics[sessionID]
	if !ok {
		t = &topic{subs: make(map[int]chan Event)}
		h.topics[sessionID] = t
	}
	h.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan Event, h.buffer)
	if t.last != nil {
		ch <- *t.last
	}
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if _, live := t.subs[id]; live {
			delete(t.subs, id)
			close(ch)
		}
	}

	return ch, cancel
}

// Publish delivers an event to every current subscriber of its session.
// When the event is terminal, the session's channels are closed after
// delivery and later publishes for the session are dropped.
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	t, ok := h.topics[e.SessionID]
	if !ok {
		t = &topic{subs: make(map[int]chan Event)}
		h.topics[e.SessionID] = t
	}
	h.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.last = &e

	for _, ch := range t.subs {
		send(ch, e)
	}

	if e.Terminal {
		t.closed = true
		for id, ch := range t.subs {
			delete(t.subs, id)
			close(ch)
		}
	}
}

// Forget drops a finished session's fan-out state. Safe to call for
// unknown sessions.
func (h *Hub) Forget(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.topics, sessionID)
}

// send enqueues without blocking; a full buffer sheds the oldest
// pending event so the latest state wins.
func send(ch chan Event, e Event) {
	for {
		select {
		case ch <- e:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

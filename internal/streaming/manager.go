// Package streaming fans research run events out to live subscribers and
// keeps a short per-run history so reconnecting clients can resume from the
// last sequence number they saw.
package streaming

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is one progress update from a research run.
type Event struct {
	RunID     string    `json:"run_id"`
	Type      string    `json:"type"`
	Stage     string    `json:"stage,omitempty"`
	QueryID   string    `json:"query_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
}

// Event types emitted by the research engine.
const (
	EventStageChanged    = "stage_changed"
	EventSearchStarted   = "search_started"
	EventSearchCompleted = "search_completed"
	EventSearchFailed    = "search_failed"
	EventRunCompleted    = "run_completed"
	EventRunFailed       = "run_failed"
)

// Marshal renders the event as JSON for SSE payloads.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Manager is an in-memory pub/sub hub keyed by run id. Sequence numbers are
// assigned at publish time under the lock, so per-run seqs are strictly
// increasing and the ring replay never interleaves out of order.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
}

// NewManager creates a hub whose per-run replay buffers hold up to capacity
// events each.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe registers a buffered channel for a run's events. The caller must
// drain it and call Unsubscribe when done.
func (m *Manager) Subscribe(runID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[runID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[runID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes a previously subscribed channel.
func (m *Manager) Unsubscribe(runID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs, ok := m.subscribers[runID]
	if !ok {
		return
	}
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	close(ch)
	if len(subs) == 0 {
		delete(m.subscribers, runID)
	}
}

// Publish assigns the event a sequence number, records it in the run's
// replay buffer and delivers it to subscribers. Slow subscribers drop
// events rather than block the publisher.
func (m *Manager) Publish(runID string, evt Event) Event {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	evt.RunID = runID

	m.mu.Lock()
	rg := m.history[runID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[runID] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)
	// Delivery happens under the lock: Subscribe and Unsubscribe mutate
	// the map concurrently, and Unsubscribe closes channels. The sends
	// are non-blocking, so holding the lock here cannot stall.
	for ch := range m.subscribers[runID] {
		select {
		case ch <- evt:
		default:
		}
	}
	m.mu.Unlock()
	return evt
}

// ReplaySince returns buffered events with Seq > since, oldest first.
// Best effort: events older than the buffer window are gone.
func (m *Manager) ReplaySince(runID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[runID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops the replay buffer for a finished run.
func (m *Manager) Forget(runID string) {
	m.mu.Lock()
	delete(m.history, runID)
	m.mu.Unlock()
}

type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

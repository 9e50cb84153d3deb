// Package events is an in-memory event hub feeding the /events stream and the
// watch TUI.
package events

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the host.
const (
	ListenerPoll      = "listener.poll"
	ListenerError     = "listener.error"
	ObjectCandidate   = "object.candidate"
	TriggerInvoked    = "trigger.invoked"
	TriggerSkipped    = "trigger.skipped"
	TriggerSucceeded  = "trigger.succeeded"
	TriggerFailed     = "trigger.failed"
	LeaseRenewed      = "lease.renewed"
	LeaseRenewFailed  = "lease.renew_failed"
	MessageCompleted  = "message.completed"
	MessageAbandoned  = "message.abandoned"
	MessagePoisoned   = "message.poisoned"
	TriggersReloaded  = "triggers.reloaded"
	CandidateNotified = "candidate.notified"
)

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Filter selects events by type prefix. An empty filter matches everything.
type Filter []string

// ParseFilter splits a comma separated list of type prefixes.
func ParseFilter(s string) Filter {
	var f Filter
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			f = append(f, p)
		}
	}
	return f
}

func (f Filter) Match(eventType string) bool {
	if len(f) == 0 {
		return true
	}
	for _, p := range f {
		if strings.HasPrefix(eventType, p) {
			return true
		}
	}
	return false
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// Hub fans events out to subscribers and keeps the most recent ones so a
// reconnecting client can catch up.
type Hub struct {
	seq     atomic.Int64
	dropped atomic.Int64

	mu      sync.Mutex
	backlog []Event
	limit   int
	subs    map[*subscriber]struct{}
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		backlog: make([]Event, 0, capacity),
		limit:   capacity,
		subs:    make(map[*subscriber]struct{}),
	}
}

// Publish records an event and delivers it to matching subscribers without
// blocking. A full subscriber buffer loses the event.
func (h *Hub) Publish(eventType string, data any) Event {
	ev := Event{
		ID:   h.seq.Add(1),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: encode(data),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.backlog) == h.limit {
		copy(h.backlog, h.backlog[1:])
		h.backlog = h.backlog[:h.limit-1]
	}
	h.backlog = append(h.backlog, ev)

	for s := range h.subs {
		if !s.filter.Match(eventType) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
	return ev
}

func encode(data any) json.RawMessage {
	if data == nil {
		return json.RawMessage(`{}`)
	}
	b, err := json.Marshal(data)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// Subscribe returns a channel of events matching filter and a cancel func
// that closes it. Cancel is idempotent.
func (h *Hub) Subscribe(filter ...string) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, 128), filter: Filter(filter)}

	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, s)
			close(s.ch)
			h.mu.Unlock()
		})
	}
}

// SnapshotSince returns buffered events with ID > lastID that match filter,
// oldest first.
func (h *Hub) SnapshotSince(lastID int64, filter ...string) []Event {
	f := Filter(filter)

	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Event
	for _, ev := range h.backlog {
		if ev.ID > lastID && f.Match(ev.Type) {
			out = append(out, ev)
		}
	}
	return out
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped reports how many deliveries were lost to full subscriber buffers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Package notify fans mailbox update events out to live sessions that have
// the mailbox selected.
package notify

import (
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/litongjava/tio-mail-wing/pkg/metrics"
	"github.com/litongjava/tio-mail-wing/store"
)

// Event announces a new instance in a mailbox.
type Event struct {
	MailboxID int64
	UID       imap.UID
	Flags     store.Flags
}

// Subscription receives the events of one mailbox. Events that do not fit
// in the buffer are dropped; the subscriber recovers by re-reading the
// mailbox.
type Subscription struct {
	C         <-chan Event
	ch        chan Event
	hub       *Hub
	mailboxID int64
	once      sync.Once
}

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() { s.hub.unsubscribe(s) })
}

// Hub tracks subscriptions per mailbox id.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int64]map[*Subscription]struct{}
	buffer int
}

// NewHub creates a hub whose subscriptions buffer up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		subs:   make(map[int64]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

func (h *Hub) Subscribe(mailboxID int64) *Subscription {
	ch := make(chan Event, h.buffer)
	sub := &Subscription{C: ch, ch: ch, hub: h, mailboxID: mailboxID}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[mailboxID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[mailboxID] = set
	}
	set[sub] = struct{}{}
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sub.mailboxID]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.mailboxID)
	}
}

// Publish delivers ev to every subscriber of its mailbox without blocking
// and returns the number of subscribers reached.
func (h *Hub) Publish(ev Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for sub := range h.subs[ev.MailboxID] {
		select {
		case sub.ch <- ev:
			delivered++
			metrics.NotificationsPublished.WithLabelValues("delivered").Inc()
		default:
			metrics.NotificationsPublished.WithLabelValues("dropped").Inc()
		}
	}
	return delivered
}

// Subscribers returns the number of live subscriptions for a mailbox.
func (h *Hub) Subscribers(mailboxID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[mailboxID])
}

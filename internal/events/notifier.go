// Package events is the in-process change hub. Board mutations publish here
// and every push connection on the same instance subscribes.
package events

import (
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/boardsync/internal/domain"
	"github.com/gosuda/boardsync/internal/metrics"
)

// DefaultBuffer is the per-subscriber queue depth.
const DefaultBuffer = 64

// Subscription yields matching events on C until it is unsubscribed, at
// which point C is closed.
type Subscription struct {
	C <-chan domain.Event

	ch     chan domain.Event
	kinds  []domain.EventKind
	closed bool
}

func (s *Subscription) wants(kind domain.EventKind) bool {
	return len(s.kinds) == 0 || slices.Contains(s.kinds, kind)
}

// Notifier fans events out to subscribers. Publish delivers to every
// subscriber registered before the call, in publish order. Delivery never
// blocks: a subscriber whose buffer is full misses the event.
type Notifier struct {
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	buffer  int
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewNotifier creates a Notifier with the given per-subscriber buffer.
// buffer <= 0 selects DefaultBuffer.
func NewNotifier(buffer int, m *metrics.Metrics) *Notifier {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Notifier{
		subs:    make(map[*Subscription]struct{}),
		buffer:  buffer,
		metrics: m,
		logger:  log.With().Str("component", "events").Logger(),
	}
}

// Publish delivers ev to every live subscriber interested in ev.Type.
func (n *Notifier) Publish(ev domain.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.metrics.EventPublished(string(ev.Type))
	for sub := range n.subs {
		if !sub.wants(ev.Type) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			n.metrics.EventDropped()
			n.logger.Warn().Str("kind", string(ev.Type)).Msg("subscriber buffer full, event dropped")
		}
	}
}

// Subscribe registers a subscriber for kinds. No kinds means every kind.
func (n *Notifier) Subscribe(kinds ...domain.EventKind) *Subscription {
	ch := make(chan domain.Event, n.buffer)
	sub := &Subscription{C: ch, ch: ch, kinds: slices.Clone(kinds)}

	n.mu.Lock()
	n.subs[sub] = struct{}{}
	n.mu.Unlock()

	return sub
}

// Unsubscribe removes sub and closes its channel. Calling it more than once
// is a no-op.
func (n *Notifier) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if sub.closed {
		return
	}
	sub.closed = true
	delete(n.subs, sub)
	close(sub.ch)
}

// SubscriberCount returns the number of live subscribers.
func (n *Notifier) SubscriberCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

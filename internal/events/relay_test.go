package events_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/boardsync/internal/domain"
	"github.com/gosuda/boardsync/internal/events"
)

// ---------------------------------------------------------------------------
// In-memory broker
// ---------------------------------------------------------------------------

type memBroker struct {
	mu   sync.Mutex
	subs map[string][]chan []byte
}

func newMemBroker() *memBroker {
	return &memBroker{subs: make(map[string][]chan []byte)}
}

func (b *memBroker) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[channel] {
		ch <- payload
	}
	return nil
}

func (b *memBroker) Subscribe(_ context.Context, channel string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()
	return ch, func() {}, nil
}

type failingBroker struct{}

func (failingBroker) Publish(context.Context, string, []byte) error { return nil }
func (failingBroker) Subscribe(context.Context, string) (<-chan []byte, func(), error) {
	return nil, nil, errors.New("connection refused")
}

type countingInvalidator struct{ n atomic.Int32 }

func (c *countingInvalidator) Invalidate() { c.n.Add(1) }

func startRelay(t *testing.T, r *events.Relay, n *events.Notifier) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool { return n.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestRelay_CrossInstanceDelivery(t *testing.T) {
	t.Parallel()

	broker := newMemBroker()

	nA := events.NewNotifier(0, nil)
	nB := events.NewNotifier(0, nil)
	invA := &countingInvalidator{}
	invB := &countingInvalidator{}

	startRelay(t, events.NewRelay(nA, broker, "board", "instance-a", invA), nA)
	startRelay(t, events.NewRelay(nB, broker, "board", "instance-b", invB), nB)

	subA := nA.Subscribe()
	subB := nB.Subscribe()

	nA.Publish(domain.Event{Type: domain.EventTicketCreated, TicketID: 1})
	nA.Publish(domain.Event{Type: domain.EventBoardUpdated, Version: 1})

	// Local subscriber sees its own events once, without an echo.
	assert.Equal(t, domain.EventTicketCreated, recv(t, subA).Type)
	assert.Equal(t, domain.EventBoardUpdated, recv(t, subA).Type)

	first := recv(t, subB)
	assert.Equal(t, domain.EventTicketCreated, first.Type)
	assert.Equal(t, "instance-a", first.Origin)
	second := recv(t, subB)
	assert.Equal(t, domain.EventBoardUpdated, second.Type)
	assert.Equal(t, int64(1), second.Version)

	assert.Eventually(t, func() bool { return invB.n.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), invA.n.Load())

	time.Sleep(20 * time.Millisecond)
	assertEmpty(t, subA)
	assertEmpty(t, subB)
}

func TestRelay_IgnoresMalformedPayload(t *testing.T) {
	t.Parallel()

	broker := newMemBroker()
	n := events.NewNotifier(0, nil)
	startRelay(t, events.NewRelay(n, broker, "board", "instance-a", nil), n)

	sub := n.Subscribe()
	require.NoError(t, broker.Publish(context.Background(), "board", []byte("not json")))
	require.NoError(t, broker.Publish(context.Background(), "board",
		[]byte(`{"type":"board-updated","version":4,"origin":"instance-z","timestamp":"2026-01-01T00:00:00Z"}`)))

	ev := recv(t, sub)
	assert.Equal(t, domain.EventBoardUpdated, ev.Type)
	assert.Equal(t, int64(4), ev.Version)
}

func TestRelay_SubscribeError(t *testing.T) {
	t.Parallel()

	n := events.NewNotifier(0, nil)
	err := events.NewRelay(n, failingBroker{}, "board", "instance-a", nil).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "events.Relay.Run")
	assert.Equal(t, 0, n.SubscriberCount())
}

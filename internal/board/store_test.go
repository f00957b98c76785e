package board_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/boardsync/internal/board"
	"github.com/gosuda/boardsync/internal/clock"
	"github.com/gosuda/boardsync/internal/domain"
	"github.com/gosuda/boardsync/internal/events"
	"github.com/gosuda/boardsync/internal/store/memory"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

var errUnreachable = errors.New("connection refused")

// flakyBlobs wraps a BlobStore with switchable failures and call counters.
type flakyBlobs struct {
	domain.BlobStore
	failList atomic.Bool
	failPut  atomic.Bool
	lists    atomic.Int32
	puts     atomic.Int32
}

func (f *flakyBlobs) List(ctx context.Context, prefix string) ([]domain.BlobObject, error) {
	f.lists.Add(1)
	if f.failList.Load() {
		return nil, errUnreachable
	}
	return f.BlobStore.List(ctx, prefix)
}

func (f *flakyBlobs) Put(ctx context.Context, key string, data []byte) (domain.BlobObject, error) {
	f.puts.Add(1)
	if f.failPut.Load() {
		return domain.BlobObject{}, errUnreachable
	}
	return f.BlobStore.Put(ctx, key, data)
}

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Publish(ev domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds() []domain.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	store   *board.Store
	blobs   *flakyBlobs
	counter *memory.Counter
	clock   *clock.FakeClock
	events  *recorder
}

var epoch = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clk := clock.Fake(epoch)
	blobs := &flakyBlobs{BlobStore: memory.NewBlobStore(clk)}
	counter := memory.NewCounter()
	rec := &recorder{}

	return &fixture{
		store:   board.New(blobs, counter, rec, board.Options{Staleness: 30 * time.Second, Clock: clk}),
		blobs:   blobs,
		counter: counter,
		clock:   clk,
		events:  rec,
	}
}

// ---------------------------------------------------------------------------
// Read
// ---------------------------------------------------------------------------

func TestStore_ReadEmpty(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	st := f.store.Read(context.Background(), false)

	assert.Empty(t, st.Tickets)
	assert.NotNil(t, st.Tickets)
	assert.Equal(t, int64(1), st.NextID)
	assert.Equal(t, int64(0), st.Version)
}

func TestStore_ReadCachedWithinStaleness(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	_, err := f.store.CreateTicket(ctx, "a", "b")
	require.NoError(t, err)
	f.store.Invalidate()

	first := f.store.Read(ctx, false)
	lists := f.blobs.lists.Load()

	f.clock.Advance(29 * time.Second)
	second := f.store.Read(ctx, false)

	assert.Equal(t, first, second)
	assert.Equal(t, lists, f.blobs.lists.Load(), "cached read must not touch storage")

	f.clock.Advance(time.Second)
	f.store.Read(ctx, false)
	assert.Equal(t, lists+1, f.blobs.lists.Load(), "expired cache must refresh")

	f.store.Read(ctx, true)
	assert.Equal(t, lists+2, f.blobs.lists.Load(), "forced read must refresh")
}

func TestStore_ReadDegradesOnBackingStoreError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("no cache serves empty board", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.blobs.failList.Store(true)

		st := f.store.Read(ctx, true)
		assert.Equal(t, domain.EmptyBoard(), st)
	})

	t.Run("cache is served when refresh fails", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		_, err := f.store.CreateTicket(ctx, "kept", "while offline")
		require.NoError(t, err)

		f.blobs.failList.Store(true)
		st := f.store.Read(ctx, true)
		require.Len(t, st.Tickets, 1)
		assert.Equal(t, "kept", st.Tickets[0].Title)
	})
}

func TestStore_ReadLegacySnapshotDefaultsToVersionOne(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	legacy, err := json.Marshal(map[string]any{
		"tickets": []domain.Ticket{{ID: 4, Title: "old", Description: "pre-version", Status: domain.TicketStatusDone}},
		"nextId":  2,
	})
	require.NoError(t, err)
	_, err = f.blobs.BlobStore.Put(ctx, board.DefaultKeyPrefix+"legacy.json", legacy)
	require.NoError(t, err)

	st := f.store.Read(ctx, true)
	assert.Equal(t, int64(1), st.Version)
	assert.Equal(t, int64(5), st.NextID, "nextId must stay ahead of existing ids")
}

func TestStore_ReadPrefersCounter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	_, err := f.store.CreateTicket(ctx, "a", "b")
	require.NoError(t, err)

	// Another instance bumped the counter.
	require.NoError(t, f.counter.Set(ctx, 9))

	assert.Equal(t, int64(9), f.store.Read(ctx, true).Version)
}

// ---------------------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------------------

func TestStore_Scenario(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	created, err := f.store.CreateTicket(ctx, "Fix bug", "NPE on save")
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.ID)
	assert.Equal(t, domain.TicketStatusTodo, created.Status)
	assert.Equal(t, int64(1), f.store.Read(ctx, false).Version)

	status := domain.TicketStatusInProgress
	updated, err := f.store.UpdateTicket(ctx, 1, domain.TicketPatch{Status: &status})
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.ID)
	assert.Equal(t, domain.TicketStatusInProgress, updated.Status)
	assert.Equal(t, "Fix bug", updated.Title)
	assert.Equal(t, "NPE on save", updated.Description)
	assert.Equal(t, int64(2), f.store.Read(ctx, false).Version)

	ok, err := f.store.DeleteTicket(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(3), f.store.Read(ctx, false).Version)

	_, err = f.store.GetTicket(ctx, 1)
	require.ErrorIs(t, err, domain.ErrNotFound)

	v, set, err := f.counter.Get(ctx)
	require.NoError(t, err)
	assert.True(t, set)
	assert.Equal(t, int64(3), v)
}

func TestStore_NoOpMutationsKeepVersion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	created, err := f.store.CreateTicket(ctx, "title", "desc")
	require.NoError(t, err)
	puts := f.blobs.puts.Load()
	events := len(f.events.kinds())

	tests := []struct {
		name string
		run  func() error
	}{
		{"update missing", func() error {
			title := "x"
			_, err := f.store.UpdateTicket(ctx, 99, domain.TicketPatch{Title: &title})
			if !errors.Is(err, domain.ErrNotFound) {
				return err
			}
			return nil
		}},
		{"delete missing", func() error {
			ok, err := f.store.DeleteTicket(ctx, 99)
			assert.False(t, ok)
			return err
		}},
		{"update to same values", func() error {
			title := created.Title
			got, err := f.store.UpdateTicket(ctx, created.ID, domain.TicketPatch{Title: &title})
			assert.Equal(t, created, got)
			return err
		}},
		{"empty patch", func() error {
			_, err := f.store.UpdateTicket(ctx, created.ID, domain.TicketPatch{})
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.run())
			assert.Equal(t, int64(1), f.store.Read(ctx, true).Version)
		})
	}

	assert.Equal(t, puts, f.blobs.puts.Load(), "no-op mutations must not persist")
	assert.Len(t, f.events.kinds(), events, "no-op mutations must not publish")
}

func TestStore_NextIDNeverReused(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	for range 4 {
		_, err := f.store.CreateTicket(ctx, "t", "d")
		require.NoError(t, err)
	}
	for _, id := range []int64{2, 4} {
		ok, err := f.store.DeleteTicket(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
	}

	next, err := f.store.CreateTicket(ctx, "t", "d")
	require.NoError(t, err)
	assert.Equal(t, int64(5), next.ID)

	st := f.store.Read(ctx, true)
	ids := make([]int64, 0, len(st.Tickets))
	for _, tk := range st.Tickets {
		ids = append(ids, tk.ID)
	}
	assert.Equal(t, []int64{1, 3, 5}, ids, "insertion order is preserved")
	assert.Equal(t, int64(7), st.Version)
}

func TestStore_UpdateRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	created, err := f.store.CreateTicket(ctx, "title", "desc")
	require.NoError(t, err)

	// Clock has not moved: updatedAt must still advance.
	done := domain.TicketStatusDone
	_, err = f.store.UpdateTicket(ctx, created.ID, domain.TicketPatch{Status: &done})
	require.NoError(t, err)

	got, ok := f.store.Read(ctx, true).Ticket(created.ID)
	require.True(t, ok)
	assert.Equal(t, domain.TicketStatusDone, got.Status)
	assert.True(t, got.UpdatedAt.After(created.UpdatedAt))
	assert.Equal(t, created.CreatedAt, got.CreatedAt)
	assert.Equal(t, "title", got.Title)
	assert.Equal(t, "desc", got.Description)
}

func TestStore_Validation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	_, err := f.store.CreateTicket(ctx, "", "desc")
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.store.CreateTicket(ctx, "title", "  ")
	require.ErrorIs(t, err, domain.ErrValidation)

	bad := domain.TicketStatus("blocked")
	_, err = f.store.UpdateTicket(ctx, 1, domain.TicketPatch{Status: &bad})
	require.ErrorIs(t, err, domain.ErrValidation)

	assert.Zero(t, f.blobs.lists.Load(), "validation happens before any storage access")
}

func TestStore_PersistFailureIsNotApplied(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	_, err := f.store.CreateTicket(ctx, "first", "ok")
	require.NoError(t, err)
	published := len(f.events.kinds())

	f.blobs.failPut.Store(true)
	_, err = f.store.CreateTicket(ctx, "second", "lost")
	require.Error(t, err)
	require.ErrorIs(t, err, errUnreachable)

	st := f.store.Read(ctx, false)
	assert.Len(t, st.Tickets, 1)
	assert.Equal(t, int64(1), st.Version)
	assert.Len(t, f.events.kinds(), published)
}

func TestStore_MutateRefusesWhenStorageUnreadable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	_, err := f.store.CreateTicket(ctx, "first", "ok")
	require.NoError(t, err)
	puts := f.blobs.puts.Load()

	f.blobs.failList.Store(true)
	_, err = f.store.CreateTicket(ctx, "second", "would clobber")
	require.ErrorIs(t, err, domain.ErrBackingStoreUnavailable)
	assert.Equal(t, puts, f.blobs.puts.Load())
}

func TestStore_MutateReadsFreshState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := clock.Fake(epoch)
	blobs := memory.NewBlobStore(clk)
	counter := memory.NewCounter()

	a := board.New(blobs, counter, nil, board.Options{Clock: clk})
	b := board.New(blobs, counter, nil, board.Options{Clock: clk})

	_, err := a.CreateTicket(ctx, "from a", "x")
	require.NoError(t, err)
	require.Empty(t, b.Read(ctx, false).Tickets, "b has not observed a's write yet")

	// b's cache is stale relative to storage but its mutation must see a's ticket.
	clk.Advance(time.Millisecond)
	created, err := b.CreateTicket(ctx, "from b", "y")
	require.NoError(t, err)
	assert.Equal(t, int64(2), created.ID)

	st := a.Read(ctx, true)
	assert.Len(t, st.Tickets, 2)
	assert.Equal(t, int64(2), st.Version)
}

func TestStore_PublishOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	created, err := f.store.CreateTicket(ctx, "a", "b")
	require.NoError(t, err)
	done := domain.TicketStatusDone
	_, err = f.store.UpdateTicket(ctx, created.ID, domain.TicketPatch{Status: &done})
	require.NoError(t, err)
	_, err = f.store.DeleteTicket(ctx, created.ID)
	require.NoError(t, err)

	assert.Equal(t, []domain.EventKind{
		domain.EventTicketCreated, domain.EventBoardUpdated,
		domain.EventTicketUpdated, domain.EventBoardUpdated,
		domain.EventTicketDeleted, domain.EventBoardUpdated,
	}, f.events.kinds())

	f.events.mu.Lock()
	last := f.events.events[len(f.events.events)-1]
	f.events.mu.Unlock()
	require.NotNil(t, last.Board)
	assert.Equal(t, int64(3), last.Board.Version)
	assert.Equal(t, int64(3), last.Version)
}

func TestStore_GenericMutate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	st, err := f.store.Mutate(ctx, func(b *domain.BoardState) error {
		b.Tickets = append(b.Tickets, domain.Ticket{ID: b.NextID, Title: "bulk", Description: "import", Status: domain.TicketStatusTodo})
		b.NextID++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Version)
	assert.Equal(t, []domain.EventKind{domain.EventBoardUpdated}, f.events.kinds())

	_, err = f.store.Mutate(ctx, func(*domain.BoardState) error { return domain.ErrNoChange })
	require.ErrorIs(t, err, domain.ErrNoChange)
	assert.Equal(t, int64(1), f.store.Read(ctx, true).Version)
}

func TestStore_ConcurrentCreatesAreSerialized(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := clock.Fake(epoch)
	n := events.NewNotifier(256, nil)
	s := board.New(memory.NewBlobStore(clk), memory.NewCounter(), n, board.Options{Clock: clk})

	const writers = 20
	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateTicket(ctx, "t", "d")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	st := s.Read(ctx, true)
	assert.Len(t, st.Tickets, writers)
	assert.Equal(t, int64(writers), st.Version)
	assert.Equal(t, int64(writers+1), st.NextID)
}

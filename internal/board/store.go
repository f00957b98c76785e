// Package board holds the versioned board store: the per-instance cache over
// durable snapshots and the external version counter.
package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/boardsync/internal/clock"
	"github.com/gosuda/boardsync/internal/domain"
	"github.com/gosuda/boardsync/internal/metrics"
)

const (
	DefaultStaleness = 30 * time.Second
	DefaultKeyPrefix = "board-state-"
)

// Publisher receives change events after a mutation is persisted.
type Publisher interface {
	Publish(ev domain.Event)
}

type Options struct {
	// Staleness is the maximum age of a cached read. Zero selects DefaultStaleness.
	Staleness time.Duration
	// KeyPrefix names snapshot blobs. Empty selects DefaultKeyPrefix.
	KeyPrefix string
	Clock     clock.Clock
	Metrics   *metrics.Metrics
}

// Store is the VersionedBoardStore. Reads are served from a cache no older
// than the staleness window; every mutation re-reads durable storage first and
// runs under a per-instance lock.
type Store struct {
	blobs     domain.BlobStore
	counter   domain.VersionCounter
	publisher Publisher
	clock     clock.Clock
	staleness time.Duration
	prefix    string
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	mutateMu sync.Mutex

	mu     sync.Mutex
	cached *domain.BoardState
	readAt time.Time
}

func New(blobs domain.BlobStore, counter domain.VersionCounter, pub Publisher, opts Options) *Store {
	if opts.Staleness <= 0 {
		opts.Staleness = DefaultStaleness
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Store{
		blobs:     blobs,
		counter:   counter,
		publisher: pub,
		clock:     opts.Clock,
		staleness: opts.Staleness,
		prefix:    opts.KeyPrefix,
		metrics:   opts.Metrics,
		logger:    log.With().Str("component", "board").Logger(),
	}
}

// Read returns the board. With forceFresh false a cache entry younger than
// the staleness window is returned as is. Backing-store failures never reach
// the caller: the last cached state is served, or an empty board if nothing
// was ever read.
func (s *Store) Read(ctx context.Context, forceFresh bool) domain.BoardState {
	if !forceFresh {
		if st, ok := s.fresh(); ok {
			s.metrics.CacheRead("hit")
			return st
		}
	}

	st, err := s.load(ctx)
	if err != nil {
		s.metrics.CacheRead("error")
		s.logger.Error().Err(err).Msg("load board state, serving degraded state")

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.cached != nil {
			return s.cached.Clone()
		}
		return domain.EmptyBoard()
	}

	s.metrics.CacheRead("miss")
	s.remember(st)
	return st.Clone()
}

// Invalidate drops the cache so the next Read goes to durable storage.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

// Mutate applies fn to a freshly read board, persists the result, and bumps
// the version. If fn returns an error nothing is written and the error is
// returned with the current state. Only board-updated is published.
func (s *Store) Mutate(ctx context.Context, fn func(b *domain.BoardState) error) (domain.BoardState, error) {
	return s.apply(ctx, func(b *domain.BoardState) (domain.Event, error) {
		return domain.Event{}, fn(b)
	})
}

// CreateTicket appends a todo ticket with the next id.
func (s *Store) CreateTicket(ctx context.Context, title, description string) (domain.Ticket, error) {
	if err := domain.ValidateNewTicket(title, description); err != nil {
		return domain.Ticket{}, fmt.Errorf("board.Store.CreateTicket: %w", err)
	}

	var created domain.Ticket
	_, err := s.apply(ctx, func(b *domain.BoardState) (domain.Event, error) {
		now := s.clock.Now()
		created = domain.Ticket{
			ID:          b.NextID,
			Title:       title,
			Description: description,
			Status:      domain.TicketStatusTodo,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		b.Tickets = append(b.Tickets, created)
		b.NextID++

		t := created
		return domain.Event{Type: domain.EventTicketCreated, Ticket: &t, TicketID: t.ID}, nil
	})
	if err != nil {
		return domain.Ticket{}, fmt.Errorf("board.Store.CreateTicket: %w", err)
	}
	return created, nil
}

// GetTicket looks a ticket up in the (possibly cached) board.
func (s *Store) GetTicket(ctx context.Context, id int64) (domain.Ticket, error) {
	t, ok := s.Read(ctx, false).Ticket(id)
	if !ok {
		return domain.Ticket{}, fmt.Errorf("board.Store.GetTicket: ticket %d: %w", id, domain.ErrNotFound)
	}
	return t, nil
}

// UpdateTicket applies patch to the ticket. A patch that changes nothing
// returns the ticket unchanged without a version bump.
func (s *Store) UpdateTicket(ctx context.Context, id int64, patch domain.TicketPatch) (domain.Ticket, error) {
	if err := patch.Validate(); err != nil {
		return domain.Ticket{}, fmt.Errorf("board.Store.UpdateTicket: %w", err)
	}

	var updated domain.Ticket
	cur, err := s.apply(ctx, func(b *domain.BoardState) (domain.Event, error) {
		i := b.Index(id)
		if i < 0 {
			return domain.Event{}, fmt.Errorf("ticket %d: %w", id, domain.ErrNotFound)
		}

		t := b.Tickets[i]
		if !patch.Apply(&t) {
			return domain.Event{}, domain.ErrNoChange
		}
		t.UpdatedAt = laterThan(t.UpdatedAt, s.clock.Now())
		b.Tickets[i] = t
		updated = t

		return domain.Event{Type: domain.EventTicketUpdated, Ticket: &t, TicketID: t.ID}, nil
	})
	switch {
	case errors.Is(err, domain.ErrNoChange):
		t, _ := cur.Ticket(id)
		return t, nil
	case err != nil:
		return domain.Ticket{}, fmt.Errorf("board.Store.UpdateTicket: %w", err)
	}
	return updated, nil
}

// DeleteTicket removes the ticket. It reports false, without a version bump,
// when no such ticket exists.
func (s *Store) DeleteTicket(ctx context.Context, id int64) (bool, error) {
	_, err := s.apply(ctx, func(b *domain.BoardState) (domain.Event, error) {
		i := b.Index(id)
		if i < 0 {
			return domain.Event{}, fmt.Errorf("ticket %d: %w", id, domain.ErrNotFound)
		}
		b.Tickets = slices.Delete(b.Tickets, i, i+1)
		return domain.Event{Type: domain.EventTicketDeleted, TicketID: id}, nil
	})
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("board.Store.DeleteTicket: %w", err)
	}
	return true, nil
}

func (s *Store) apply(ctx context.Context, fn func(b *domain.BoardState) (domain.Event, error)) (domain.BoardState, error) {
	s.mutateMu.Lock()
	defer s.mutateMu.Unlock()

	cur, err := s.load(ctx)
	if err != nil {
		s.metrics.Mutation("failed")
		return domain.BoardState{}, err
	}
	s.remember(cur)

	next := cur.Clone()
	ev, err := fn(&next)
	if err != nil {
		s.metrics.Mutation("noop")
		return cur.Clone(), err
	}
	next.Normalize()
	next.Version = cur.Version + 1

	if err := s.persist(ctx, next); err != nil {
		s.metrics.Mutation("failed")
		return domain.BoardState{}, err
	}
	if err := s.counter.Set(ctx, next.Version); err != nil {
		s.logger.Warn().Err(err).Int64("version", next.Version).Msg("set version counter")
	}
	s.remember(next)
	s.metrics.Mutation("applied")

	if s.publisher != nil {
		now := s.clock.Now()
		if ev.Type != "" {
			ev.Version = next.Version
			ev.Timestamp = now
			s.publisher.Publish(ev)
		}
		snapshot := next.Clone()
		s.publisher.Publish(domain.Event{
			Type:      domain.EventBoardUpdated,
			Board:     &snapshot,
			Version:   next.Version,
			Timestamp: now,
		})
	}

	return next.Clone(), nil
}

func (s *Store) load(ctx context.Context) (domain.BoardState, error) {
	objs, err := s.blobs.List(ctx, s.prefix)
	if err != nil {
		return domain.BoardState{}, fmt.Errorf("board.Store.load: list: %w: %w", domain.ErrBackingStoreUnavailable, err)
	}

	st := domain.EmptyBoard()
	latest, found := domain.LatestBlob(objs)
	if found {
		data, err := s.blobs.Fetch(ctx, latest)
		if err != nil {
			return domain.BoardState{}, fmt.Errorf("board.Store.load: fetch %s: %w: %w", latest.Key, domain.ErrBackingStoreUnavailable, err)
		}
		if err := json.Unmarshal(data, &st); err != nil {
			return domain.BoardState{}, fmt.Errorf("board.Store.load: decode %s: %w: %w", latest.Key, domain.ErrBackingStoreUnavailable, err)
		}
		st.Normalize()
	}

	value, ok, err := s.counter.Get(ctx)
	if err != nil {
		return domain.BoardState{}, fmt.Errorf("board.Store.load: counter: %w: %w", domain.ErrBackingStoreUnavailable, err)
	}
	switch {
	case ok:
		st.Version = max(value, st.Version)
	case st.Version > 0:
	case found:
		// Snapshot written before versioning existed.
		st.Version = 1
	default:
		st.Version = 0
	}

	return st, nil
}

func (s *Store) persist(ctx context.Context, st domain.BoardState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("board.Store.persist: encode: %w", err)
	}

	id := ulid.MustNew(ulid.Timestamp(s.clock.Now()), ulid.DefaultEntropy())
	key := s.prefix + id.String() + ".json"
	if _, err := s.blobs.Put(ctx, key, data); err != nil {
		return fmt.Errorf("board.Store.persist: put %s: %w", key, err)
	}
	return nil
}

func (s *Store) fresh() (domain.BoardState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached == nil || s.clock.Now().Sub(s.readAt) >= s.staleness {
		return domain.BoardState{}, false
	}
	return s.cached.Clone(), true
}

func (s *Store) remember(st domain.BoardState) {
	c := st.Clone()

	s.mu.Lock()
	s.cached = &c
	s.readAt = s.clock.Now()
	s.mu.Unlock()
}

// laterThan keeps updatedAt strictly increasing even when the clock has not
// advanced since the previous write.
func laterThan(prev, now time.Time) time.Time {
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Millisecond)
}

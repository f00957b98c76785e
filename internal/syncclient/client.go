// Package syncclient keeps a local copy of the board converged with the
// server. It follows the push stream while it can, backs off exponentially
// when the stream fails, and falls back to conditional polling after too many
// failures.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/boardsync/internal/clock"
	"github.com/gosuda/boardsync/internal/domain"
)

const (
	DefaultBackoffBase   = time.Second
	DefaultBackoffCap    = 30 * time.Second
	DefaultMaxAttempts   = 10
	DefaultPollInterval  = 20 * time.Second
	DefaultSettleDelay   = 500 * time.Millisecond
	DefaultProbeInterval = 5 * time.Minute
)

type Mode int

const (
	ModeIdle Mode = iota
	ModePush
	ModePoll
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModePush:
		return "push"
	case ModePoll:
		return "poll"
	default:
		return "mode(" + strconv.Itoa(int(m)) + ")"
	}
}

type Options struct {
	// BaseURL is the server root, e.g. http://localhost:8080.
	BaseURL    string
	HTTPClient *http.Client
	Clock      clock.Clock

	BackoffBase   time.Duration
	BackoffCap    time.Duration
	MaxAttempts   int
	PollInterval  time.Duration
	SettleDelay   time.Duration
	ProbeInterval time.Duration

	// OnChange is called with a copy of the board whenever local state changes.
	OnChange func(domain.BoardState)
}

func (o *Options) setDefaults() {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = DefaultBackoffCap
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = DefaultSettleDelay
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = DefaultProbeInterval
	}
}

// StatusError is a non-success response from the server.
type StatusError struct {
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Detail)
}

func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusBadRequest:
		return domain.ErrValidation
	default:
		return nil
	}
}

// Client is one synchronizing observer of the board. Only one of the push
// stream and the poll fallback is active at a time.
type Client struct {
	opts   Options
	base   *url.URL
	logger zerolog.Logger

	mu       sync.Mutex
	ctx      context.Context
	state    domain.BoardState
	mode     Mode
	attempt  int
	visible  bool
	gen      int
	cancel   context.CancelFunc
	retry    *clock.Timer
	poll     *clock.Timer
	probe    *clock.Timer
	settle   *clock.Timer
	onChange func(domain.BoardState)
}

func New(opts Options) (*Client, error) {
	opts.setDefaults()

	base, err := url.Parse(strings.TrimSuffix(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("syncclient.New: invalid base url %q", opts.BaseURL)
	}

	return &Client{
		opts:     opts,
		base:     base,
		logger:   log.With().Str("component", "syncclient").Logger(),
		ctx:      context.Background(),
		state:    domain.EmptyBoard(),
		visible:  true,
		onChange: opts.OnChange,
	}, nil
}

// State returns a copy of the local board.
func (c *Client) State() domain.BoardState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

func (c *Client) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Attempt is the number of consecutive failed stream connections.
func (c *Client) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Run loads the board, opens the push stream, and keeps the board in sync
// until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	if err := c.Refresh(ctx, false); err != nil {
		c.logger.Warn().Err(err).Msg("initial load")
	}
	c.connect()

	<-ctx.Done()

	c.mu.Lock()
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	stopTimer(&c.retry)
	stopTimer(&c.poll)
	stopTimer(&c.probe)
	stopTimer(&c.settle)
	c.mode = ModeIdle
	c.ctx = context.Background()
	c.mu.Unlock()

	return nil
}

// SetVisible pauses (false) or resumes (true) polling. Becoming visible
// fetches immediately.
func (c *Client) SetVisible(visible bool) {
	c.mu.Lock()
	was := c.visible
	c.visible = visible
	ctx := c.ctx
	c.mu.Unlock()

	if visible && !was {
		if err := c.Refresh(ctx, false); err != nil {
			c.logger.Warn().Err(err).Msg("refresh on visible")
		}
	}
}

// Refresh fetches the board. Without force the request carries the local
// version and a 304 leaves local state untouched; with force the server is
// asked to bypass its cache.
func (c *Client) Refresh(ctx context.Context, force bool) error {
	c.mu.Lock()
	version := c.state.Version
	c.mu.Unlock()

	q := url.Values{}
	switch {
	case force:
		q.Set("t", strconv.FormatInt(c.opts.Clock.Now().UnixMilli(), 10))
	case version > 0:
		q.Set("version", strconv.FormatInt(version, 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/tickets", q), nil)
	if err != nil {
		return fmt.Errorf("syncclient.Client.Refresh: %w", err)
	}
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("syncclient.Client.Refresh: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return nil
	case http.StatusOK:
	default:
		return fmt.Errorf("syncclient.Client.Refresh: %w", statusError(resp))
	}

	var st domain.BoardState
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("syncclient.Client.Refresh: decode: %w", err)
	}
	st.Normalize()
	c.replace(st)
	return nil
}

// ---------------------------------------------------------------------------
// Optimistic mutations
// ---------------------------------------------------------------------------

// CreateTicket shows the ticket locally before the server confirms it. On
// failure the board is re-fetched instead of undoing the local edit.
func (c *Client) CreateTicket(ctx context.Context, title, description string) (domain.Ticket, error) {
	now := c.opts.Clock.Now()
	provisional := c.edit(func(b *domain.BoardState) int64 {
		id := b.NextID
		b.Tickets = append(b.Tickets, domain.Ticket{
			ID: id, Title: title, Description: description,
			Status: domain.TicketStatusTodo, CreatedAt: now, UpdatedAt: now,
		})
		b.NextID++
		return id
	})

	var created domain.Ticket
	body := map[string]string{"title": title, "description": description}
	if err := c.do(ctx, http.MethodPost, "/api/tickets", body, &created); err != nil {
		return domain.Ticket{}, c.recover(ctx, fmt.Errorf("syncclient.Client.CreateTicket: %w", err))
	}

	c.edit(func(b *domain.BoardState) int64 {
		if i := b.Index(provisional); i >= 0 {
			b.Tickets[i] = created
		} else {
			b.Tickets = append(b.Tickets, created)
		}
		b.NextID = max(b.NextID, created.ID+1)
		return created.ID
	})
	c.scheduleSettle()
	return created, nil
}

func (c *Client) UpdateTicket(ctx context.Context, id int64, patch domain.TicketPatch) (domain.Ticket, error) {
	c.edit(func(b *domain.BoardState) int64 {
		if i := b.Index(id); i >= 0 {
			patch.Apply(&b.Tickets[i])
		}
		return id
	})

	var updated domain.Ticket
	if err := c.do(ctx, http.MethodPut, "/api/tickets/"+strconv.FormatInt(id, 10), patch, &updated); err != nil {
		return domain.Ticket{}, c.recover(ctx, fmt.Errorf("syncclient.Client.UpdateTicket: %w", err))
	}

	c.edit(func(b *domain.BoardState) int64 {
		if i := b.Index(id); i >= 0 {
			b.Tickets[i] = updated
		}
		return id
	})
	c.scheduleSettle()
	return updated, nil
}

func (c *Client) DeleteTicket(ctx context.Context, id int64) error {
	c.edit(func(b *domain.BoardState) int64 {
		if i := b.Index(id); i >= 0 {
			b.Tickets = slices.Delete(b.Tickets, i, i+1)
		}
		return id
	})

	if err := c.do(ctx, http.MethodDelete, "/api/tickets/"+strconv.FormatInt(id, 10), nil, nil); err != nil {
		return c.recover(ctx, fmt.Errorf("syncclient.Client.DeleteTicket: %w", err))
	}
	c.scheduleSettle()
	return nil
}

// recover discards optimistic edits by re-deriving state from the server.
func (c *Client) recover(ctx context.Context, cause error) error {
	if err := c.Refresh(ctx, true); err != nil {
		c.logger.Warn().Err(err).Msg("refresh after failed mutation")
	}
	return cause
}

func (c *Client) scheduleSettle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armTimer(&c.settle, c.opts.SettleDelay, func() {
		c.mu.Lock()
		ctx := c.ctx
		c.mu.Unlock()
		if err := c.Refresh(ctx, true); err != nil {
			c.logger.Warn().Err(err).Msg("settle refresh")
		}
	})
}

// ---------------------------------------------------------------------------
// Push stream
// ---------------------------------------------------------------------------

func (c *Client) connect() {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(c.ctx)
	c.cancel = cancel
	c.mu.Unlock()

	go c.stream(ctx, gen)
}

func (c *Client) stream(ctx context.Context, gen int) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/stream", nil), nil)
	if err != nil {
		c.streamFailed(gen, err)
		return
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		c.streamFailed(gen, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.streamFailed(gen, statusError(resp))
		return
	}
	if !c.streamOpened(gen) {
		return
	}

	scanner := newSSEScanner(resp.Body)
	for scanner.Next() {
		var ev domain.Event
		if err := json.Unmarshal([]byte(scanner.Message().Data), &ev); err != nil {
			c.logger.Warn().Err(err).Msg("decode stream event")
			continue
		}
		c.handle(ctx, ev)
	}

	err = scanner.Err()
	if err == nil {
		// Server rotated the connection.
		err = io.EOF
	}
	c.streamFailed(gen, err)
}

func (c *Client) streamOpened(gen int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	if c.mode == ModePoll {
		c.logger.Info().Msg("push stream restored, polling stopped")
	}
	c.mode = ModePush
	c.attempt = 0
	stopTimer(&c.retry)
	stopTimer(&c.poll)
	stopTimer(&c.probe)
	return true
}

func (c *Client) streamFailed(gen int, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.ctx.Err() != nil {
		return
	}

	if c.attempt >= c.opts.MaxAttempts {
		c.startPollingLocked()
		return
	}

	// The first failure waits base; the k-th waits base*2^(k-1).
	delay := Backoff(c.opts.BackoffBase, c.opts.BackoffCap, c.attempt)
	c.attempt++
	c.logger.Debug().Err(cause).Int("attempt", c.attempt).Dur("delay", delay).Msg("stream lost, reconnecting")
	c.armTimer(&c.retry, delay, c.connect)
}

func (c *Client) startPollingLocked() {
	stopTimer(&c.retry)
	if c.mode != ModePoll {
		c.logger.Warn().Int("attempts", c.attempt).Msg("push stream unavailable, falling back to polling")
		c.mode = ModePoll
		c.armTimer(&c.poll, c.opts.PollInterval, c.onPoll)
	}
	c.armTimer(&c.probe, c.opts.ProbeInterval, c.connect)
}

func (c *Client) onPoll() {
	c.mu.Lock()
	if c.mode != ModePoll {
		c.mu.Unlock()
		return
	}
	visible := c.visible
	ctx := c.ctx
	c.armTimer(&c.poll, c.opts.PollInterval, c.onPoll)
	c.mu.Unlock()

	if !visible {
		return
	}
	if err := c.Refresh(ctx, false); err != nil {
		c.logger.Warn().Err(err).Msg("poll")
	}
}

func (c *Client) handle(ctx context.Context, ev domain.Event) {
	switch ev.Type {
	case domain.EventBoardUpdated:
		if ev.Board != nil {
			st := ev.Board.Clone()
			st.Normalize()
			c.replace(st)
			return
		}
		fallthrough
	case domain.EventTicketCreated, domain.EventTicketUpdated, domain.EventTicketDeleted:
		if err := c.Refresh(ctx, false); err != nil {
			c.logger.Warn().Err(err).Str("kind", string(ev.Type)).Msg("refresh after event")
		}
	case domain.EventConnected:
		// Catch up on anything published while no stream was attached.
		if err := c.Refresh(ctx, false); err != nil {
			c.logger.Warn().Err(err).Msg("refresh after connect")
		}
	case domain.EventPing:
	default:
		c.logger.Debug().Str("kind", string(ev.Type)).Msg("unknown stream event")
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (c *Client) replace(st domain.BoardState) {
	c.mu.Lock()
	c.state = st
	snapshot := st.Clone()
	fn := c.onChange
	c.mu.Unlock()

	if fn != nil {
		fn(snapshot)
	}
}

// edit applies fn to local state and returns fn's result.
func (c *Client) edit(fn func(b *domain.BoardState) int64) int64 {
	c.mu.Lock()
	next := c.state.Clone()
	id := fn(&next)
	c.state = next
	snapshot := next.Clone()
	cb := c.onChange
	c.mu.Unlock()

	if cb != nil {
		cb(snapshot)
	}
	return id
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, nil), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = q.Encode()
	return u.String()
}

// armTimer replaces *t with a new timer. Callers hold c.mu.
func (c *Client) armTimer(t **clock.Timer, d time.Duration, f func()) {
	if *t != nil {
		(*t).Stop()
	}
	*t = c.opts.Clock.AfterFunc(d, f)
}

func stopTimer(t **clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func statusError(resp *http.Response) error {
	var problem struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	_ = json.Unmarshal(data, &problem)

	detail := problem.Detail
	if detail == "" {
		detail = problem.Error
	}
	return &StatusError{Code: resp.StatusCode, Detail: detail}
}

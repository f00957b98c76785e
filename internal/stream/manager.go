// Package stream manages push connections: heartbeats, forced rotation
// before the platform's own timeout, and cleanup of dead peers. SSE and
// WebSocket transports share the same lifecycle.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/boardsync/internal/clock"
	"github.com/gosuda/boardsync/internal/domain"
	"github.com/gosuda/boardsync/internal/events"
	"github.com/gosuda/boardsync/internal/metrics"
)

const (
	DefaultHeartbeat    = 20 * time.Second
	DefaultLifetime     = 25 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

var ErrShuttingDown = errors.New("stream: manager shutting down")

type Config struct {
	Heartbeat    time.Duration
	Lifetime     time.Duration
	WriteTimeout time.Duration
	// OriginPatterns are passed to the WebSocket handshake.
	OriginPatterns []string
}

func (c *Config) setDefaults() {
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.Lifetime <= 0 {
		c.Lifetime = DefaultLifetime
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
}

// Manager owns the set of active connections on this instance.
type Manager struct {
	notifier *events.Notifier
	clock    clock.Clock
	cfg      Config
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu       sync.Mutex
	conns    map[string]*Connection
	shutdown bool
}

func NewManager(n *events.Notifier, cfg Config, clk clock.Clock, m *metrics.Metrics) *Manager {
	cfg.setDefaults()
	if clk == nil {
		clk = clock.Real()
	}
	return &Manager{
		notifier: n,
		clock:    clk,
		cfg:      cfg,
		metrics:  m,
		logger:   log.With().Str("component", "stream").Logger(),
		conns:    make(map[string]*Connection),
	}
}

// Open attaches sink as a new connection: it is subscribed to board
// changes, registered, greeted with a connected message, and given its
// heartbeat and rotation timers.
func (m *Manager) Open(sink Sink) (*Connection, error) {
	c, err := m.register(sink)
	if err != nil {
		return nil, err
	}
	if err := m.activate(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (m *Manager) register(sink Sink) (*Connection, error) {
	c := &Connection{
		id:      uuid.NewString(),
		manager: m,
		sink:    sink,
		state:   StateConnecting,
		done:    make(chan struct{}),
	}
	c.sub = m.notifier.Subscribe(domain.ChangeKinds...)

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		m.notifier.Unsubscribe(c.sub)
		return nil, ErrShuttingDown
	}
	m.conns[c.id] = c
	m.mu.Unlock()
	return c, nil
}

// activate moves a registered connection to Open. A connection closed while
// still connecting stays closed.
func (m *Manager) activate(c *Connection) error {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return ErrShuttingDown
	}
	c.state = StateOpen
	m.metrics.ConnectionOpened()
	c.mu.Unlock()

	hello := domain.Event{Type: domain.EventConnected, ConnectionID: c.id, Timestamp: m.clock.Now()}
	if err := c.send(hello); err != nil {
		return fmt.Errorf("stream.Manager.Open: %w", err)
	}

	c.arm(m.cfg.Heartbeat, m.cfg.Lifetime)
	go c.forward()

	m.logger.Debug().Str("connection", c.id).Msg("connection opened")
	return nil
}

func (m *Manager) close(c *Connection, reason string) {
	c.mu.Lock()
	if c.state >= StateClosing {
		c.mu.Unlock()
		return
	}
	opened := c.state != StateConnecting
	c.state = StateClosing
	if c.heartbeat != nil {
		c.heartbeat.Stop()
		c.heartbeat = nil
	}
	if c.rotation != nil {
		c.rotation.Stop()
		c.rotation = nil
	}
	c.mu.Unlock()

	m.notifier.Unsubscribe(c.sub)

	m.mu.Lock()
	delete(m.conns, c.id)
	m.mu.Unlock()

	c.mu.Lock()
	c.state = StateClosed
	c.reason = reason
	c.mu.Unlock()
	close(c.done)

	if opened {
		m.metrics.ConnectionClosed(reason)
	}
	m.logger.Debug().Str("connection", c.id).Str("reason", reason).Msg("connection closed")
}

// Close closes the connection with the given id. It reports whether the
// connection was active.
func (m *Manager) Close(id, reason string) bool {
	m.mu.Lock()
	c, ok := m.conns[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.close(c, reason)
	return true
}

// Active returns the ids of all open connections.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Shutdown closes every connection and refuses new ones.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		m.close(c, ReasonShutdown)
	}

	for _, c := range conns {
		select {
		case <-c.done:
		case <-ctx.Done():
			return fmt.Errorf("stream.Manager.Shutdown: %w", ctx.Err())
		}
	}
	return nil
}

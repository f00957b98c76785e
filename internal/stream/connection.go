package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gosuda/boardsync/internal/clock"
	"github.com/gosuda/boardsync/internal/domain"
	"github.com/gosuda/boardsync/internal/events"
)

type State int

const (
	StateConnecting State = iota
	StateOpen
	StateHeartbeating
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateHeartbeating:
		return "heartbeating"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Close reasons, also used as metric labels.
const (
	ReasonRotated    = "rotated"
	ReasonPeerGone   = "peer_gone"
	ReasonWriteError = "write_error"
	ReasonShutdown   = "shutdown"
)

var errConnectionClosed = errors.New("stream: connection closed")

// Sink is the transport half of a connection. Write must deliver one
// complete message or fail.
type Sink interface {
	Write(msg []byte) error
}

// Connection is one attached push client.
type Connection struct {
	id      string
	manager *Manager
	sink    Sink
	sub     *events.Subscription

	mu        sync.Mutex
	state     State
	heartbeat *clock.Timer
	rotation  *clock.Timer
	reason    string

	// writeMu serializes sink writes and lets handlers wait out an
	// in-flight write before returning.
	writeMu sync.Mutex
	done    chan struct{}
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the connection reaches StateClosed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// CloseReason is empty until the connection is closed.
func (c *Connection) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Close tears the connection down. Closing twice is a no-op.
func (c *Connection) Close(reason string) {
	c.manager.close(c, reason)
}

// armedTimers reports how many of the connection's timers are set.
func (c *Connection) armedTimers() (heartbeat, rotation bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heartbeat != nil, c.rotation != nil
}

func (c *Connection) closing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state >= StateClosing
}

// send writes ev and closes the connection if the transport refuses it.
func (c *Connection) send(ev domain.Event) error {
	msg, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("stream.Connection.send: encode: %w", err)
	}

	c.writeMu.Lock()
	if c.closing() {
		c.writeMu.Unlock()
		return errConnectionClosed
	}
	err = c.sink.Write(msg)
	c.writeMu.Unlock()

	if err != nil {
		c.manager.close(c, ReasonWriteError)
		return fmt.Errorf("stream.Connection.send: %w", err)
	}
	return nil
}

// drain blocks until no write is in flight. Called by handlers after Done so
// nothing touches the transport once the handler has returned.
func (c *Connection) drain() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
}

func (c *Connection) forward() {
	for ev := range c.sub.C {
		if err := c.send(ev); err != nil {
			return
		}
	}
}

func (c *Connection) onHeartbeat() {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	c.state = StateHeartbeating
	c.mu.Unlock()

	err := c.send(domain.Event{Type: domain.EventPing, Timestamp: c.manager.clock.Now()})

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil || c.state != StateHeartbeating {
		return
	}
	c.state = StateOpen
	c.heartbeat.Reset(c.manager.cfg.Heartbeat)
}

func (c *Connection) onRotate() {
	c.manager.close(c, ReasonRotated)
}

func (c *Connection) arm(heartbeat, lifetime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen {
		return
	}
	c.heartbeat = c.manager.clock.AfterFunc(heartbeat, c.onHeartbeat)
	c.rotation = c.manager.clock.AfterFunc(lifetime, c.onRotate)
}

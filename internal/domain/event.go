package domain

import "time"

type EventKind string

const (
	EventConnected     EventKind = "connected"
	EventPing          EventKind = "ping"
	EventTicketCreated EventKind = "ticket-created"
	EventTicketUpdated EventKind = "ticket-updated"
	EventTicketDeleted EventKind = "ticket-deleted"
	EventBoardUpdated  EventKind = "board-updated"
)

// ChangeKinds are the kinds produced by board mutations.
var ChangeKinds = []EventKind{ //nolint:gochecknoglobals // fixed set
	EventTicketCreated,
	EventTicketUpdated,
	EventTicketDeleted,
	EventBoardUpdated,
}

// IsControl reports whether k is a transport control message rather than a
// board change.
func (k EventKind) IsControl() bool {
	return k == EventConnected || k == EventPing
}

// Event is both the in-process notification and the wire message pushed to
// clients.
type Event struct {
	Type         EventKind   `json:"type"`
	Ticket       *Ticket     `json:"ticket,omitempty"`
	TicketID     int64       `json:"id,omitempty"`
	Board        *BoardState `json:"board,omitempty"`
	Version      int64       `json:"version,omitempty"`
	ConnectionID string      `json:"connectionId,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`

	// Origin is the instance that produced the event; empty for local events.
	Origin string `json:"origin,omitempty"`
}

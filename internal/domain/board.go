package domain

// BoardState is the whole board as every client observes it. Tickets are kept
// in insertion order; status is a filter, not a reordering.
type BoardState struct {
	Tickets []Ticket `json:"tickets"`
	NextID  int64    `json:"nextId"`
	Version int64    `json:"version"`
}

// EmptyBoard returns the state of a board that has never been written.
func EmptyBoard() BoardState {
	return BoardState{Tickets: []Ticket{}, NextID: 1}
}

// Clone returns a deep copy so callers never alias the cached snapshot.
func (b BoardState) Clone() BoardState {
	tickets := make([]Ticket, len(b.Tickets))
	copy(tickets, b.Tickets)
	return BoardState{Tickets: tickets, NextID: b.NextID, Version: b.Version}
}

// Index returns the position of the ticket with the given id, or -1.
func (b BoardState) Index(id int64) int {
	for i := range b.Tickets {
		if b.Tickets[i].ID == id {
			return i
		}
	}
	return -1
}

// Ticket returns the ticket with the given id.
func (b BoardState) Ticket(id int64) (Ticket, bool) {
	i := b.Index(id)
	if i < 0 {
		return Ticket{}, false
	}
	return b.Tickets[i], true
}

// Normalize repairs a decoded snapshot: nil tickets become empty and nextId is
// kept ahead of every id in use so identities are never reused.
func (b *BoardState) Normalize() {
	if b.Tickets == nil {
		b.Tickets = []Ticket{}
	}
	if b.NextID < 1 {
		b.NextID = 1
	}
	for _, t := range b.Tickets {
		if t.ID >= b.NextID {
			b.NextID = t.ID + 1
		}
	}
}

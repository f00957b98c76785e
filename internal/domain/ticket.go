package domain

import (
	"fmt"
	"strings"
	"time"
)

type TicketStatus string

const (
	TicketStatusTodo       TicketStatus = "todo"
	TicketStatusInProgress TicketStatus = "in-progress"
	TicketStatusDone       TicketStatus = "done"
)

// Valid reports whether s is one of the known board columns.
func (s TicketStatus) Valid() bool {
	switch s {
	case TicketStatusTodo, TicketStatusInProgress, TicketStatusDone:
		return true
	default:
		return false
	}
}

type Ticket struct {
	ID          int64        `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Status      TicketStatus `json:"status"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// TicketPatch is a partial update. Nil fields are left untouched.
type TicketPatch struct {
	Title       *string       `json:"title,omitempty"`
	Description *string       `json:"description,omitempty"`
	Status      *TicketStatus `json:"status,omitempty"`
}

// Validate rejects fields that are present but unusable.
func (p TicketPatch) Validate() error {
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return fmt.Errorf("title must not be empty: %w", ErrValidation)
	}
	if p.Description != nil && strings.TrimSpace(*p.Description) == "" {
		return fmt.Errorf("description must not be empty: %w", ErrValidation)
	}
	if p.Status != nil && !p.Status.Valid() {
		return fmt.Errorf("unknown status %q: %w", *p.Status, ErrValidation)
	}
	return nil
}

// Apply copies the patched fields onto t and reports whether anything changed.
// UpdatedAt is the caller's responsibility.
func (p TicketPatch) Apply(t *Ticket) bool {
	changed := false
	if p.Title != nil && *p.Title != t.Title {
		t.Title = *p.Title
		changed = true
	}
	if p.Description != nil && *p.Description != t.Description {
		t.Description = *p.Description
		changed = true
	}
	if p.Status != nil && *p.Status != t.Status {
		t.Status = *p.Status
		changed = true
	}
	return changed
}

// ValidateNewTicket checks the fields required to create a ticket.
func ValidateNewTicket(title, description string) error {
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("title is required: %w", ErrValidation)
	}
	if strings.TrimSpace(description) == "" {
		return fmt.Errorf("description is required: %w", ErrValidation)
	}
	return nil
}

package v1

import (
	"context"

	"github.com/gosuda/boardsync/internal/domain"
)

// BoardStore abstracts the versioned board for handler testing.
// *board.Store satisfies this interface.
type BoardStore interface {
	Read(ctx context.Context, forceFresh bool) domain.BoardState
	CreateTicket(ctx context.Context, title, description string) (domain.Ticket, error)
	GetTicket(ctx context.Context, id int64) (domain.Ticket, error)
	UpdateTicket(ctx context.Context, id int64, patch domain.TicketPatch) (domain.Ticket, error)
	DeleteTicket(ctx context.Context, id int64) (bool, error)
}

package v1_test

import (
	"context"

	"github.com/gosuda/boardsync/internal/domain"
)

// ---------------------------------------------------------------------------
// Mock BoardStore
// ---------------------------------------------------------------------------

type mockBoardStore struct {
	readFunc   func(ctx context.Context, forceFresh bool) domain.BoardState
	createFunc func(ctx context.Context, title, description string) (domain.Ticket, error)
	getFunc    func(ctx context.Context, id int64) (domain.Ticket, error)
	updateFunc func(ctx context.Context, id int64, patch domain.TicketPatch) (domain.Ticket, error)
	deleteFunc func(ctx context.Context, id int64) (bool, error)
}

func (m *mockBoardStore) Read(ctx context.Context, forceFresh bool) domain.BoardState {
	return m.readFunc(ctx, forceFresh)
}

func (m *mockBoardStore) CreateTicket(ctx context.Context, title, description string) (domain.Ticket, error) {
	return m.createFunc(ctx, title, description)
}

func (m *mockBoardStore) GetTicket(ctx context.Context, id int64) (domain.Ticket, error) {
	return m.getFunc(ctx, id)
}

func (m *mockBoardStore) UpdateTicket(ctx context.Context, id int64, patch domain.TicketPatch) (domain.Ticket, error) {
	return m.updateFunc(ctx, id, patch)
}

func (m *mockBoardStore) DeleteTicket(ctx context.Context, id int64) (bool, error) {
	return m.deleteFunc(ctx, id)
}

func boardAt(version int64, tickets ...domain.Ticket) domain.BoardState {
	if tickets == nil {
		tickets = []domain.Ticket{}
	}
	return domain.BoardState{Tickets: tickets, NextID: int64(len(tickets)) + 1, Version: version}
}

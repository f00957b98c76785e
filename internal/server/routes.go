package server

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	v1 "github.com/gosuda/boardsync/internal/api/v1"
	"github.com/gosuda/boardsync/internal/stream"
)

func registerAPIRoutes(api huma.API, store v1.BoardStore) {
	v1.RegisterTicketRoutes(api, store)
}

func registerStreamRoutes(r chi.Router, m *stream.Manager) {
	r.Get("/stream", m.ServeSSE)
	r.Get("/ws", m.ServeWebSocket)
}

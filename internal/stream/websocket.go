package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

type wsSink struct {
	conn    *websocket.Conn
	ctx     context.Context
	timeout time.Duration
}

func (s *wsSink) Write(msg []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, msg)
}

// ServeWebSocket carries the same message stream as ServeSSE over a
// WebSocket. Client frames are ignored.
func (m *Manager) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: m.cfg.OriginPatterns})
	if err != nil {
		m.logger.Error().Err(err).Msg("websocket accept")
		return
	}
	defer ws.CloseNow()

	// CloseRead's context ends when the peer disconnects.
	ctx := ws.CloseRead(r.Context())

	conn, err := m.Open(&wsSink{conn: ws, ctx: context.WithoutCancel(ctx), timeout: m.cfg.WriteTimeout})
	if err != nil {
		m.logger.Debug().Err(err).Msg("open websocket connection")
		_ = ws.Close(websocket.StatusTryAgainLater, "unavailable")
		return
	}

	select {
	case <-ctx.Done():
		conn.Close(ReasonPeerGone)
	case <-conn.Done():
	}
	conn.drain()

	_ = ws.Close(websocket.StatusNormalClosure, conn.CloseReason())
}

package stream

import (
	"errors"
	"net/http"
	"time"
)

type sseSink struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	timeout time.Duration
}

func (s *sseSink) Write(msg []byte) error {
	if s.timeout > 0 {
		if err := s.rc.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
	}
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := s.w.Write(msg); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	return s.rc.Flush()
}

// ServeSSE streams board events as server-sent events until the connection
// is rotated, the peer goes away, or a write fails.
func (m *Manager) ServeSSE(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	// The connected greeting commits the 200.
	conn, err := m.Open(&sseSink{w: w, rc: http.NewResponseController(w), timeout: m.cfg.WriteTimeout})
	if errors.Is(err, ErrShuttingDown) {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		m.logger.Debug().Err(err).Msg("open sse connection")
		return
	}

	select {
	case <-r.Context().Done():
		conn.Close(ReasonPeerGone)
	case <-conn.Done():
	}
	conn.drain()
}

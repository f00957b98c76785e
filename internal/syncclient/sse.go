package syncclient

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// sseMessage is one event from a text/event-stream body.
type sseMessage struct {
	Event string
	Data  string
}

// sseScanner splits an event stream into messages. Multiple data lines are
// joined with "\n"; comments and unknown fields are skipped.
type sseScanner struct {
	r   *bufio.Reader
	cur sseMessage
	err error
}

func newSSEScanner(r io.Reader) *sseScanner {
	return &sseScanner{r: bufio.NewReaderSize(r, 64*1024)}
}

func (s *sseScanner) Next() bool {
	if s.err != nil {
		return false
	}
	s.cur = sseMessage{}

	var (
		data    []string
		event   string
		hasData bool
	)
	emit := func() {
		s.cur = sseMessage{Event: event, Data: strings.Join(data, "\n")}
	}

	for {
		line, err := s.r.ReadString('\n')
		if err != nil && line == "" {
			s.err = err
			if errors.Is(err, io.EOF) && hasData {
				emit()
				return true
			}
			return false
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if hasData {
				emit()
				return true
			}
			event = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, ok := strings.Cut(line, ":")
		if ok {
			value = strings.TrimPrefix(value, " ")
		}
		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "event":
			event = value
		}
	}
}

func (s *sseScanner) Message() sseMessage { return s.cur }

// Err returns nil after a clean end of stream.
func (s *sseScanner) Err() error {
	if errors.Is(s.err, io.EOF) {
		return nil
	}
	return s.err
}

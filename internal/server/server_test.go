package server_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/boardsync/internal/board"
	"github.com/gosuda/boardsync/internal/clock"
	"github.com/gosuda/boardsync/internal/config"
	"github.com/gosuda/boardsync/internal/domain"
	"github.com/gosuda/boardsync/internal/events"
	"github.com/gosuda/boardsync/internal/metrics"
	"github.com/gosuda/boardsync/internal/server"
	"github.com/gosuda/boardsync/internal/store/memory"
	"github.com/gosuda/boardsync/internal/stream"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

type fixture struct {
	srv     *server.Server
	http    *httptest.Server
	streams *stream.Manager
}

func newFixture(t *testing.T, burst int, health ...server.HealthCheck) *fixture {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	notifier := events.NewNotifier(16, m)
	store := board.New(memory.NewBlobStore(clock.Real()), memory.NewCounter(), notifier, board.Options{Metrics: m})
	streams := stream.NewManager(notifier, stream.Config{Heartbeat: time.Hour, Lifetime: 2 * time.Hour}, clock.Real(), m)

	cfg := &config.Config{
		Server: config.ServerConfig{
			Addr:           "127.0.0.1:0",
			ReadTimeout:    5 * time.Second,
			WriteTimeout:   5 * time.Second,
			CORSOrigins:    []string{"*"},
			RateLimitRPS:   0.001,
			RateLimitBurst: burst,
		},
	}

	srv := server.New(ctx, cfg, server.Deps{
		Board:    store,
		Streams:  streams,
		Gatherer: reg,
		Health:   health,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = streams.Shutdown(context.Background())
		ts.Close()
	})

	return &fixture{srv: srv, http: ts, streams: streams}
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, f.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestServer_TicketRoundTrip(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 100)

	resp := f.do(t, http.MethodPost, "/api/tickets", `{"title":"A","description":"first"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created domain.Ticket
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, int64(1), created.ID)
	assert.Equal(t, domain.TicketStatusTodo, created.Status)

	resp = f.do(t, http.MethodGet, "/api/tickets?t=1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `"1"`, resp.Header.Get("ETag"))

	resp = f.do(t, http.MethodGet, "/api/tickets?version=1", "")
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
}

func TestServer_RateLimitsMutationsOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)

	resp := f.do(t, http.MethodPost, "/api/tickets", `{"title":"A","description":"first"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/tickets", `{"title":"B","description":"second"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	for range 3 {
		resp = f.do(t, http.MethodGet, "/api/tickets", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	t.Run("ok", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, 10, server.HealthCheck{Name: "blob", Check: func(context.Context) error { return nil }})
		resp := f.do(t, http.MethodGet, "/healthz", "")

		require.Equal(t, http.StatusOK, resp.StatusCode)
		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "ok", body["status"])
	})

	t.Run("degraded", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, 10, server.HealthCheck{Name: "redis", Check: func(context.Context) error {
			return errors.New("connection refused")
		}})
		resp := f.do(t, http.MethodGet, "/healthz", "")

		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		var body struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "degraded", body.Status)
		assert.Equal(t, "connection refused", body.Checks["redis"])
	})
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10)
	f.do(t, http.MethodGet, "/api/tickets", "")

	resp := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	scanner := bufio.NewScanner(resp.Body)
	var found bool
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "boardsync_store_reads_total") {
			found = true
			break
		}
	}
	assert.True(t, found, "store read counter must be exported")
}

func TestServer_StreamReceivesChanges(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.http.URL+"/api/stream", http.NoBody)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	next := func() domain.Event {
		t.Helper()
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if data, ok := strings.CutPrefix(strings.TrimSpace(line), "data: "); ok {
				var ev domain.Event
				require.NoError(t, json.Unmarshal([]byte(data), &ev))
				return ev
			}
		}
	}

	assert.Equal(t, domain.EventConnected, next().Type)
	require.Eventually(t, func() bool { return f.streams.Len() == 1 }, time.Second, 10*time.Millisecond)

	created := f.do(t, http.MethodPost, "/api/tickets", `{"title":"A","description":"first"}`)
	require.Equal(t, http.StatusCreated, created.StatusCode)

	ev := next()
	assert.Equal(t, domain.EventTicketCreated, ev.Type)
	require.NotNil(t, ev.Ticket)
	assert.Equal(t, "A", ev.Ticket.Title)

	ev = next()
	assert.Equal(t, domain.EventBoardUpdated, ev.Type)
	require.NotNil(t, ev.Board)
	assert.Equal(t, int64(1), ev.Board.Version)
}

func TestServer_ShutdownClosesStreams(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.http.URL+"/api/stream", http.NoBody)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Eventually(t, func() bool { return f.streams.Len() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, f.srv.Shutdown(ctx))
	assert.Equal(t, 0, f.streams.Len())

	// The handler returned, so the body reaches EOF.
	_, err = bufio.NewReader(resp.Body).ReadString(0)
	require.Error(t, err)
}

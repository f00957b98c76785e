package middleware_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/boardsync/internal/server/middleware"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func requestFrom(method, remoteAddr string) *http.Request {
	req := httptest.NewRequest(method, "/api/tickets", http.NoBody)
	req.RemoteAddr = remoteAddr
	return req
}

// ===========================================================================
// RateLimitByIP
// ===========================================================================

func TestRateLimitByIP_BurstExceeded_Returns429(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	// Very low rate (effectively zero refill during the test) with burst of 2.
	handler := middleware.RateLimitByIP(ctx, 0.001, 2)(okHandler)

	for i := range 2 {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, requestFrom(http.MethodGet, "10.0.0.1:1234"))
		require.Equalf(t, http.StatusOK, rec.Code, "request %d should pass", i+1)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestFrom(http.MethodGet, "10.0.0.1:1234"))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "rate limit exceeded")
}

func TestRateLimitByIP_PortIgnored(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	handler := middleware.RateLimitByIP(ctx, 0.001, 1)(okHandler)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, requestFrom(http.MethodGet, "10.0.0.1:1111"))
	require.Equal(t, http.StatusOK, rec.Code)

	// Same client, new source port.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, requestFrom(http.MethodGet, "10.0.0.1:2222"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRateLimitByIP_IndependentPerIP(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	handler := middleware.RateLimitByIP(ctx, 0.001, 1)(okHandler)

	recA := httptest.NewRecorder()
	handler.ServeHTTP(recA, requestFrom(http.MethodGet, "10.0.0.1:1"))
	require.Equal(t, http.StatusOK, recA.Code)

	recA2 := httptest.NewRecorder()
	handler.ServeHTTP(recA2, requestFrom(http.MethodGet, "10.0.0.1:1"))
	assert.Equal(t, http.StatusTooManyRequests, recA2.Code)

	recB := httptest.NewRecorder()
	handler.ServeHTTP(recB, requestFrom(http.MethodGet, "10.0.0.2:1"))
	assert.Equal(t, http.StatusOK, recB.Code)
}

// ===========================================================================
// RateLimitMutations
// ===========================================================================

func TestRateLimitMutations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		method  string
		limited bool
	}{
		{method: http.MethodGet, limited: false},
		{method: http.MethodHead, limited: false},
		{method: http.MethodOptions, limited: false},
		{method: http.MethodPost, limited: true},
		{method: http.MethodPut, limited: true},
		{method: http.MethodPatch, limited: true},
		{method: http.MethodDelete, limited: true},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithCancel(context.Background())
			t.Cleanup(cancel)

			handler := middleware.RateLimitMutations(ctx, 0.001, 1)(okHandler)

			first := httptest.NewRecorder()
			handler.ServeHTTP(first, requestFrom(tt.method, "10.0.0.9:80"))
			require.Equal(t, http.StatusOK, first.Code)

			second := httptest.NewRecorder()
			handler.ServeHTTP(second, requestFrom(tt.method, "10.0.0.9:80"))
			if tt.limited {
				assert.Equal(t, http.StatusTooManyRequests, second.Code)
				assert.Equal(t, "application/problem+json", second.Header().Get("Content-Type"))
			} else {
				assert.Equal(t, http.StatusOK, second.Code)
			}
		})
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abiroot/ispbot/internal/log"
)

type stubPinger struct{ err error }

func (s *stubPinger) Ping(context.Context) error { return s.err }

func getPath(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestLivenessAlwaysOK(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, &stubChatter{})
	rec := getPath(t, srv.Handler(), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestReadiness(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		db   Pinger
		want int
	}{
		{name: "database reachable", db: &stubPinger{}, want: http.StatusOK},
		{name: "database down", db: &stubPinger{err: errors.New("refused")}, want: http.StatusServiceUnavailable},
		{name: "no database", db: nil, want: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			handler := NewHealthHandler(tt.db, log.NewNop())
			mux := http.NewServeMux()
			handler.RegisterRoutes(mux)
			rec := getPath(t, mux, "/ready")
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestSessionDiagnostics(t *testing.T) {
	t.Parallel()

	srv, wiz := newTestServer(t, &stubChatter{})
	handler := srv.Handler()

	rec := getPath(t, handler, "/api/sessions/ctx-1")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, err := wiz.Begin("ctx-1")
	require.NoError(t, err)

	rec = getPath(t, handler, "/api/sessions")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Size)

	rec = getPath(t, handler, "/api/sessions/ctx-1")
	require.Equal(t, http.StatusOK, rec.Code)
	var sess SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	assert.Equal(t, "ctx-1", sess.ContextID)
	assert.NotEmpty(t, sess.Fields)
	assert.False(t, sess.CreatedAt.IsZero())
	// Diagnostics expose field names only, never collected values.
	body := rec.Body.String()
	assert.NotContains(t, body, "Acme")
}

func TestSessionClear(t *testing.T) {
	t.Parallel()

	srv, wiz := newTestServer(t, &stubChatter{})
	handler := srv.Handler()

	_, err := wiz.Begin("ctx-1")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodDelete, "/api/sessions/ctx-1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = getPath(t, handler, "/api/sessions/ctx-1")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/sessions/ctx-1", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	t.Parallel()

	panicky := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	handler := chain(panicky, recoveryMiddleware(log.NewNop()), loggingMiddleware(log.NewNop()))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestUnknownRoute(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, &stubChatter{})
	rec := getPath(t, srv.Handler(), "/api/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

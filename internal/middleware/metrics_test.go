package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetricsMiddlewarePassesThrough(t *testing.T) {
	handler := Metrics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/stream", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Equal(t, "short and stout", rec.Body.String())
}

func TestNormalizePathCollapsesIDs(t *testing.T) {
	require.Equal(t, "/api/sessions/:id", normalizePath("/api/sessions/7f3a"))
	require.Equal(t, "/api/stream", normalizePath("/api/stream"))
	require.Equal(t, "/health", normalizePath("/health"))
}

package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("#EXTM3U playlist content ", 50)))
	})
}

func TestGzipCompressesWhenAccepted(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/live/alice.m3u8", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()

	Gzip(echoHandler()).ServeHTTP(rec, req)

	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

	gz, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Contains(t, string(body), "#EXTM3U")
}

func TestGzipPassThroughWithoutAcceptHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/live/alice.m3u8", nil)
	rec := httptest.NewRecorder()

	Gzip(echoHandler()).ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	assert.Contains(t, rec.Body.String(), "#EXTM3U")
}

func TestGzipPreservesStatusCode(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("missing"))
	})

	req := httptest.NewRequest(http.MethodGet, "/resolve/nobody", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()

	Gzip(handler).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

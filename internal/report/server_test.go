package report

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCommits map[string]string

func (f fakeCommits) LastGoodCommit(_ context.Context, app string) (string, error) {
	if app == "broken" {
		return "", errors.New("database is locked")
	}
	return f[app], nil
}

func writeFile(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(name), 0o755))
	require.NoError(t, os.WriteFile(name, []byte(content), 0o644))
}

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "api", "c0ffee", "api.html"), "<h1>api report</h1>")
	writeFile(t, filepath.Join(dir, "api", "c0ffee", "assets", "app.css"), "body{}")
	writeFile(t, filepath.Join(dir, "api", "c0ffee", "api.json"), `{"passes":3}`)
	writeFile(t, filepath.Join(dir, "api", "c0ffee", "index.html"), "index")
	writeFile(t, filepath.Join(dir, "api", "c0ffee", "notes.txt"), "plain")

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	commits := fakeCommits{"api": "c0ffee"}
	return New(dir, []string{"api", "web", "broken"}, commits, logger), dir
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServeLatestReport(t *testing.T) {
	s, _ := newTestServer(t)

	rec := get(t, s, "/api")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html", rec.Header().Get("Content-Type"))
	assert.Equal(t, "<h1>api report</h1>", rec.Body.String())
}

func TestServeLatestNoGoodCommit(t *testing.T) {
	s, _ := newTestServer(t)

	rec := get(t, s, "/web")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "No test reports exist for this app")
}

func TestServeLatestLookupError(t *testing.T) {
	s, _ := newTestServer(t)
	assert.Equal(t, http.StatusInternalServerError, get(t, s, "/broken").Code)
}

func TestServeUnknownApp(t *testing.T) {
	s, _ := newTestServer(t)

	rec := get(t, s, "/ghost")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "No such app")
}

func TestServeStaticFiles(t *testing.T) {
	s, _ := newTestServer(t)

	cases := []struct {
		path        string
		contentType string
		body        string
	}{
		{"/api/c0ffee/assets/app.css", "text/css", "body{}"},
		{"/api/c0ffee/api.json", "application/json", `{"passes":3}`},
		{"/api/c0ffee/notes.txt", "text/plain", "plain"},
		{"/api/c0ffee", "text/html", "index"},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			rec := get(t, s, tc.path)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tc.contentType, rec.Header().Get("Content-Type"))
			assert.Equal(t, tc.body, rec.Body.String())
		})
	}
}

func TestServeMissingFile(t *testing.T) {
	s, _ := newTestServer(t)

	rec := get(t, s, "/api/c0ffee/missing.html")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not found")
}

func TestServeRejectsTraversal(t *testing.T) {
	s, dir := newTestServer(t)
	writeFile(t, filepath.Join(filepath.Dir(dir), "secret.txt"), "secret")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.URL.Path = "/api/../../secret.txt"
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")
}

func TestServeNilCommitSource(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	s := New(t.TempDir(), []string{"api"}, nil, logger)

	rec := get(t, s, "/api")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "No test reports exist for this app")
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "image/png", contentType("a/b.PNG"))
	assert.Equal(t, "image/x-icon", contentType("favicon.ico"))
	assert.Equal(t, "text/plain", contentType("README"))
}

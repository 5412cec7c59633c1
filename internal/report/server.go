// Package report serves the test reports kept by the pipeline's test phase.
//
// Reports live under <dir>/<app>/<commit>/. GET /<app> shows the report of
// the app's last good commit; any other path is served from dir as a file.
package report

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// CommitSource looks up the last commit whose tests passed.
type CommitSource interface {
	LastGoodCommit(ctx context.Context, app string) (string, error)
}

var contentTypes = map[string]string{
	".ico":  "image/x-icon",
	".html": "text/html",
	".js":   "text/javascript",
	".json": "application/json",
	".css":  "text/css",
	".png":  "image/png",
	".jpg":  "image/jpeg",
}

func contentType(name string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return "text/plain"
}

type Server struct {
	dir     string
	apps    map[string]bool
	commits CommitSource
	logger  *slog.Logger
}

// New returns a report server rooted at dir. commits may be nil, in which
// case GET /<app> always reports that no test reports exist.
func New(dir string, apps []string, commits CommitSource, logger *slog.Logger) *Server {
	known := make(map[string]bool, len(apps))
	for _, a := range apps {
		known[a] = true
	}
	return &Server{dir: dir, apps: known, commits: commits, logger: logger}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clean := path.Clean("/" + r.URL.Path)
	rel := strings.TrimPrefix(clean, "/")
	if rel == "" {
		http.NotFound(w, r)
		return
	}

	if !strings.Contains(rel, "/") {
		s.serveLatest(w, r, rel)
		return
	}
	s.serveFile(w, r, rel)
}

// serveLatest answers GET /<app>.
func (s *Server) serveLatest(w http.ResponseWriter, r *http.Request, app string) {
	if !s.apps[app] {
		s.serveFile(w, r, app)
		return
	}
	commit := ""
	if s.commits != nil {
		var err error
		commit, err = s.commits.LastGoodCommit(r.Context(), app)
		if err != nil {
			s.logger.Error("failed to look up last good commit", "app", app, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}
	if commit == "" {
		http.Error(w, "No test reports exist for this app", http.StatusNotFound)
		return
	}
	s.serveFile(w, r, path.Join(app, commit, app+".html"))
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, rel string) {
	if s.dir == "" {
		http.Error(w, "No such app", http.StatusNotFound)
		return
	}
	name := filepath.Join(s.dir, filepath.FromSlash(rel))
	if !within(s.dir, name) {
		http.NotFound(w, r)
		return
	}

	info, err := os.Stat(name)
	if err == nil && info.IsDir() {
		name = filepath.Join(name, "index.html")
		info, err = os.Stat(name)
	}
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("failed to stat report file", "path", name, "error", err)
		}
		if !strings.Contains(rel, "/") {
			http.Error(w, "No such app", http.StatusNotFound)
			return
		}
		http.Error(w, "File "+rel+" not found!", http.StatusNotFound)
		return
	}

	f, err := os.Open(name)
	if err != nil {
		s.logger.Error("failed to open report file", "path", name, "error", err)
		http.Error(w, "Error getting the file", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", contentType(name))
	http.ServeContent(w, r, "", info.ModTime(), f)
}

func within(root, name string) bool {
	rel, err := filepath.Rel(root, name)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

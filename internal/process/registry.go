package process

import (
	"log/slog"
	"sync"
)

// Registry tracks at most one in-flight pre-hook per app.
// Entries are added by Supersede and removed when their process exits.
type Registry struct {
	logger *slog.Logger

	mu      sync.Mutex
	handles map[string]*Handle
	locks   map[string]*sync.Mutex
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:  logger,
		handles: make(map[string]*Handle),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (r *Registry) lockFor(app string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[app]
	if !ok {
		l = &sync.Mutex{}
		r.locks[app] = l
	}
	return l
}

// Get returns the in-flight handle for app, if any.
func (r *Registry) Get(app string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[app]
	return h, ok
}

// Set registers h as the in-flight handle for app, replacing any previous entry.
func (r *Registry) Set(app string, h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[app] = h
}

// Clear removes the entry for app unconditionally.
func (r *Registry) Clear(app string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, app)
}

// CompareAndClear removes the entry for app only if it still points at h.
// An exiting process never clears the entry of the run that superseded it.
func (r *Registry) CompareAndClear(app string, h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.handles[app]; ok && cur == h {
		delete(r.handles, app)
		return true
	}
	return false
}

// Supersede cancels the in-flight handle of app, if any, then starts a new
// process and registers it. Calls for the same app are serialized.
// The entry is cleared once the new process exits, before its Done closes.
func (r *Registry) Supersede(app string, start func() (*Handle, error)) (*Handle, error) {
	l := r.lockFor(app)
	l.Lock()
	defer l.Unlock()

	if old, ok := r.Get(app); ok {
		if err := old.Cancel(); err != nil {
			r.logger.Warn("failed to kill old prehook process", "app", app, "pid", old.Pid(), "error", err)
		} else {
			r.logger.Info("killed old prehook process as new request received", "app", app, "pid", old.Pid())
		}
	}

	h, err := start()
	if err != nil {
		return nil, err
	}
	r.Set(app, h)
	h.afterExit(func() { r.CompareAndClear(app, h) })
	return h, nil
}

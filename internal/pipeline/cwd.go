package pipeline

import "sync"

// CWDCache remembers working directories resolved from the process manager
// for the lifetime of the process. Configured cwd values never go through it.
type CWDCache struct {
	mu   sync.RWMutex
	dirs map[string]string
}

func NewCWDCache() *CWDCache {
	return &CWDCache{dirs: make(map[string]string)}
}

func (c *CWDCache) Get(app string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dir, ok := c.dirs[app]
	return dir, ok
}

func (c *CWDCache) Set(app, dir string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirs[app] = dir
}

// Forget drops the cached directory so the next run asks the process manager again.
func (c *CWDCache) Forget(app string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.dirs, app)
}

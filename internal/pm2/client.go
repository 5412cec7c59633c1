// Package pm2 drives the pm2 process manager through its command line.
package pm2

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrAppNotFound is returned when pm2 has no process with the requested name.
var ErrAppNotFound = errors.New("application not found")

// AppInfo is the subset of `pm2 jlist` output deployhook uses.
type AppInfo struct {
	Name   string
	PID    int
	CWD    string
	Status string
}

// process mirrors one element of `pm2 jlist`. Older pm2 releases put
// pm_cwd at the top level, newer ones only under pm2_env.
type process struct {
	Name  string `json:"name"`
	PID   int    `json:"pid"`
	PMCwd string `json:"pm_cwd"`
	Env   struct {
		PMCwd  string `json:"pm_cwd"`
		Status string `json:"status"`
	} `json:"pm2_env"`
}

// Client shells out to the pm2 binary.
type Client struct {
	bin string
}

// NewClient returns a client for the pm2 binary at bin ("pm2" when empty).
func NewClient(bin string) *Client {
	if bin == "" {
		bin = "pm2"
	}
	return &Client{bin: bin}
}

// Describe returns the first pm2 process named name.
func (c *Client) Describe(ctx context.Context, name string) (AppInfo, error) {
	out, err := c.run(ctx, "jlist")
	if err != nil {
		return AppInfo{}, err
	}

	var procs []process
	if err := json.Unmarshal(out, &procs); err != nil {
		return AppInfo{}, fmt.Errorf("decode pm2 jlist: %w", err)
	}
	for _, p := range procs {
		if p.Name != name {
			continue
		}
		cwd := p.PMCwd
		if cwd == "" {
			cwd = p.Env.PMCwd
		}
		return AppInfo{Name: p.Name, PID: p.PID, CWD: cwd, Status: p.Env.Status}, nil
	}
	return AppInfo{}, fmt.Errorf("%w: %s", ErrAppNotFound, name)
}

// GracefulReload reloads every process named name with zero downtime for
// cluster-mode apps (pm2 falls back to a restart otherwise).
func (c *Client) GracefulReload(ctx context.Context, name string) error {
	_, err := c.run(ctx, "reload", name)
	return err
}

func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("pm2 %s: %w", strings.Join(args, " "), ctx.Err())
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("pm2 %s: %s: %w", strings.Join(args, " "), lastLine(msg), err)
		}
		return nil, fmt.Errorf("pm2 %s: %w", strings.Join(args, " "), err)
	}
	return stdout.Bytes(), nil
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

package pipeline

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/deployhook/internal/process"
)

// runTests clones the configured test repository into a scratch directory,
// runs "<prehook>; <command>" there and keeps the report under
// <reports>/<app>/<commit>. A passing head becomes the app's last good commit.
func (e *Executor) runTests(ctx context.Context, r *Run) error {
	tests := r.app.Tests

	dir, err := os.MkdirTemp("", "deployhook-tests-*")
	if err != nil {
		return fmt.Errorf("create test workspace: %w", err)
	}
	defer os.RemoveAll(dir)

	head, err := e.vcs.Clone(ctx, tests.Repo, tests.Branch, dir)
	if err != nil {
		return fmt.Errorf("clone %s: %w", tests.Repo, err)
	}

	command := tests.Command
	if r.app.PreHook != "" {
		command = r.app.PreHook + "; " + command
	}
	h, err := e.runner.Start(command, process.ExecEnv{Dir: dir, Env: r.env.Env, Shell: true})
	if err != nil {
		return err
	}

	waitCtx := ctx
	if r.app.HookTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, r.app.HookTimeout)
		defer cancel()
	}
	res, err := h.Wait(waitCtx)
	if err != nil {
		return fmt.Errorf("test command interrupted: %w", err)
	}

	if tests.ReportPath != "" && e.reportsDir != "" {
		if err := e.keepReport(dir, tests.ReportPath, r.App, head); err != nil {
			e.logger.Warn("failed to copy test report", "app", r.App, "commit", head, "error", err)
		} else {
			e.logger.Info("copied test report", "app", r.App, "commit", head)
		}
	}

	if res.Err != nil {
		return fmt.Errorf("test command: %w", res.Err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: %q exited with code %d at commit %s", ErrTestsFailed, tests.Command, res.ExitCode, head)
	}

	if e.recorder != nil {
		if err := e.recorder.SetLastGoodCommit(ctx, r.App, head); err != nil {
			e.logger.Warn("failed to record last good commit", "app", r.App, "commit", head, "error", err)
		}
	}
	return nil
}

// keepReport copies the top-level directory of reportPath out of the clone.
func (e *Executor) keepReport(cloneDir, reportPath, app, commit string) error {
	top := strings.SplitN(filepath.ToSlash(filepath.Clean(reportPath)), "/", 2)[0]
	if top == "" || top == "." || top == ".." {
		return fmt.Errorf("invalid report_path %q", reportPath)
	}
	src := filepath.Join(cloneDir, top)
	dst := filepath.Join(e.reportsDir, app, commit)
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	return copyTree(src, dst)
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

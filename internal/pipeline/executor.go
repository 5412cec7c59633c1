// Package pipeline runs the deployment phases for one application:
// resolve cwd, run tests, pull, pre-hook, reload, post-hook.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/deployhook/internal/config"
	"github.com/mattjoyce/deployhook/internal/events"
	"github.com/mattjoyce/deployhook/internal/history"
	"github.com/mattjoyce/deployhook/internal/notify"
	"github.com/mattjoyce/deployhook/internal/process"
)

// Deps are the collaborators of an Executor. Notifier, Recorder and Events
// are optional.
type Deps struct {
	ProcessManager ProcessManager
	VCS            VCS
	Runner         *process.Runner
	Registry       *process.Registry
	Notifier       Notifier
	Recorder       Recorder
	Events         events.Publisher
	CWD            *CWDCache
	// ReportsDir receives test reports. Empty disables copying.
	ReportsDir string
	Logger     *slog.Logger
}

// Executor runs pipelines. It is safe for concurrent use; runs of the same
// app only coordinate through the pre-hook registry.
type Executor struct {
	pm         ProcessManager
	vcs        VCS
	runner     *process.Runner
	registry   *process.Registry
	notifier   Notifier
	recorder   Recorder
	events     events.Publisher
	cwd        *CWDCache
	reportsDir string
	logger     *slog.Logger

	now   func() time.Time
	newID func() string
}

func NewExecutor(d Deps) *Executor {
	if d.Events == nil {
		d.Events = events.Discard
	}
	if d.CWD == nil {
		d.CWD = NewCWDCache()
	}
	return &Executor{
		pm:         d.ProcessManager,
		vcs:        d.VCS,
		runner:     d.Runner,
		registry:   d.Registry,
		notifier:   d.Notifier,
		recorder:   d.Recorder,
		events:     d.Events,
		cwd:        d.CWD,
		reportsDir: d.ReportsDir,
		logger:     d.Logger,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

type phase struct {
	name string
	skip func(app config.AppConfig) bool
	run  func(ctx context.Context, r *Run) error
	done string
}

func (e *Executor) phases() []phase {
	return []phase{
		{name: PhaseResolveCWD, run: e.resolveCWD},
		{
			name: PhaseRunTests,
			skip: func(app config.AppConfig) bool { return app.Tests == nil },
			run:  e.runTests,
			done: "all tests passing on latest commit",
		},
		{name: PhasePull, run: e.pull, done: "successfully pulled application"},
		{
			name: PhasePreHook,
			skip: func(app config.AppConfig) bool { return app.PreHook == "" },
			run:  e.preHook,
			done: "prehook command has been successfully executed",
		},
		{
			name: PhaseReload,
			skip: func(app config.AppConfig) bool { return app.NoPM2 },
			run:  e.reload,
			done: "successfully reloaded application",
		},
		{
			name: PhasePostHook,
			skip: func(app config.AppConfig) bool { return app.PostHook == "" },
			run:  e.postHook,
			done: "posthook command has been successfully executed",
		},
	}
}

// Execute runs every phase of app in order and stops at the first error.
// Nothing is rolled back. The returned error is the run's *PhaseError.
func (e *Executor) Execute(ctx context.Context, app config.AppConfig, trigger string) (*Run, error) {
	run := &Run{
		ID:        e.newID(),
		App:       app.Name,
		Trigger:   trigger,
		StartedAt: e.now(),
		app:       app,
	}
	logger := e.logger.With("app", app.Name, "run_id", run.ID)

	e.begin(ctx, run, logger)

	for _, p := range e.phases() {
		if p.skip != nil && p.skip(app) {
			run.Outcomes = append(run.Outcomes, PhaseOutcome{Phase: p.name, Status: StatusSkipped})
			e.events.Publish(events.PhaseSkipped, phasePayload(run, p.name, nil))
			continue
		}

		start := e.now()
		err := p.run(ctx, run)
		outcome := PhaseOutcome{Phase: p.name, Status: StatusOK, Duration: e.now().Sub(start)}
		if err != nil {
			outcome.Status = StatusFailed
			outcome.Err = err
			run.Outcomes = append(run.Outcomes, outcome)
			run.Err = &PhaseError{Phase: p.name, App: app.Name, Err: err}
			e.events.Publish(events.PhaseFailed, phasePayload(run, p.name, err))
			break
		}
		run.Outcomes = append(run.Outcomes, outcome)
		e.events.Publish(events.PhaseCompleted, phasePayload(run, p.name, nil))
		if p.done != "" {
			logger.Info(p.done, "phase", p.name, "duration_ms", outcome.Duration.Milliseconds())
		}
	}
	run.FinishedAt = e.now()

	if run.Err != nil {
		logger.Error("an error occurred while processing app", "phase", run.FailedPhase(), "error", run.Err)
		e.events.Publish(events.RunFailed, runPayload(run))
	} else {
		logger.Info("deployment succeeded", "duration_ms", run.FinishedAt.Sub(run.StartedAt).Milliseconds())
		e.events.Publish(events.RunSucceeded, runPayload(run))
	}

	// Bookkeeping outlives a cancelled caller.
	bgCtx := context.WithoutCancel(ctx)
	e.complete(bgCtx, run, logger)
	e.notify(bgCtx, run, logger)

	return run, run.Err
}

func (e *Executor) resolveCWD(ctx context.Context, r *Run) error {
	dir := r.app.CWD
	if dir == "" {
		if cached, ok := e.cwd.Get(r.App); ok {
			dir = cached
		}
	}
	if dir == "" {
		info, err := e.pm.Describe(ctx, r.App)
		if err != nil {
			return err
		}
		if info.CWD == "" {
			return fmt.Errorf("%w: %s has no working directory", ErrAppNotFound, r.App)
		}
		dir = info.CWD
		e.cwd.Set(r.App, dir)
	}

	env := append(os.Environ(),
		"DEPLOYHOOK_APP="+r.App,
		"DEPLOYHOOK_RUN_ID="+r.ID,
	)
	r.env = process.ExecEnv{Dir: dir, Env: env, Shell: true}
	return nil
}

func (e *Executor) pull(ctx context.Context, r *Run) error {
	if err := e.vcs.Update(ctx, r.env.Dir); err != nil {
		return err
	}
	head, err := e.vcs.Head(ctx, r.env.Dir)
	if err != nil {
		e.logger.Debug("could not read head commit", "app", r.App, "error", err)
		return nil
	}
	r.Commit = head
	return nil
}

func (e *Executor) preHook(ctx context.Context, r *Run) error {
	h, err := e.registry.Supersede(r.App, func() (*process.Handle, error) {
		return e.runner.Start(r.app.PreHook, r.env)
	})
	if err != nil {
		return err
	}
	return e.waitHook(ctx, r, h, "prehook")
}

func (e *Executor) reload(ctx context.Context, r *Run) error {
	return e.pm.GracefulReload(ctx, r.App)
}

func (e *Executor) postHook(ctx context.Context, r *Run) error {
	h, err := e.runner.Start(r.app.PostHook, r.env)
	if err != nil {
		return err
	}
	return e.waitHook(ctx, r, h, "posthook")
}

// waitHook waits for a hook process and applies the exit status policy:
// a non-zero exit fails the phase only for apps with strict_hooks, and a
// hook killed by a newer delivery resolves the phase.
func (e *Executor) waitHook(ctx context.Context, r *Run, h *process.Handle, name string) error {
	waitCtx := ctx
	if r.app.HookTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, r.app.HookTimeout)
		defer cancel()
	}

	res, err := h.Wait(waitCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%s exceeded hook_timeout %s: %w", name, r.app.HookTimeout, err)
		}
		return fmt.Errorf("%s interrupted: %w", name, err)
	}
	if res.Cancelled {
		// A newer delivery replaced this pre-hook; the run still reloads.
		e.logger.Info("prehook superseded by a newer delivery", "app", r.App, "run_id", r.ID, "hook", name)
		e.events.Publish(events.PrehookSuperseded, map[string]any{"app": r.App, "run_id": r.ID})
		return nil
	}
	if res.Err != nil {
		return fmt.Errorf("%s: %w", name, res.Err)
	}
	if res.ExitCode != 0 {
		if r.app.StrictHooks {
			return fmt.Errorf("%s exited with code %d", name, res.ExitCode)
		}
		e.logger.Warn("hook exited with non-zero status", "app", r.App, "run_id", r.ID, "hook", name, "exit_code", res.ExitCode)
	}
	return nil
}

func (e *Executor) begin(ctx context.Context, r *Run, logger *slog.Logger) {
	e.events.Publish(events.RunStarted, runPayload(r))
	if e.recorder == nil {
		return
	}
	err := e.recorder.Begin(ctx, history.Run{
		ID:        r.ID,
		App:       r.App,
		Trigger:   r.Trigger,
		StartedAt: r.StartedAt,
	})
	if err != nil {
		logger.Warn("failed to record run start", "error", err)
	}
}

func (e *Executor) complete(ctx context.Context, r *Run, logger *slog.Logger) {
	if e.recorder == nil {
		return
	}
	c := history.Completion{
		Status:      history.StatusSucceeded,
		Commit:      r.Commit,
		FinishedAt:  r.FinishedAt,
		FailedPhase: r.FailedPhase(),
	}
	if r.Err != nil {
		c.Status = history.StatusFailed
		c.Error = r.Err.Error()
	}
	for _, o := range r.Outcomes {
		p := history.Phase{Name: o.Phase, Status: string(o.Status), DurationMS: o.Duration.Milliseconds()}
		if o.Err != nil {
			p.Error = o.Err.Error()
		}
		c.Phases = append(c.Phases, p)
	}
	if err := e.recorder.Complete(ctx, r.ID, c); err != nil {
		logger.Warn("failed to record run completion", "error", err)
	}
}

func (e *Executor) notify(ctx context.Context, r *Run, logger *slog.Logger) {
	if e.notifier == nil {
		return
	}
	s := notify.Summary{
		App:      r.App,
		RunID:    r.ID,
		Trigger:  r.Trigger,
		Success:  r.Succeeded(),
		Commit:   r.Commit,
		Duration: r.FinishedAt.Sub(r.StartedAt),
		Phase:    r.FailedPhase(),
	}
	if r.Err != nil {
		s.Error = r.Err.Error()
	}
	if err := e.notifier.Notify(ctx, s); err != nil {
		logger.Warn("failed to send notification", "error", err)
	}
}

func runPayload(r *Run) map[string]any {
	out := map[string]any{
		"app":     r.App,
		"run_id":  r.ID,
		"trigger": r.Trigger,
	}
	if r.Commit != "" {
		out["commit"] = r.Commit
	}
	if r.Err != nil {
		out["error"] = r.Err.Error()
		out["phase"] = r.FailedPhase()
	}
	return out
}

func phasePayload(r *Run, name string, err error) map[string]any {
	out := map[string]any{
		"app":    r.App,
		"run_id": r.ID,
		"phase":  name,
	}
	if err != nil {
		out["error"] = err.Error()
	}
	return out
}

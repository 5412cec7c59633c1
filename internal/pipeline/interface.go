package pipeline

import (
	"context"

	"github.com/mattjoyce/deployhook/internal/history"
	"github.com/mattjoyce/deployhook/internal/notify"
	"github.com/mattjoyce/deployhook/internal/pm2"
)

//go:generate mockgen -destination=mocks/mock_collaborators.go -package=mocks github.com/mattjoyce/deployhook/internal/pipeline ProcessManager,VCS,Notifier,Recorder

// ProcessManager describes and reloads running applications.
type ProcessManager interface {
	Describe(ctx context.Context, name string) (pm2.AppInfo, error)
	GracefulReload(ctx context.Context, name string) error
}

// VCS synchronises working copies.
type VCS interface {
	// Update pulls the latest code into folder. Already up to date is not an error.
	Update(ctx context.Context, folder string) error
	// Head returns the commit hash checked out in folder.
	Head(ctx context.Context, folder string) (string, error)
	// Clone checks out branch of url into dir and returns its head commit.
	Clone(ctx context.Context, url, branch, dir string) (string, error)
}

// Notifier delivers a run summary to humans. Failures are logged, never fatal.
type Notifier interface {
	Notify(ctx context.Context, s notify.Summary) error
}

// Recorder persists the run history.
type Recorder interface {
	Begin(ctx context.Context, run history.Run) error
	Complete(ctx context.Context, id string, c history.Completion) error
	LastGoodCommit(ctx context.Context, app string) (string, error)
	SetLastGoodCommit(ctx context.Context, app, commit string) error
}

// Package vcs keeps application working copies in sync with their remotes.
package vcs

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Git synchronises working copies using go-git. Remote credentials come from
// go-git's defaults (ssh-agent for ssh remotes).
type Git struct {
	// RemoteName is the remote pulled from, "origin" when empty.
	RemoteName string
}

func NewGit() *Git {
	return &Git{RemoteName: git.DefaultRemoteName}
}

func (g *Git) remote() string {
	if g.RemoteName == "" {
		return git.DefaultRemoteName
	}
	return g.RemoteName
}

func open(folder string) (*git.Repository, error) {
	repo, err := git.PlainOpenWithOptions(folder, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", folder, err)
	}
	return repo, nil
}

// Update fast-forwards the checked out branch of folder. A working copy that
// is already up to date is not an error.
func (g *Git) Update(ctx context.Context, folder string) error {
	repo, err := open(folder)
	if err != nil {
		return err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree %s: %w", folder, err)
	}

	err = wt.PullContext(ctx, &git.PullOptions{RemoteName: g.remote()})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("pull %s: %w", folder, err)
	}
	return nil
}

// Head returns the commit hash checked out in folder.
func (g *Git) Head(ctx context.Context, folder string) (string, error) {
	repo, err := open(folder)
	if err != nil {
		return "", err
	}
	ref, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("head %s: %w", folder, err)
	}
	return ref.Hash().String(), nil
}

// Clone checks out branch (the remote default when empty) of url into dir
// and returns its head commit.
func (g *Git) Clone(ctx context.Context, url, branch, dir string) (string, error) {
	opts := &git.CloneOptions{
		URL:          url,
		SingleBranch: true,
	}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
	}

	repo, err := git.PlainCloneContext(ctx, dir, false, opts)
	if err != nil {
		return "", fmt.Errorf("clone %s: %w", url, err)
	}
	ref, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("head of %s: %w", url, err)
	}
	return ref.Hash().String(), nil
}

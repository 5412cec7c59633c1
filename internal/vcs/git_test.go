package vcs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// commitFile writes name into the worktree of repo at dir and commits it.
func commitFile(t *testing.T, repo *git.Repository, dir, name, content string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(name)
	require.NoError(t, err)

	hash, err := wt.Commit("update "+name, &git.CommitOptions{
		Author: &object.Signature{Name: "deployhook", Email: "deployhook@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return hash.String()
}

func newOrigin(t *testing.T) (*git.Repository, string, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	head := commitFile(t, repo, dir, "app.js", "console.log('v1')\n")
	return repo, dir, head
}

func TestCloneAndHead(t *testing.T) {
	_, origin, head := newOrigin(t)
	g := NewGit()
	ctx := context.Background()

	dir := filepath.Join(t.TempDir(), "checkout")
	got, err := g.Clone(ctx, origin, "", dir)
	require.NoError(t, err)
	assert.Equal(t, head, got)
	assert.FileExists(t, filepath.Join(dir, "app.js"))

	fromHead, err := g.Head(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, head, fromHead)
}

func TestUpdate(t *testing.T) {
	originRepo, origin, _ := newOrigin(t)
	g := NewGit()
	ctx := context.Background()

	dir := filepath.Join(t.TempDir(), "app")
	_, err := g.Clone(ctx, origin, "", dir)
	require.NoError(t, err)

	// Nothing new upstream: pulling is a no-op, not an error.
	require.NoError(t, g.Update(ctx, dir))
	require.NoError(t, g.Update(ctx, dir))

	next := commitFile(t, originRepo, origin, "app.js", "console.log('v2')\n")
	require.NoError(t, g.Update(ctx, dir))

	head, err := g.Head(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, next, head)

	data, err := os.ReadFile(filepath.Join(dir, "app.js"))
	require.NoError(t, err)
	assert.Equal(t, "console.log('v2')\n", string(data))
}

func TestUpdateFromSubdirectory(t *testing.T) {
	_, origin, _ := newOrigin(t)
	g := NewGit()
	ctx := context.Background()

	dir := filepath.Join(t.TempDir(), "app")
	_, err := g.Clone(ctx, origin, "", dir)
	require.NoError(t, err)

	sub := filepath.Join(dir, "server")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	assert.NoError(t, g.Update(ctx, sub))
}

func TestUpdateNotARepository(t *testing.T) {
	err := NewGit().Update(context.Background(), t.TempDir())
	assert.Error(t, err)
}

func TestCloneUnknownBranch(t *testing.T) {
	_, origin, _ := newOrigin(t)
	_, err := NewGit().Clone(context.Background(), origin, "does-not-exist", filepath.Join(t.TempDir(), "x"))
	assert.Error(t, err)
}

// Package gitrepo implements the Git Workspace (C3): a clone-or-refresh
// local checkout of one repository at a pinned branch, always produced by
// invoking the real git binary through the Subprocess Runner — never a
// library's git plumbing — so the working tree a human operator would get
// from the same commands is exactly the tree the service acts on.
package gitrepo

import (
	"context"
	"os"
	"time"

	"github.com/hedgehog/gitops-sync/internal/errs"
	"github.com/hedgehog/gitops-sync/internal/execx"
	"github.com/hedgehog/gitops-sync/internal/validate"
)

// gitTimeout bounds every invocation of the git binary.
const gitTimeout = 2 * time.Minute

// Workspace is the on-disk checkout of one repository at one branch.
type Workspace struct {
	runner execx.CommandRunner
	path   string
	repo   string
	branch string
}

// New returns a Workspace rooted at localPath, tracking branch of repoURL.
// branch must already have passed validate.Branch; the caller (Config
// Store) is responsible for that.
func New(runner execx.CommandRunner, repoURL, branch, localPath string) *Workspace {
	return &Workspace{runner: runner, path: localPath, repo: repoURL, branch: branch}
}

// Path returns the absolute local checkout path.
func (w *Workspace) Path() string { return w.path }

// Ensure clones the repository into Path if it does not yet exist, or
// refreshes it if it does.
func (w *Workspace) Ensure(ctx context.Context) error {
	if !validate.Branch(w.branch) {
		return &errs.ValidationError{Field: "git.branch", Value: w.branch, Rule: string(validate.KindBranch)}
	}

	if _, err := os.Stat(w.path); os.IsNotExist(err) {
		return w.clone(ctx)
	} else if err != nil {
		return &errs.GitError{Op: "stat", Cause: err}
	}
	return w.Refresh(ctx)
}

func (w *Workspace) clone(ctx context.Context) error {
	if err := os.MkdirAll(w.path, 0o755); err != nil {
		return &errs.GitError{Op: "mkdir", Cause: err}
	}
	args := []string{"clone", "--branch", w.branch, "--single-branch", w.repo, w.path}
	if _, err := w.runner.Run(ctx, "git", args, execx.Options{Timeout: gitTimeout, Capture: true}); err != nil {
		return &errs.GitError{Op: "clone", Cause: err}
	}
	return nil
}

// Refresh fetches branch from origin, then hard-resets the working tree to
// origin/<branch> and removes untracked files. This is chosen over a
// merge/pull so the working tree is deterministic even after local
// corruption — there is no code path in this service that merges.
func (w *Workspace) Refresh(ctx context.Context) error {
	if _, err := w.run(ctx, "fetch", "origin", w.branch); err != nil {
		return &errs.GitError{Op: "fetch", Cause: err}
	}
	if _, err := w.run(ctx, "reset", "--hard", "origin/"+w.branch); err != nil {
		return &errs.GitError{Op: "reset", Cause: err}
	}
	if _, err := w.run(ctx, "clean", "-fdx"); err != nil {
		return &errs.GitError{Op: "clean", Cause: err}
	}
	return nil
}

// CurrentCommit returns HEAD as a hex string.
func (w *Workspace) CurrentCommit(ctx context.Context) (string, error) {
	res, err := w.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", &errs.GitError{Op: "rev-parse", Cause: err}
	}
	return trimNewline(res.Stdout), nil
}

func (w *Workspace) run(ctx context.Context, args ...string) (*execx.Result, error) {
	return w.runner.Run(ctx, "git", args, execx.Options{Dir: w.path, Timeout: gitTimeout, Capture: true})
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

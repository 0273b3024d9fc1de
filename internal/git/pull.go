package git

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// PullStatus is the outcome of Pull
type PullStatus int

const (
	PullUpToDate PullStatus = iota
	PullUpdated
	PullConflict
	PullAuthFailure
)

func (s PullStatus) String() string {
	switch s {
	case PullUpToDate:
		return "up_to_date"
	case PullUpdated:
		return "updated"
	case PullConflict:
		return "conflict"
	case PullAuthFailure:
		return "auth_failure"
	default:
		return "unknown"
	}
}

// PullResult describes a finished pull
type PullResult struct {
	Status PullStatus
	Before string
	After  string
	// NoRemote is set when the configured remote does not exist
	NoRemote bool
	// RemoteBranchMissing is set when the remote has no such branch yet
	RemoteBranchMissing bool
}

// Pull fetches the remote branch and merges it into HEAD. A conflicting
// merge is aborted and reported as PullConflict together with a
// *ConflictError; it is never resolved automatically.
func (c *ShellClient) Pull(ctx context.Context) (*PullResult, error) {
	st, err := c.Inspect(ctx)
	if err != nil {
		return nil, err
	}
	res := &PullResult{Before: st.Head, After: st.Head}

	if st.Merging {
		paths, _ := c.unmergedPaths(ctx)
		res.Status = PullConflict
		return res, &ConflictError{Paths: paths}
	}
	if !st.HasRemote() {
		c.logger.Warn("remote not configured, skipping pull", "remote", st.Remote)
		res.NoRemote = true
		return res, nil
	}
	if st.Branch == "" {
		return nil, fmt.Errorf("%w: HEAD is detached and no branch is configured", ErrNotRepository)
	}

	if err := c.checkKey(); err != nil {
		res.Status = PullAuthFailure
		return res, err
	}
	if _, err := c.run(ctx, "fetch", "--prune", st.Remote); err != nil {
		return c.networkFailure(res, err)
	}

	st, err = c.Inspect(ctx)
	if err != nil {
		return nil, err
	}
	if st.RemoteHead == "" {
		c.logger.Info("remote branch does not exist yet", "remote", st.Remote, "branch", st.Branch)
		res.RemoteBranchMissing = true
		return res, nil
	}

	remoteRef := st.Remote + "/" + st.Branch

	if st.Unborn {
		// Adopt the remote history without overwriting anything already in
		// the work tree, then fill in files the work tree lacks so they do
		// not show up as deletions.
		if _, err := c.run(ctx, "reset", "--mixed", "-q", remoteRef); err != nil {
			return nil, fmt.Errorf("failed to adopt %s: %w", remoteRef, err)
		}
		if _, err := c.run(ctx, "checkout-index", "--all", "--quiet"); err != nil {
			// exits non-zero whenever it skipped an existing file
			c.logger.Debug("checkout-index skipped existing files", "error", err)
		}
		res.Status = PullUpdated
		res.After = st.RemoteHead
		return res, nil
	}

	if st.Head == st.RemoteHead {
		return res, nil
	}

	contained, err := c.run(ctx, "merge-base", "--is-ancestor", remoteRef, "HEAD")
	if err == nil {
		// local branch is ahead, nothing to merge
		return res, nil
	}
	if contained.ExitCode != 1 {
		return nil, fmt.Errorf("failed to compare with %s: %w", remoteRef, err)
	}

	if mres, err := c.runWithIdentity(ctx, "merge", "--no-edit", remoteRef); err != nil {
		return c.mergeFailure(ctx, res, mres, err)
	}

	after, err := c.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("git rev-parse failed: %w", err)
	}
	res.Status = PullUpdated
	res.After = strings.TrimSpace(after.Stdout)
	return res, nil
}

func (c *ShellClient) networkFailure(res *PullResult, err error) (*PullResult, error) {
	err = classifyNetwork(err)
	if errors.Is(err, ErrAuthFailure) {
		res.Status = PullAuthFailure
		return res, err
	}
	return nil, fmt.Errorf("git fetch failed: %w", err)
}

// mergeFailure turns a failed merge into PullConflict, restoring the
// pre-merge state when git left a merge in progress
func (c *ShellClient) mergeFailure(ctx context.Context, res *PullResult, mres *cmdResult, mergeErr error) (*PullResult, error) {
	if ctx.Err() != nil {
		return nil, mergeErr
	}

	paths, err := c.unmergedPaths(ctx)
	if err != nil {
		return nil, fmt.Errorf("git merge failed: %w", mergeErr)
	}
	if len(paths) > 0 {
		if _, err := c.run(ctx, "merge", "--abort"); err != nil {
			c.logger.Error("failed to abort merge", "error", err)
		}
		res.Status = PullConflict
		return res, &ConflictError{Paths: paths}
	}

	// Uncommitted or untracked files in the way: git refuses before starting.
	if mres != nil && strings.Contains(mres.Stderr, "would be overwritten by merge") {
		res.Status = PullConflict
		return res, &ConflictError{Paths: blockedPaths(mres.Stderr)}
	}

	return nil, fmt.Errorf("git merge failed: %w", mergeErr)
}

func (c *ShellClient) unmergedPaths(ctx context.Context) ([]string, error) {
	res, err := c.run(ctx, "diff", "--name-only", "--diff-filter=U", "-z")
	if err != nil {
		return nil, err
	}
	return splitNUL(res.Stdout), nil
}

// blockedPaths extracts the tab-indented file list git prints when a merge
// would overwrite local files
func blockedPaths(stderr string) []string {
	var paths []string
	for _, line := range strings.Split(stderr, "\n") {
		if strings.HasPrefix(line, "\t") {
			if p := strings.TrimSpace(line); p != "" {
				paths = append(paths, p)
			}
		}
	}
	return paths
}

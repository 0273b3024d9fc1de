package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// RepoState is a read-only view of the destination repository
type RepoState struct {
	// Branch is the branch commits go to; empty when HEAD is detached and
	// no branch is configured
	Branch string
	// Head is the commit hash HEAD resolves to, empty when Unborn
	Head   string
	Unborn bool
	// TrackedFiles counts index entries; zero means nothing was ever replicated
	TrackedFiles int
	Remote       string
	// RemoteURL is empty when the remote is not configured
	RemoteURL string
	// RemoteHead is the last fetched hash of <remote>/<branch>, empty when unknown
	RemoteHead string
	// Merging is set when a merge was left in progress
	Merging bool
}

// HasRemote reports whether the configured remote exists
func (s *RepoState) HasRemote() bool {
	return s.RemoteURL != ""
}

// Inspect reads the repository state without running git
func (c *ShellClient) Inspect(ctx context.Context) (*RepoState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	repo, err := gogit.PlainOpen(c.opts.RepoDir)
	if err != nil {
		if errors.Is(err, gogit.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s", ErrNotRepository, c.opts.RepoDir)
		}
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}

	st := &RepoState{Remote: c.opts.Remote}

	headRef, err := repo.Reference(plumbing.HEAD, false)
	if err != nil {
		return nil, fmt.Errorf("failed to read HEAD: %w", err)
	}
	if headRef.Type() == plumbing.SymbolicReference {
		st.Branch = headRef.Target().Short()
	}
	if c.opts.Branch != "" {
		st.Branch = c.opts.Branch
	}

	resolved, err := repo.Head()
	switch {
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		st.Unborn = true
	case err != nil:
		return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
	default:
		st.Head = resolved.Hash().String()
	}

	idx, err := repo.Storer.Index()
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	st.TrackedFiles = len(idx.Entries)

	remote, err := repo.Remote(c.opts.Remote)
	switch {
	case errors.Is(err, gogit.ErrRemoteNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to read remote %q: %w", c.opts.Remote, err)
	default:
		if urls := remote.Config().URLs; len(urls) > 0 {
			st.RemoteURL = urls[0]
		}
	}

	if st.HasRemote() && st.Branch != "" {
		ref, err := repo.Reference(plumbing.NewRemoteReferenceName(c.opts.Remote, st.Branch), true)
		switch {
		case errors.Is(err, plumbing.ErrReferenceNotFound):
		case err != nil:
			return nil, fmt.Errorf("failed to read remote branch: %w", err)
		default:
			st.RemoteHead = ref.Hash().String()
		}
	}

	if _, err := os.Stat(filepath.Join(c.opts.RepoDir, ".git", "MERGE_HEAD")); err == nil {
		st.Merging = true
	}

	return st, nil
}

// NeedsPush reports whether HEAD holds commits the last fetched remote
// branch does not have
func (c *ShellClient) NeedsPush(ctx context.Context) (bool, error) {
	st, err := c.Inspect(ctx)
	if err != nil {
		return false, err
	}
	if st.Unborn || !st.HasRemote() {
		return false, nil
	}
	if st.RemoteHead == "" {
		return true, nil
	}
	if st.RemoteHead == st.Head {
		return false, nil
	}

	repo, err := gogit.PlainOpen(c.opts.RepoDir)
	if err != nil {
		return false, fmt.Errorf("failed to open repository: %w", err)
	}
	head, err := repo.CommitObject(plumbing.NewHash(st.Head))
	if err != nil {
		return false, fmt.Errorf("failed to load HEAD commit: %w", err)
	}
	remoteHead, err := repo.CommitObject(plumbing.NewHash(st.RemoteHead))
	if err != nil {
		return false, fmt.Errorf("failed to load remote commit: %w", err)
	}

	// HEAD already contained in the remote branch means we are behind, not ahead
	behind, err := head.IsAncestor(remoteHead)
	if err != nil {
		return false, fmt.Errorf("failed to compare with remote: %w", err)
	}
	return !behind, nil
}

package git

import (
	"context"
	"fmt"
	"strings"
)

// CommitStatus is the outcome of CommitIfChanged
type CommitStatus int

const (
	CommitNoChanges CommitStatus = iota
	CommitCommitted
)

func (s CommitStatus) String() string {
	switch s {
	case CommitNoChanges:
		return "no_changes"
	case CommitCommitted:
		return "committed"
	default:
		return "unknown"
	}
}

// CommitResult describes a finished commit attempt
type CommitResult struct {
	Status CommitStatus
	Hash   string
	// Files is the number of staged paths that went into the commit
	Files int
}

// CommitIfChanged stages the whole work tree and commits it with message.
// An empty staged diff yields CommitNoChanges and no commit.
func (c *ShellClient) CommitIfChanged(ctx context.Context, message string) (*CommitResult, error) {
	if _, err := c.run(ctx, "add", "-A"); err != nil {
		return nil, fmt.Errorf("git add failed: %w", err)
	}

	diff, err := c.run(ctx, "diff", "--cached", "--quiet")
	if err == nil {
		return &CommitResult{Status: CommitNoChanges}, nil
	}
	if diff.ExitCode != 1 {
		return nil, fmt.Errorf("git diff failed: %w", err)
	}

	names, err := c.run(ctx, "diff", "--cached", "--name-only", "-z")
	if err != nil {
		return nil, fmt.Errorf("git diff failed: %w", err)
	}
	files := len(splitNUL(names.Stdout))

	if _, err := c.runWithIdentity(ctx, "commit", "-q", "-m", message); err != nil {
		return nil, fmt.Errorf("git commit failed: %w", err)
	}

	head, err := c.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("git rev-parse failed: %w", err)
	}

	return &CommitResult{
		Status: CommitCommitted,
		Hash:   strings.TrimSpace(head.Stdout),
		Files:  files,
	}, nil
}

package git

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// PushStatus is the outcome of Push
type PushStatus int

const (
	PushPushed PushStatus = iota
	PushUpToDate
	PushRejected
	PushAuthFailure
)

func (s PushStatus) String() string {
	switch s {
	case PushPushed:
		return "pushed"
	case PushUpToDate:
		return "up_to_date"
	case PushRejected:
		return "rejected"
	case PushAuthFailure:
		return "auth_failure"
	default:
		return "unknown"
	}
}

// PushResult describes a finished push
type PushResult struct {
	Status PushStatus
	// SetUpstream is set when the branch was created on the remote
	SetUpstream bool
	// Summary is git's one-line summary for the pushed ref
	Summary string
}

// Push pushes HEAD to the remote branch. A non-fast-forward refusal is
// PushRejected wrapped in ErrPushRejected; callers pull and retry.
func (c *ShellClient) Push(ctx context.Context) (*PushResult, error) {
	st, err := c.Inspect(ctx)
	if err != nil {
		return nil, err
	}
	if !st.HasRemote() {
		return nil, fmt.Errorf("remote %q is not configured", st.Remote)
	}
	if st.Branch == "" {
		return nil, fmt.Errorf("%w: HEAD is detached and no branch is configured", ErrNotRepository)
	}
	if st.Unborn {
		return &PushResult{Status: PushUpToDate}, nil
	}

	res := &PushResult{}
	if err := c.checkKey(); err != nil {
		res.Status = PushAuthFailure
		return res, err
	}

	target := "refs/heads/" + st.Branch
	args := []string{"push", "--porcelain"}
	if st.RemoteHead == "" {
		args = append(args, "-u")
		res.SetUpstream = true
	}
	args = append(args, st.Remote, "HEAD:"+target)

	out, runErr := c.run(ctx, args...)
	flag, summary := parsePorcelain(out.Stdout, target)
	res.Summary = summary

	switch {
	case flag == '!':
		res.Status = PushRejected
		return res, fmt.Errorf("%w: %s", ErrPushRejected, summary)
	case runErr != nil:
		if ctx.Err() != nil {
			return nil, runErr
		}
		if err := classifyNetwork(runErr); errors.Is(err, ErrAuthFailure) {
			res.Status = PushAuthFailure
			return res, err
		}
		if isRejection(out.Stderr) {
			res.Status = PushRejected
			return res, fmt.Errorf("%w: %w", ErrPushRejected, runErr)
		}
		return nil, fmt.Errorf("git push failed: %w", runErr)
	case flag == '=':
		res.Status = PushUpToDate
		res.SetUpstream = false
	default:
		res.Status = PushPushed
	}
	return res, nil
}

// parsePorcelain finds the status line for ref in `git push --porcelain`
// output and returns its flag character and summary
func parsePorcelain(stdout, ref string) (byte, string) {
	for _, line := range strings.Split(stdout, "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) < 3 || len(fields[0]) != 1 {
			continue
		}
		refs := fields[1]
		if i := strings.LastIndex(refs, ":"); i >= 0 {
			refs = refs[i+1:]
		}
		if refs == ref {
			return fields[0][0], strings.TrimSpace(fields[2])
		}
	}
	return 0, ""
}

func isRejection(stderr string) bool {
	return strings.Contains(stderr, "[rejected]") ||
		strings.Contains(stderr, "non-fast-forward") ||
		strings.Contains(stderr, "fetch first")
}

package git

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotRepository means the destination is not the root of a git work tree
	ErrNotRepository = errors.New("not a git repository")
	// ErrAuthFailure covers a missing or rejected key and an unreachable host
	ErrAuthFailure = errors.New("git authentication failed")
	// ErrMergeConflict means the remote branch cannot be merged without a human
	ErrMergeConflict = errors.New("merge conflict")
	// ErrPushRejected means the remote refused a non-fast-forward update
	ErrPushRejected = errors.New("push rejected")
)

// ConflictError lists the paths that blocked a merge
type ConflictError struct {
	Paths []string
}

func (e *ConflictError) Error() string {
	if len(e.Paths) == 0 {
		return ErrMergeConflict.Error()
	}
	return fmt.Sprintf("%s in %d path(s): %s", ErrMergeConflict, len(e.Paths), strings.Join(e.Paths, ", "))
}

func (e *ConflictError) Unwrap() error {
	return ErrMergeConflict
}

// CommandError is a git invocation that exited non-zero
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	sub := ""
	if len(e.Args) > 0 {
		sub = e.Args[0]
	}
	return fmt.Sprintf("git %s: exit status %d: %s", sub, e.ExitCode, strings.TrimSpace(e.Stderr))
}

// authMarkers are stderr fragments (LC_ALL=C) emitted by git and ssh when
// the remote cannot be reached or refuses the credentials
var authMarkers = []string{
	"permission denied",
	"could not read from remote repository",
	"host key verification failed",
	"could not resolve hostname",
	"connection refused",
	"connection timed out",
	"operation timed out",
	"authentication failed",
	"network is unreachable",
	"no route to host",
}

func isAuthFailure(stderr string) bool {
	s := strings.ToLower(stderr)
	for _, m := range authMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// classifyNetwork wraps err in ErrAuthFailure when it looks like a
// credential or connectivity problem
func classifyNetwork(err error) error {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && isAuthFailure(cmdErr.Stderr) {
		return fmt.Errorf("%w: %w", ErrAuthFailure, err)
	}
	return err
}

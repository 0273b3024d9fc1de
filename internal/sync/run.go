package sync

import (
	"errors"
	"time"

	"github.com/schaermu/vaultsync/internal/git"
	"github.com/schaermu/vaultsync/internal/lock"
	"github.com/schaermu/vaultsync/internal/replicate"
	"github.com/schaermu/vaultsync/internal/settle"
)

// Process exit codes reported for a run
const (
	ExitOK       = 0
	ExitFatal    = 1
	ExitWarnings = 2
)

// Stage is the pipeline step a run is in or failed at
type Stage int

const (
	// StageInit covers lock acquisition and repository inspection
	StageInit Stage = iota
	StagePull
	StageSettle
	StageReplicate
	StageCommit
	StagePush
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageInit:
		return "init"
	case StagePull:
		return "pull"
	case StageSettle:
		return "settle"
	case StageReplicate:
		return "replicate"
	case StageCommit:
		return "commit"
	case StagePush:
		return "push"
	case StageDone:
		return "done"
	default:
		return "unknown"
	}
}

// Outcome is the terminal result of a run
type Outcome int

const (
	Success Outcome = iota
	NoChanges
	RecoverableFailure
	FatalFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case NoChanges:
		return "no_changes"
	case RecoverableFailure:
		return "recoverable_failure"
	case FatalFailure:
		return "fatal_failure"
	default:
		return "unknown"
	}
}

// Run records one execution of the pipeline. The engine owns it until Run
// returns; afterwards it is read-only.
type Run struct {
	ID        string
	StartTime time.Time
	EndTime   time.Time
	Stage     Stage
	Outcome   Outcome
	DryRun    bool

	// Err is the fatal error that stopped the pipeline
	Err error
	// Warnings are the recoverable problems the run carried on past
	Warnings []error

	Pull        *git.PullResult
	Settle      *settle.Result
	Replicate   *replicate.Result
	Commit      *git.CommitResult
	Push        *git.PushResult
	PushRetried bool
}

// Duration is the wall time of the run
func (r *Run) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// Pushed reports whether the run delivered commits to the remote
func (r *Run) Pushed() bool {
	return r.Push != nil && r.Push.Status == git.PushPushed
}

// LockHeld reports whether the run stopped because another run is active
func (r *Run) LockHeld() bool {
	return errors.Is(r.Err, lock.ErrHeld)
}

// ExitCode maps the outcome to the process exit status: 0 for a clean run
// (and for a run that found another one active), 2 when it finished with
// warnings, 1 when it did not finish.
func (r *Run) ExitCode() int {
	switch r.Outcome {
	case Success, NoChanges:
		return ExitOK
	case RecoverableFailure:
		return ExitWarnings
	default:
		if r.LockHeld() {
			return ExitOK
		}
		return ExitFatal
	}
}

func (r *Run) warn(err error) {
	r.Warnings = append(r.Warnings, err)
}

func (r *Run) fail(err error) {
	r.Outcome = FatalFailure
	r.Err = err
}

// finish settles the outcome of a run that got through every stage
func (r *Run) finish(changed bool) {
	r.Stage = StageDone
	switch {
	case len(r.Warnings) > 0:
		r.Outcome = RecoverableFailure
	case changed:
		r.Outcome = Success
	default:
		r.Outcome = NoChanges
	}
}

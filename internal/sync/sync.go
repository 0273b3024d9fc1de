package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/schaermu/vaultsync/internal/config"
	"github.com/schaermu/vaultsync/internal/git"
	"github.com/schaermu/vaultsync/internal/lock"
	"github.com/schaermu/vaultsync/internal/replicate"
	"github.com/schaermu/vaultsync/internal/settle"
)

// Settler waits for the cloud daemon to stop writing the vault
type Settler interface {
	WaitUntilSettled(ctx context.Context, dir string, timeout time.Duration) (settle.Result, error)
}

// Replicator mirrors the vault into the destination work tree
type Replicator interface {
	Replicate(ctx context.Context, src, dst string, opts replicate.Options) (*replicate.Result, error)
}

// Engine orchestrates the sync process
type Engine struct {
	cfg        *config.Config
	git        git.Gateway
	settler    Settler
	replicator Replicator
	logger     *slog.Logger
	dryRun     bool

	staleAfter time.Duration
	now        func() time.Time
	newID      func() string
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, gateway git.Gateway, settler Settler, replicator Replicator, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:        cfg,
		git:        gateway,
		settler:    settler,
		replicator: replicator,
		logger:     logger,
		dryRun:     dryRun,
		staleAfter: lock.DefaultStaleAfter,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// Run executes one complete pipeline: pull, settle, replicate, commit and
// push. It never retries beyond a single push retry; the scheduler invoking
// the binary again is the retry mechanism for everything else.
func (e *Engine) Run(ctx context.Context) *Run {
	run := &Run{
		ID:        e.newID(),
		StartTime: e.now(),
		Stage:     StageInit,
		DryRun:    e.dryRun,
	}
	logger := e.logger.With("run_id", run.ID)

	logger.Info("starting sync",
		"source", e.cfg.SourceDir,
		"dest", e.cfg.DestDir,
		"dry_run", e.dryRun)

	e.execute(ctx, run, logger)

	run.EndTime = e.now()
	e.logSummary(ctx, logger, run)
	return run
}

func (e *Engine) execute(ctx context.Context, run *Run, logger *slog.Logger) {
	// the lock lives in .git, so a destination without one fails here rather
	// than as a lock error
	if info, err := os.Stat(filepath.Join(e.cfg.DestDir, ".git")); err != nil || !info.IsDir() {
		run.fail(fmt.Errorf("%w: %s", git.ErrNotRepository, e.cfg.DestDir))
		logger.Error("destination is not a git work tree", "dest", e.cfg.DestDir, "error_kind", KindConfigurationInvalid)
		return
	}

	lk, err := lock.Acquire(e.cfg.LockFilePath(), run.ID, e.staleAfter)
	if err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			attrs := []any{"hung", held.Hung}
			if held.Lease != nil {
				attrs = append(attrs, "holder_run_id", held.Lease.RunID, "holder_pid", held.Lease.PID, "holder_since", held.Lease.AcquiredAt)
			}
			logger.Warn("sync already in progress", attrs...)
		}
		run.fail(err)
		return
	}
	defer func() {
		if err := lk.Release(); err != nil {
			logger.Error("failed to release lock", "path", lk.Path(), "error", err)
		}
	}()
	if lk.Recovered != nil {
		logger.Warn("previous run ended without releasing its lock",
			"stale_run_id", lk.Recovered.RunID,
			"stale_pid", lk.Recovered.PID,
			"stale_since", lk.Recovered.AcquiredAt)
	}

	if _, err := e.git.Inspect(ctx); err != nil {
		run.fail(fmt.Errorf("failed to inspect destination: %w", err))
		return
	}

	if e.dryRun {
		logger.Info("dry-run: skipping pull")
	} else if !e.pull(ctx, run, logger) {
		return
	}

	if !e.settle(ctx, run, logger) {
		return
	}

	state, ok := e.replicate(ctx, run, logger)
	if !ok {
		return
	}

	if e.dryRun {
		logger.Info("dry-run complete, no changes applied")
		run.finish(run.Replicate.FilesChanged+run.Replicate.FilesDeleted > 0)
		return
	}

	if !e.commit(ctx, run, logger) {
		return
	}

	if !e.push(ctx, run, logger, state) {
		return
	}

	run.finish(run.Commit.Status == git.CommitCommitted || run.Pushed())
}

func (e *Engine) pull(ctx context.Context, run *Run, logger *slog.Logger) bool {
	run.Stage = StagePull
	start := e.now()

	res, err := e.git.Pull(ctx)
	run.Pull = res
	if err != nil {
		e.stageFailed(logger, run, start, fmt.Errorf("pull failed: %w", err))
		return false
	}

	e.stageFinished(logger, StagePull, res.Status.String(), start,
		"before", res.Before,
		"after", res.After,
		"no_remote", res.NoRemote)
	return true
}

func (e *Engine) settle(ctx context.Context, run *Run, logger *slog.Logger) bool {
	run.Stage = StageSettle
	start := e.now()

	timeout := time.Duration(e.cfg.ICloudWaitTimeout) * time.Second
	if timeout == 0 {
		e.stageFinished(logger, StageSettle, "skipped", start)
		return true
	}

	logger.Info("waiting for cloud sync to settle", "timeout", timeout)
	res, err := e.settler.WaitUntilSettled(ctx, e.cfg.SourceDir, timeout)
	if err != nil {
		if ctx.Err() != nil {
			e.stageFailed(logger, run, start, err)
			return false
		}
		// An unreadable vault is caught by replicate; the settle check only
		// guards consistency, so its failure is not fatal by itself.
		run.warn(fmt.Errorf("settle check failed: %w", err))
		logger.Warn("settle check failed, proceeding", "error", err)
		e.stageFinished(logger, StageSettle, "error", start)
		return true
	}
	run.Settle = &res

	if res.Status == settle.TimedOut {
		run.warn(fmt.Errorf("%w after %s", settle.ErrTimeout, res.Elapsed.Round(time.Second)))
		logger.Warn("vault did not settle before timeout, proceeding anyway",
			"timeout", timeout,
			"polls", res.Polls)
	}
	e.stageFinished(logger, StageSettle, res.Status.String(), start,
		"polls", res.Polls,
		"files", res.Files)
	return true
}

func (e *Engine) replicate(ctx context.Context, run *Run, logger *slog.Logger) (*git.RepoState, bool) {
	run.Stage = StageReplicate
	start := e.now()

	// re-read: the pull may have adopted remote history
	state, err := e.git.Inspect(ctx)
	if err != nil {
		e.stageFailed(logger, run, start, fmt.Errorf("failed to inspect destination: %w", err))
		return nil, false
	}
	firstRun := state.TrackedFiles == 0
	if firstRun {
		logger.Info("destination has no tracked files, performing full copy")
	}

	res, err := e.replicator.Replicate(ctx, e.cfg.SourceDir, e.cfg.DestDir, replicate.Options{
		Delete:   e.cfg.RsyncDelete,
		FirstRun: firstRun,
		DryRun:   e.dryRun,
		Exclude:  e.cfg.Exclude,
	})
	run.Replicate = res
	if err != nil {
		e.stageFailed(logger, run, start, fmt.Errorf("replication failed: %w", err))
		return nil, false
	}

	for _, te := range res.Errors {
		run.warn(te)
	}

	result := "ok"
	if len(res.Errors) > 0 {
		result = "partial"
	}
	e.stageFinished(logger, StageReplicate, result, start,
		"first_run", firstRun,
		"files_scanned", res.FilesScanned,
		"files_changed", res.FilesChanged,
		"files_deleted", res.FilesDeleted,
		"transfer_errors", len(res.Errors))
	return state, true
}

func (e *Engine) commit(ctx context.Context, run *Run, logger *slog.Logger) bool {
	run.Stage = StageCommit
	start := e.now()

	message := git.CommitMessage(e.cfg.Git.CommitPrefix, e.now())
	res, err := e.git.CommitIfChanged(ctx, message)
	run.Commit = res
	if err != nil {
		e.stageFailed(logger, run, start, fmt.Errorf("commit failed: %w", err))
		return false
	}

	e.stageFinished(logger, StageCommit, res.Status.String(), start,
		"commit", res.Hash,
		"files_committed", res.Files)
	return true
}

func (e *Engine) push(ctx context.Context, run *Run, logger *slog.Logger, state *git.RepoState) bool {
	run.Stage = StagePush
	start := e.now()

	if !state.HasRemote() {
		run.warn(fmt.Errorf("%w: %s", ErrNoRemote, state.Remote))
		logger.Warn("remote not configured, skipping push", "remote", state.Remote)
		e.stageFinished(logger, StagePush, "skipped", start)
		return true
	}

	if run.Commit.Status == git.CommitNoChanges {
		pending, err := e.git.NeedsPush(ctx)
		if err != nil {
			e.stageFailed(logger, run, start, fmt.Errorf("failed to check for unpushed commits: %w", err))
			return false
		}
		if !pending {
			e.stageFinished(logger, StagePush, "skipped", start)
			return true
		}
		logger.Info("pushing commits left over from a previous run")
	}

	res, err := e.git.Push(ctx)
	if errors.Is(err, git.ErrPushRejected) {
		logger.Warn("push rejected, pulling and retrying once", "error", err)
		run.PushRetried = true

		pull, perr := e.git.Pull(ctx)
		run.Pull = pull
		if perr != nil {
			run.Push = res
			e.stageFailed(logger, run, start, fmt.Errorf("pull before push retry failed: %w", perr))
			return false
		}
		res, err = e.git.Push(ctx)
	}
	run.Push = res
	if err != nil {
		e.stageFailed(logger, run, start, fmt.Errorf("push failed: %w", err))
		return false
	}

	e.stageFinished(logger, StagePush, res.Status.String(), start,
		"retried", run.PushRetried,
		"set_upstream", res.SetUpstream)
	return true
}

func (e *Engine) stageFinished(logger *slog.Logger, stage Stage, result string, start time.Time, attrs ...any) {
	base := []any{
		"stage", stage.String(),
		"result", result,
		"duration", e.now().Sub(start),
	}
	logger.Info("stage finished", append(base, attrs...)...)
}

func (e *Engine) stageFailed(logger *slog.Logger, run *Run, start time.Time, err error) {
	run.fail(err)
	logger.Error("stage finished",
		"stage", run.Stage.String(),
		"result", "failed",
		"duration", e.now().Sub(start),
		"error", err,
		"error_kind", Kind(err))
}

// logSummary emits the single record an operator needs to tell "nothing to
// do", "ran with warnings" and "did not complete" apart
func (e *Engine) logSummary(ctx context.Context, logger *slog.Logger, run *Run) {
	attrs := []any{
		"outcome", run.Outcome.String(),
		"stage", run.Stage.String(),
		"duration", run.Duration(),
		"dry_run", run.DryRun,
	}

	filesChanged, filesDeleted, transferErrors := 0, 0, 0
	if run.Replicate != nil {
		filesChanged = run.Replicate.FilesChanged
		filesDeleted = run.Replicate.FilesDeleted
		transferErrors = len(run.Replicate.Errors)
	}
	attrs = append(attrs,
		"files_changed", filesChanged,
		"files_deleted", filesDeleted,
		"transfer_errors", transferErrors)

	settled := "skipped"
	if run.Settle != nil {
		settled = run.Settle.Status.String()
	}
	commit := ""
	if run.Commit != nil {
		commit = run.Commit.Hash
	}
	attrs = append(attrs,
		"settle", settled,
		"commit", commit,
		"pushed", run.Pushed(),
		"warnings", len(run.Warnings))

	if len(run.Warnings) > 0 {
		kinds := make([]string, 0, len(run.Warnings))
		seen := make(map[string]bool)
		for _, w := range run.Warnings {
			if k := Kind(w); !seen[k] {
				seen[k] = true
				kinds = append(kinds, k)
			}
		}
		attrs = append(attrs, "warning_kinds", kinds)
	}
	if run.Err != nil {
		attrs = append(attrs, "error", run.Err.Error(), "error_kind", Kind(run.Err))
	}
	attrs = append(attrs, "exit_code", run.ExitCode())

	level := slog.LevelInfo
	switch {
	case run.LockHeld(), run.Outcome == RecoverableFailure:
		level = slog.LevelWarn
	case run.Outcome == FatalFailure:
		level = slog.LevelError
	}
	logger.Log(ctx, level, "sync finished", attrs...)
}

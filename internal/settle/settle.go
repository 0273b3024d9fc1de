// Package settle decides when the cloud sync daemon has stopped writing a
// vault. The daemon offers no completion signal, so stability is inferred by
// comparing two snapshots taken one poll interval apart.
package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/schaermu/vaultsync/internal/vault"
)

// ErrTimeout marks a wait that ended without observing a stable snapshot.
// WaitUntilSettled reports it through Result.Status; callers that record it
// as a warning wrap this error.
var ErrTimeout = errors.New("cloud sync did not settle before timeout")

// DefaultInterval is the pause between two snapshots
const DefaultInterval = 2 * time.Second

// Status is the outcome of a settle wait
type Status int

const (
	Settled Status = iota
	TimedOut
)

func (s Status) String() string {
	switch s {
	case Settled:
		return "settled"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Result describes a finished settle wait
type Result struct {
	Status  Status
	Polls   int
	Elapsed time.Duration
	// Files is the number of files in the last snapshot
	Files int
}

// FileState is the part of a file's metadata the daemon changes while writing
type FileState struct {
	Size    int64
	ModTime time.Time
}

// Snapshot maps vault-relative paths to their state
type Snapshot map[string]FileState

// Take records the state of every non-ignored file below root
func Take(root string, ignore *vault.Matcher) (Snapshot, error) {
	snap := make(Snapshot)
	err := vault.Walk(root, ignore, func(e vault.Entry) error {
		snap[e.Rel] = FileState{Size: e.Info.Size(), ModTime: e.Info.ModTime()}
		return nil
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot %s: %w", root, err)
	}
	return snap, nil
}

// Equal reports whether both snapshots hold the same paths with identical
// size and modification time
func (s Snapshot) Equal(other Snapshot) bool {
	if len(s) != len(other) {
		return false
	}
	for path, st := range s {
		o, ok := other[path]
		if !ok || o.Size != st.Size || !o.ModTime.Equal(st.ModTime) {
			return false
		}
	}
	return true
}

// Changed returns the sorted paths that were added, removed or modified
// between s and other
func (s Snapshot) Changed(other Snapshot) []string {
	var changed []string
	for path, st := range s {
		o, ok := other[path]
		if !ok || o.Size != st.Size || !o.ModTime.Equal(st.ModTime) {
			changed = append(changed, path)
		}
	}
	for path := range other {
		if _, ok := s[path]; !ok {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed
}

// Detector polls a vault until two consecutive snapshots match
type Detector struct {
	Interval time.Duration
	Ignore   *vault.Matcher
	logger   *slog.Logger
	now      func() time.Time
}

// NewDetector creates a detector using DefaultInterval and vault.SettleIgnores
func NewDetector(logger *slog.Logger) *Detector {
	return &Detector{
		Interval: DefaultInterval,
		Ignore:   vault.NewMatcher(vault.SettleIgnores...),
		logger:   logger,
		now:      time.Now,
	}
}

// WaitUntilSettled blocks until the tree under dir has been stable for a full
// poll interval, or until timeout elapses. A timeout is not an error: it is
// reported as TimedOut and returned no earlier than the deadline. The error
// is reserved for an unreadable root and context cancellation.
func (d *Detector) WaitUntilSettled(ctx context.Context, dir string, timeout time.Duration) (Result, error) {
	interval := d.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	start := d.now()
	deadline := start.Add(timeout)
	result := Result{}

	prev, err := Take(dir, d.Ignore)
	if err != nil {
		return result, err
	}
	result.Files = len(prev)

	for {
		remaining := deadline.Sub(d.now())
		if remaining < interval {
			// Not enough time left to observe a full stable interval.
			if remaining > 0 {
				if err := sleep(ctx, remaining); err != nil {
					return result, err
				}
			}
			result.Status = TimedOut
			result.Elapsed = d.now().Sub(start)
			return result, nil
		}

		if err := sleep(ctx, interval); err != nil {
			return result, err
		}

		cur, err := Take(dir, d.Ignore)
		if err != nil {
			return result, err
		}
		result.Polls++
		result.Files = len(cur)

		if prev.Equal(cur) {
			result.Status = Settled
			result.Elapsed = d.now().Sub(start)
			return result, nil
		}

		changed := prev.Changed(cur)
		d.logger.Debug("vault still changing",
			"poll", result.Polls,
			"changed", len(changed),
			"sample", sample(changed, 5))
		prev = cur
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func sample(paths []string, n int) []string {
	if len(paths) <= n {
		return paths
	}
	return paths[:n]
}

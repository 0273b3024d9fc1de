// Package lock enforces a single active sync run per destination. It pairs a
// kernel advisory lock, released automatically when the holder dies, with a
// JSON lease describing the holder for diagnostics.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// ErrHeld means another run holds the lock
var ErrHeld = errors.New("sync already in progress")

// DefaultStaleAfter is the lease age after which a live holder is reported as possibly hung
const DefaultStaleAfter = 6 * time.Hour

// Lease identifies the run holding the lock
type Lease struct {
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	RunID      string    `json:"run_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

func (l *Lease) String() string {
	return fmt.Sprintf("run %s (pid %d on %s since %s)", l.RunID, l.PID, l.Host, l.AcquiredAt.Format(time.RFC3339))
}

// HeldError is returned by Acquire when the lock is taken
type HeldError struct {
	Path string
	// Lease is nil when the holder has not written its lease yet
	Lease *Lease
	// Hung is set when the lease is older than the stale threshold
	Hung bool
}

func (e *HeldError) Error() string {
	var b strings.Builder
	b.WriteString(ErrHeld.Error())
	if e.Lease != nil {
		b.WriteString(": held by ")
		b.WriteString(e.Lease.String())
	}
	if e.Hung {
		b.WriteString(", holder may be hung")
	}
	return b.String()
}

func (e *HeldError) Unwrap() error {
	return ErrHeld
}

// Lock is an acquired lock
type Lock struct {
	path  string
	fl    *flock.Flock
	Lease Lease
	// Recovered is the lease left behind by a run that died holding the lock
	Recovered *Lease
}

// Acquire takes the lock at path without blocking. When it is held,
// Acquire returns a *HeldError.
func Acquire(path, runID string, staleAfter time.Duration) (*Lock, error) {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}

	fl := flock.New(path, flock.SetFlag(os.O_CREATE|os.O_RDWR), flock.SetPermissions(0600))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	if !locked {
		held := &HeldError{Path: path}
		if lease, err := readLease(path); err == nil {
			held.Lease = lease
			held.Hung = time.Since(lease.AcquiredAt) > staleAfter
		}
		return nil, held
	}

	l := &Lock{path: path, fl: fl}
	if prev, err := readLease(path); err == nil {
		l.Recovered = prev
	}

	host, _ := os.Hostname()
	l.Lease = Lease{
		PID:        os.Getpid(),
		Host:       host,
		RunID:      runID,
		AcquiredAt: time.Now().UTC(),
	}
	if err := writeLease(path, &l.Lease); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("failed to write lease: %w", err)
	}
	return l, nil
}

// Path returns the lock file path
func (l *Lock) Path() string {
	return l.path
}

// Release clears the lease and unlocks. The file is kept so the next run
// locks the same inode.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	truncErr := os.Truncate(l.path, 0)
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.path, err)
	}
	l.fl = nil
	if truncErr != nil {
		return fmt.Errorf("failed to clear lease: %w", truncErr)
	}
	return nil
}

// Status is the observed state of a lock file
type Status struct {
	Held bool
	// Lease is the current holder when Held, otherwise a leftover from a crashed run
	Lease *Lease
	Hung  bool
}

// Inspect reports who holds the lock at path without taking it for longer
// than the check. A missing file means nobody ever ran.
func Inspect(path string, staleAfter time.Duration) (*Status, error) {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Status{}, nil
		}
		return nil, err
	}

	fl := flock.New(path, flock.SetFlag(os.O_RDWR))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to probe %s: %w", path, err)
	}
	if locked {
		defer func() {
			_ = fl.Unlock()
		}()
	}

	st := &Status{Held: !locked}
	if lease, err := readLease(path); err == nil {
		st.Lease = lease
		st.Hung = st.Held && time.Since(lease.AcquiredAt) > staleAfter
	}
	return st, nil
}

// readLease returns fs.ErrNotExist for a missing or empty lease
func readLease(path string) (*Lease, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fs.ErrNotExist
	}
	var lease Lease
	if err := json.Unmarshal(data, &lease); err != nil {
		return nil, fmt.Errorf("invalid lease: %w", err)
	}
	return &lease, nil
}

func writeLease(path string, lease *Lease) error {
	data, err := json.Marshal(lease)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0600)
}

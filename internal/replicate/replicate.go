// Package replicate propagates the state of a vault into the destination
// work tree. It is a one-way, size/mtime-aware mirror that never enters the
// destination's .git directory.
package replicate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/schaermu/vaultsync/internal/vault"
)

var (
	// ErrTransfer is wrapped by every per-file TransferError
	ErrTransfer = errors.New("file transfer failed")
	// ErrSourceUnreadable means the vault root itself cannot be listed
	ErrSourceUnreadable = errors.New("source tree unreadable")
	// ErrDestUnwritable means nothing can be written into the destination root
	ErrDestUnwritable = errors.New("destination tree unwritable")
)

// tempPrefix names in-flight copies; leftovers from an interrupted run are
// swept on the next one.
const tempPrefix = ".vaultsync-tmp-"

// TransferError is a recoverable failure for a single path
type TransferError struct {
	Path string
	Op   string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TransferError) Unwrap() []error {
	return []error{ErrTransfer, e.Err}
}

// Options configures one replication pass
type Options struct {
	// Delete removes destination files that no longer exist in the source
	Delete bool
	// FirstRun copies everything without comparing against the destination
	FirstRun bool
	// DryRun counts what would change without writing
	DryRun bool
	// Exclude holds patterns added to vault.ReplicationExcludes
	Exclude []string
}

// Result summarises one replication pass
type Result struct {
	FilesScanned int
	FilesChanged int
	FilesDeleted int
	// DeletionSkipped is set when deletion was requested but the source walk
	// hit read errors, so absent files could not be told from unreadable ones
	DeletionSkipped bool
	Errors          []*TransferError
}

// Replicator mirrors a source tree into a destination tree
type Replicator struct {
	logger *slog.Logger
}

// NewReplicator creates a new replicator
func NewReplicator(logger *slog.Logger) *Replicator {
	return &Replicator{logger: logger}
}

// Replicate copies new and modified files from src into dst and, when
// requested, deletes destination files missing from src. Per-file failures
// are collected in Result.Errors; only an unreadable source root, an
// unwritable destination root or cancellation abort the pass.
func (r *Replicator) Replicate(ctx context.Context, src, dst string, opts Options) (*Result, error) {
	if err := checkSourceRoot(src); err != nil {
		return nil, err
	}
	if !opts.DryRun {
		if err := checkDestRoot(dst); err != nil {
			return nil, err
		}
	}

	patterns := make([]string, 0, len(vault.ReplicationExcludes)+len(opts.Exclude))
	patterns = append(patterns, vault.ReplicationExcludes...)
	patterns = append(patterns, opts.Exclude...)

	r.logger.Info("replicating vault",
		"source", src,
		"dest", dst,
		"first_run", opts.FirstRun,
		"delete", opts.Delete,
		"dry_run", opts.DryRun)
	if !opts.Delete && !opts.FirstRun {
		r.logger.Debug("deletion disabled, files removed from the vault stay in the destination")
	}

	res := &Result{}
	seen := make(map[string]bool)
	sourceErrors := false

	srcIgnore := vault.NewMatcher(append(patterns, tempPrefix+"*")...)
	err := vault.Walk(src, srcIgnore, func(e vault.Entry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		// macOS hands out decomposed names; the backup stores them composed so
		// every clone sees the same bytes
		rel := norm.NFC.String(e.Rel)
		seen[rel] = true
		res.FilesScanned++

		target := filepath.Join(dst, filepath.FromSlash(rel))
		changed, err := r.transfer(e, target, opts)
		if err != nil {
			res.add(r.logger, &TransferError{Path: rel, Op: "copy", Err: err})
			return nil
		}
		if changed {
			res.FilesChanged++
		}
		return nil
	}, func(rel string, err error) {
		sourceErrors = true
		res.add(r.logger, &TransferError{Path: rel, Op: "read", Err: err})
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		return res, fmt.Errorf("%w: %w", ErrSourceUnreadable, err)
	}

	prune := opts.Delete && !opts.FirstRun
	if prune && sourceErrors {
		res.DeletionSkipped = true
		res.add(r.logger, &TransferError{
			Path: ".",
			Op:   "delete",
			Err:  errors.New("source had read errors, deletion skipped for this run"),
		})
		prune = false
	}

	if err := r.sweepDest(ctx, src, dst, vault.NewMatcher(patterns...), seen, prune, opts.DryRun, res); err != nil {
		return res, err
	}

	return res, nil
}

// transfer brings target up to date with e and reports whether it changed
func (r *Replicator) transfer(e vault.Entry, target string, opts Options) (bool, error) {
	if e.IsSymlink() {
		link, err := os.Readlink(e.Path)
		if err != nil {
			return false, err
		}
		if !opts.FirstRun {
			if cur, err := os.Readlink(target); err == nil && cur == link {
				return false, nil
			}
		}
		if opts.DryRun {
			return true, nil
		}
		return true, replaceSymlink(link, target)
	}

	if !opts.FirstRun && !needsCopy(e.Info, target) {
		return false, nil
	}
	if opts.DryRun {
		return true, nil
	}
	return true, copyFile(e.Path, target)
}

// sweepDest removes leftovers of interrupted copies and, when prune is set,
// destination files absent from the source. Excluded paths and .git are
// never visited.
func (r *Replicator) sweepDest(ctx context.Context, src, dst string, ignore *vault.Matcher, seen map[string]bool, prune, dryRun bool, res *Result) error {
	err := vault.Walk(dst, ignore, func(e vault.Entry) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		if strings.HasPrefix(filepath.Base(e.Rel), tempPrefix) {
			if !dryRun {
				if err := os.Remove(e.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
					res.add(r.logger, &TransferError{Path: e.Rel, Op: "cleanup", Err: err})
				}
			}
			return nil
		}

		if !prune || seen[e.Rel] {
			return nil
		}

		if dryRun {
			res.FilesDeleted++
			return nil
		}
		if err := os.Remove(e.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			res.add(r.logger, &TransferError{Path: e.Rel, Op: "delete", Err: err})
			return nil
		}
		r.logger.Debug("deleted file", "path", e.Rel)
		res.FilesDeleted++
		removeEmptyParents(src, dst, filepath.Dir(e.Path))
		return nil
	}, func(rel string, err error) {
		res.add(r.logger, &TransferError{Path: rel, Op: "scan", Err: err})
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %w", ErrDestUnwritable, err)
	}
	return nil
}

func (res *Result) add(logger *slog.Logger, te *TransferError) {
	logger.Warn("transfer error", "path", te.Path, "op", te.Op, "error", te.Err)
	res.Errors = append(res.Errors, te)
}

// needsCopy compares size and modification time the way rsync's quick check does
func needsCopy(src fs.FileInfo, target string) bool {
	dst, err := os.Lstat(target)
	if err != nil || !dst.Mode().IsRegular() {
		return true
	}
	return dst.Size() != src.Size() || !dst.ModTime().Equal(src.ModTime())
}

func checkSourceRoot(src string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSourceUnreadable, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrSourceUnreadable, src)
	}
	if _, err := os.ReadDir(src); err != nil {
		return fmt.Errorf("%w: %w", ErrSourceUnreadable, err)
	}
	return nil
}

func checkDestRoot(dst string) error {
	info, err := os.Stat(dst)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDestUnwritable, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrDestUnwritable, dst)
	}
	probe, err := os.CreateTemp(dst, tempPrefix+"probe-*")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDestUnwritable, err)
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())
	return nil
}

// copyFile copies a file from src to dst with atomic write, keeping mode and mtime
func copyFile(src, dst string) error {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), tempPrefix+"*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := io.Copy(tmpFile, srcFile); err != nil {
		_ = tmpFile.Close()
		return err
	}

	srcInfo, err := srcFile.Stat()
	if err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Chmod(srcInfo.Mode().Perm()); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Close(); err != nil {
		return err
	}

	// mtime survives the rename and drives the next run's quick check
	if err := os.Chtimes(tmpPath, srcInfo.ModTime(), srcInfo.ModTime()); err != nil {
		return err
	}

	return os.Rename(tmpPath, dst)
}

func replaceSymlink(link, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	tmp := filepath.Join(filepath.Dir(dst), tempPrefix+filepath.Base(dst))
	_ = os.Remove(tmp)
	if err := os.Symlink(link, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// removeEmptyParents removes now-empty destination directories, walking up
// towards dst, as long as the matching source directory no longer exists
func removeEmptyParents(src, dst, dir string) {
	for dir != dst && strings.HasPrefix(dir, dst+string(filepath.Separator)) {
		rel, err := filepath.Rel(dst, dir)
		if err != nil {
			return
		}
		if _, err := os.Stat(filepath.Join(src, rel)); err == nil {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

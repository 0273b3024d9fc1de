// Package vault walks a vault tree while honouring gitignore-style exclude
// patterns. Both the settle detector and the replicator see the tree through
// this package so they agree on which files exist.
package vault

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// ReplicationExcludes are never copied into the destination tree.
var ReplicationExcludes = []string{
	".git",
	".DS_Store",
	".trash",
	".Trash",
	"*.icloud",
}

// SettleIgnores are bookkeeping files the cloud daemon touches continuously.
// Snapshotting them would keep the settle detector from ever converging.
var SettleIgnores = []string{
	".DS_Store",
	"*.icloud",
	".Trash",
	"._*",
	".localized",
	"Icon\r",
}

// Matcher reports whether a vault-relative path is excluded.
// A nil Matcher excludes nothing.
type Matcher struct {
	gi       *ignore.GitIgnore
	names    map[string]bool
	patterns []string
}

// NewMatcher compiles gitignore-style patterns into a Matcher. A pattern
// ending in a carriage return (the macOS "Icon\r" file) is matched as an
// exact file name, since gitignore parsing strips trailing carriage returns.
func NewMatcher(patterns ...string) *Matcher {
	p := make([]string, 0, len(patterns))
	p = append(p, patterns...)

	lines := make([]string, 0, len(p))
	names := make(map[string]bool)
	for _, pattern := range p {
		if strings.HasSuffix(pattern, "\r") {
			names[pattern] = true
			continue
		}
		lines = append(lines, pattern)
	}
	return &Matcher{
		gi:       ignore.CompileIgnoreLines(lines...),
		names:    names,
		patterns: p,
	}
}

// Match reports whether rel (slash separated, relative to the vault root) is excluded
func (m *Matcher) Match(rel string) bool {
	if m == nil || rel == "" || rel == "." {
		return false
	}
	rel = filepath.ToSlash(rel)
	if len(m.names) > 0 {
		for _, part := range strings.Split(rel, "/") {
			if m.names[part] {
				return true
			}
		}
	}
	return m.gi != nil && m.gi.MatchesPath(rel)
}

// Patterns returns the patterns the matcher was built from
func (m *Matcher) Patterns() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.patterns...)
}

// Entry is a non-directory file found by Walk
type Entry struct {
	// Rel is the slash-separated path relative to the walk root
	Rel string
	// Path is the absolute path on disk
	Path string
	// Info is the lstat result; symlinks are not followed
	Info fs.FileInfo
}

// IsRegular reports whether the entry is a regular file
func (e Entry) IsRegular() bool {
	return e.Info.Mode().IsRegular()
}

// IsSymlink reports whether the entry is a symbolic link
func (e Entry) IsSymlink() bool {
	return e.Info.Mode()&fs.ModeSymlink != 0
}

// ErrorFunc receives errors for entries below the root. The walk continues.
type ErrorFunc func(rel string, err error)

// Walk visits every non-excluded regular file and symlink below root in
// lexical order. Excluded directories are not descended into. An error
// reading root itself is returned; errors below root go to onErr (or are
// dropped when onErr is nil) and the walk carries on. A non-nil error from
// fn stops the walk and is returned.
func Walk(root string, m *Matcher, fn func(Entry) error, onErr ErrorFunc) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			if onErr != nil {
				onErr(relative(root, path), err)
			}
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if path == root {
			return nil
		}

		rel := relative(root, path)
		if m.Match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			return nil
		}

		typ := d.Type()
		if !typ.IsRegular() && typ&fs.ModeSymlink == 0 {
			// sockets, devices and pipes are not vault content
			return nil
		}

		info, err := d.Info()
		if err != nil {
			// vanished between readdir and lstat
			if !errors.Is(err, fs.ErrNotExist) && onErr != nil {
				onErr(rel, err)
			}
			return nil
		}

		return fn(Entry{Rel: rel, Path: path, Info: info})
	})
}

// RelativePath returns the slash-separated path of target relative to baseDir
func RelativePath(baseDir, target string) (string, error) {
	rel, err := filepath.Rel(baseDir, target)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

func relative(root, path string) string {
	rel, err := RelativePath(root, path)
	if err != nil {
		return path
	}
	return rel
}

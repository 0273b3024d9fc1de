package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// TestBranch is the branch every fixture repository starts on
const TestBranch = "main"

// RequireGit skips the test when the git binary is unavailable
func RequireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

// Git runs git in dir and returns trimmed stdout. The committer identity
// comes from the environment so repository config stays untouched.
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Fixture",
		"GIT_AUTHOR_EMAIL=fixture@example.com",
		"GIT_COMMITTER_NAME=Fixture",
		"GIT_COMMITTER_EMAIL=fixture@example.com",
		"GIT_TERMINAL_PROMPT=0",
	)
	out, err := cmd.Output()
	if err != nil {
		stderr := ""
		if exitErr, ok := err.(*exec.ExitError); ok {
			stderr = string(exitErr.Stderr)
		}
		t.Fatalf("git %s: %v: %s", strings.Join(args, " "), err, stderr)
	}
	return strings.TrimSpace(string(out))
}

// InitRemote creates an empty bare repository standing in for the backup remote
func InitRemote(t *testing.T) string {
	t.Helper()
	RequireGit(t)
	dir := filepath.Join(t.TempDir(), "remote.git")
	Git(t, filepath.Dir(dir), "init", "-q", "--bare", "-b", TestBranch, dir)
	return dir
}

// Clone clones remote into a fresh directory with HEAD on TestBranch, even
// when the remote is still empty
func Clone(t *testing.T, remote string) string {
	t.Helper()
	RequireGit(t)
	dir := filepath.Join(t.TempDir(), "clone")
	Git(t, filepath.Dir(dir), "clone", "-q", remote, dir)
	Git(t, dir, "symbolic-ref", "HEAD", "refs/heads/"+TestBranch)
	return dir
}

// InitRepo creates a work tree with no commits and, when remote is set, an
// origin pointing at it
func InitRepo(t *testing.T, remote string) string {
	t.Helper()
	RequireGit(t)
	dir := filepath.Join(t.TempDir(), "repo")
	Git(t, filepath.Dir(dir), "init", "-q", "-b", TestBranch, dir)
	if remote != "" {
		Git(t, dir, "remote", "add", "origin", remote)
	}
	return dir
}

// WriteFile writes content to a slash-separated path below dir
func WriteFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// CommitFile writes and commits a single file and returns the new HEAD
func CommitFile(t *testing.T, repo, rel, content, msg string) string {
	t.Helper()
	WriteFile(t, repo, rel, content)
	Git(t, repo, "add", "--", rel)
	Git(t, repo, "commit", "-q", "-m", msg)
	return Git(t, repo, "rev-parse", "HEAD")
}

// PushFile commits a file in a scratch clone of remote and pushes it,
// simulating another machine writing to the backup
func PushFile(t *testing.T, remote, rel, content, msg string) string {
	t.Helper()
	other := Clone(t, remote)
	head := CommitFile(t, other, rel, content, msg)
	Git(t, other, "push", "-q", "origin", "HEAD:refs/heads/"+TestBranch)
	return head
}

// RemoteHead returns the hash of TestBranch in remote, or "" when it does not exist
func RemoteHead(t *testing.T, remote string) string {
	t.Helper()
	cmd := exec.Command("git", "-C", remote, "rev-parse", "--verify", "-q", "refs/heads/"+TestBranch)
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

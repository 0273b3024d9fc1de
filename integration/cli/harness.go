//go:build integration

package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/vaultsync/internal/testutil"
)

const defaultTimeout = 2 * time.Minute

// Harness builds the vaultsync binary once and runs it against fixture
// vaults and repositories
type Harness struct {
	t      *testing.T
	binary string
}

// NewHarness builds the binary into a temporary directory
func NewHarness(ctx context.Context, t *testing.T) *Harness {
	t.Helper()
	testutil.RequireGit(t)

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		t.Fatalf("get project root: %v", err)
	}

	binary := filepath.Join(t.TempDir(), "vaultsync")
	cmd := exec.CommandContext(ctx, "go", "build", "-o", binary, "./cmd/vaultsync")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: t, prefix: "[build] "}
	if err := cmd.Run(); err != nil {
		t.Fatalf("go build: %v", err)
	}

	return &Harness{t: t, binary: binary}
}

// Result is one invocation of the binary
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Run executes the binary with args
func (h *Harness) Run(ctx context.Context, args ...string) Result {
	h.t.Helper()
	cmd := exec.CommandContext(ctx, h.binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			h.t.Fatalf("exec failed: %v", err)
		}
		exitCode = exitErr.ExitCode()
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}
	if h.t.Failed() || testing.Verbose() {
		h.t.Logf("vaultsync %s -> %d\nstdout: %s\nstderr: %s", strings.Join(args, " "), exitCode, res.Stdout, res.Stderr)
	}
	return res
}

// Sync runs one sync cycle with JSON logs and expects exitCode
func (h *Harness) Sync(ctx context.Context, cfgPath string, exitCode int) Result {
	h.t.Helper()
	res := h.Run(ctx, "sync", "--config", cfgPath, "--log-format", "json")
	if res.ExitCode != exitCode {
		h.t.Fatalf("sync exit code = %d, want %d\nstdout: %s\nstderr: %s", res.ExitCode, exitCode, res.Stdout, res.Stderr)
	}
	return res
}

// Fixture is a vault, its backup clone and the clone's bare remote
type Fixture struct {
	Vault  string
	Dest   string
	Remote string
	Config string
}

// NewFixture creates a vault with a couple of notes and an empty backup
// repository; extra is appended to the generated config
func NewFixture(t *testing.T, extra string) *Fixture {
	t.Helper()
	f := &Fixture{
		Vault:  filepath.Join(t.TempDir(), "vault"),
		Remote: testutil.InitRemote(t),
	}
	f.Dest = testutil.Clone(t, f.Remote)

	testutil.WriteFile(t, f.Vault, "Welcome.md", "# Welcome\n")
	testutil.WriteFile(t, f.Vault, "Daily/2026-10-18.md", "- backup test\n")
	testutil.WriteFile(t, f.Vault, ".obsidian/app.json", "{}\n")
	testutil.WriteFile(t, f.Vault, ".DS_Store", "junk")

	content := fmt.Sprintf("source_dir: %q\ndest_dir: %q\nicloud_wait_timeout: 0\n%s", f.Vault, f.Dest, extra)
	f.Config = filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(f.Config, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return f
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)

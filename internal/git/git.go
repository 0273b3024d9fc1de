package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// Gateway performs the version-control stages of a sync run against the
// destination work tree
type Gateway interface {
	Inspect(ctx context.Context) (*RepoState, error)
	Pull(ctx context.Context) (*PullResult, error)
	CommitIfChanged(ctx context.Context, message string) (*CommitResult, error)
	NeedsPush(ctx context.Context) (bool, error)
	Push(ctx context.Context) (*PushResult, error)
}

// Options configures a ShellClient
type Options struct {
	RepoDir string
	Remote  string
	// Branch overrides the branch HEAD points to
	Branch     string
	SSHKeyPath string
	// AuthorName and AuthorEmail are used only when the repository has no
	// user.email of its own
	AuthorName  string
	AuthorEmail string
}

// ShellClient implements Gateway. Reads go through go-git; anything that
// touches the network or mutates the repository shells out to git.
type ShellClient struct {
	opts   Options
	logger *slog.Logger
}

// NewShellClient creates a new git client for the work tree at opts.RepoDir
func NewShellClient(opts Options, logger *slog.Logger) *ShellClient {
	if opts.Remote == "" {
		opts.Remote = "origin"
	}
	if opts.AuthorName == "" {
		opts.AuthorName = "vaultsync"
	}
	if opts.AuthorEmail == "" {
		opts.AuthorEmail = "vaultsync@localhost"
	}
	return &ShellClient{
		opts:   opts,
		logger: logger,
	}
}

type cmdResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// command builds a git invocation scoped to the repository
func (c *ShellClient) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Args = insertGitFlags(cmd.Args, "-C", c.opts.RepoDir)
	cmd.Env = c.env()
	return cmd
}

// env disables prompts, pins messages to English for classification and
// points ssh at the configured key
func (c *ShellClient) env() []string {
	env := append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	if c.opts.SSHKeyPath != "" {
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o IdentitiesOnly=yes -o BatchMode=yes -o StrictHostKeyChecking=accept-new -o ConnectTimeout=15",
			shellQuote(c.opts.SSHKeyPath))
		env = append(env, "GIT_SSH_COMMAND="+sshCmd)
	}
	return env
}

func (c *ShellClient) run(ctx context.Context, args ...string) (*cmdResult, error) {
	return c.runCommand(ctx, c.command(ctx, args...))
}

// runWithIdentity runs a command that may create commits, supplying a
// fallback identity when the repository has none configured
func (c *ShellClient) runWithIdentity(ctx context.Context, args ...string) (*cmdResult, error) {
	cmd := c.command(ctx, args...)
	if !c.hasIdentity(ctx) {
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", "user.name="+c.opts.AuthorName,
			"-c", "user.email="+c.opts.AuthorEmail,
		)
	}
	return c.runCommand(ctx, cmd)
}

func (c *ShellClient) hasIdentity(ctx context.Context) bool {
	res, err := c.run(ctx, "config", "user.email")
	return err == nil && strings.TrimSpace(res.Stdout) != ""
}

// runCommand executes a command and returns a *CommandError carrying stderr
// on a non-zero exit
func (c *ShellClient) runCommand(ctx context.Context, cmd *exec.Cmd) (*cmdResult, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug("running git", "args", cmd.Args[1:])
	err := cmd.Run()
	res := &cmdResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return res, fmt.Errorf("failed to run git: %w", err)
	}
	res.ExitCode = exitErr.ExitCode()
	return res, &CommandError{
		Args:     gitSubcommand(cmd.Args),
		ExitCode: res.ExitCode,
		Stderr:   res.Stderr,
	}
}

// checkKey fails with ErrAuthFailure when a configured key is missing
func (c *ShellClient) checkKey() error {
	if c.opts.SSHKeyPath == "" {
		return nil
	}
	if _, err := os.Stat(c.opts.SSHKeyPath); err != nil {
		return fmt.Errorf("%w: ssh key: %w", ErrAuthFailure, err)
	}
	return nil
}

// gitSubcommand strips the binary name and global flags from argv
func gitSubcommand(args []string) []string {
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "-C", "-c":
			i++
		default:
			return args[i:]
		}
	}
	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "fetch", "commit").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// splitNUL splits -z output into non-empty fields
func splitNUL(s string) []string {
	var out []string
	for _, f := range strings.Split(s, "\x00") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

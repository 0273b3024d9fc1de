package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/schaermu/vaultsync/internal/config"
	"github.com/schaermu/vaultsync/internal/git"
	"github.com/schaermu/vaultsync/internal/lock"
	"github.com/schaermu/vaultsync/internal/replicate"
	"github.com/schaermu/vaultsync/internal/settle"
	"github.com/schaermu/vaultsync/internal/sync"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	dryRun    bool
)

// exitError carries a non-zero exit status out of a command. err is nil when
// the run already logged everything worth saying.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	os.Exit(execute(os.Stderr))
}

func execute(stderr io.Writer) int {
	err := rootCmd.Execute()
	if err == nil {
		return sync.ExitOK
	}
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		if exitErr.err != nil {
			fmt.Fprintln(stderr, "Error:", exitErr.err)
		}
		return exitErr.code
	}
	fmt.Fprintln(stderr, "Error:", err)
	return sync.ExitFatal
}

var rootCmd = &cobra.Command{
	Use:   "vaultsync",
	Short: "Back up an iCloud-synced Obsidian vault into a Git repository",
	Long: `vaultsync copies a cloud-synced Obsidian vault into a Git working tree,
commits the result and pushes it to a remote.

It is meant to run unattended from a scheduler (launchd, cron, systemd timer).
Every invocation performs one pull, settle, replicate, commit and push cycle
and exits; the next scheduled invocation is the retry.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one backup cycle",
	Long: `Sync pulls the backup repository, waits for the cloud daemon to stop writing
the vault, mirrors the vault into the repository, commits and pushes.

Exit status is 0 when the backup is current (or another run holds the lock),
2 when the run finished with warnings and 1 when it did not finish.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, repository and lock state",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "vaultsync %s\n", version)
		fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", commit)
		fmt.Fprintf(cmd.OutOrStdout(), "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/vaultsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Sync command flags
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be copied without pulling, committing or pushing")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger(os.Stdout)

	cfg, err := loadConfig(logger)
	if err != nil {
		logger.Error("sync finished",
			"outcome", sync.FatalFailure.String(),
			"stage", sync.StageInit.String(),
			"error", err.Error(),
			"error_kind", sync.Kind(err),
			"exit_code", sync.ExitFatal)
		return &exitError{code: sync.ExitFatal, err: fmt.Errorf("failed to load config: %w", err)}
	}

	out, sink := logOutput(cfg, os.Stdout)
	if sink != nil {
		defer func() { _ = sink.Close() }()
		logger = setupLogger(out)
	}

	run := newEngine(cfg, logger, dryRun).Run(ctx)
	if code := run.ExitCode(); code != sync.ExitOK {
		return &exitError{code: code}
	}
	return nil
}

// newEngine wires the production gateway, detector and replicator
func newEngine(cfg *config.Config, logger *slog.Logger, dryRun bool) *sync.Engine {
	return sync.NewEngine(cfg, newGateway(cfg, logger), settle.NewDetector(logger), replicate.NewReplicator(logger), logger, dryRun)
}

func newGateway(cfg *config.Config, logger *slog.Logger) *git.ShellClient {
	return git.NewShellClient(git.Options{
		RepoDir:     cfg.DestDir,
		Remote:      cfg.Git.Remote,
		Branch:      cfg.Git.Branch,
		SSHKeyPath:  cfg.SSHKeyPath,
		AuthorName:  cfg.Git.AuthorName,
		AuthorEmail: cfg.Git.AuthorEmail,
	}, logger)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger(os.Stderr)
	cfg, err := loadConfig(logger)
	if err != nil {
		return &exitError{code: sync.ExitFatal, err: fmt.Errorf("failed to load config: %w", err)}
	}
	return printStatus(ctx, cmd.OutOrStdout(), cfg, newGateway(cfg, logger))
}

func printStatus(ctx context.Context, w io.Writer, cfg *config.Config, gateway git.Gateway) error {
	fmt.Fprintf(w, "source:      %s\n", cfg.SourceDir)
	fmt.Fprintf(w, "destination: %s\n", cfg.DestDir)
	fmt.Fprintf(w, "settle:      %ds\n", cfg.ICloudWaitTimeout)
	fmt.Fprintf(w, "delete:      %t\n", cfg.RsyncDelete)

	state, err := gateway.Inspect(ctx)
	if err != nil {
		return &exitError{code: sync.ExitFatal, err: fmt.Errorf("failed to inspect destination: %w", err)}
	}

	head := state.Head
	if state.Unborn {
		head = "(no commits)"
	}
	fmt.Fprintf(w, "branch:      %s\n", state.Branch)
	fmt.Fprintf(w, "head:        %s\n", head)
	fmt.Fprintf(w, "tracked:     %d files\n", state.TrackedFiles)
	if state.Merging {
		fmt.Fprintln(w, "merge:       in progress, resolve manually")
	}

	if !state.HasRemote() {
		fmt.Fprintf(w, "remote:      %s (not configured)\n", state.Remote)
	} else {
		fmt.Fprintf(w, "remote:      %s %s\n", state.Remote, state.RemoteURL)
		pending, err := gateway.NeedsPush(ctx)
		if err != nil {
			return &exitError{code: sync.ExitFatal, err: fmt.Errorf("failed to compare with remote: %w", err)}
		}
		fmt.Fprintf(w, "unpushed:    %t\n", pending)
	}

	st, err := lock.Inspect(cfg.LockFilePath(), lock.DefaultStaleAfter)
	if err != nil {
		return &exitError{code: sync.ExitFatal, err: fmt.Errorf("failed to inspect lock: %w", err)}
	}
	switch {
	case st.Held && st.Lease != nil:
		suffix := ""
		if st.Hung {
			suffix = ", may be hung"
		}
		fmt.Fprintf(w, "lock:        held by %s%s\n", st.Lease, suffix)
	case st.Held:
		fmt.Fprintln(w, "lock:        held")
	case st.Lease != nil:
		fmt.Fprintf(w, "lock:        free (left over by %s)\n", st.Lease)
	default:
		fmt.Fprintln(w, "lock:        free")
	}
	return nil
}

func setupLogger(w io.Writer) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// logOutput tees log records into a rotating file when log.dir is set. The
// returned closer is nil when no file sink is configured.
func logOutput(cfg *config.Config, console io.Writer) (io.Writer, io.Closer) {
	path := cfg.LogFilePath()
	if path == "" {
		return console, nil
	}
	sink := &lumberjack.Logger{
		Filename: path,
		MaxSize:  10, // megabytes
		MaxAge:   cfg.Log.RetentionDays,
	}
	return io.MultiWriter(console, sink), sink
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// Determine config file path
	configPath := cfgFile
	if configPath == "" {
		var err error
		if configPath, err = config.DefaultPath(); err != nil {
			return nil, fmt.Errorf("%w: %w", config.ErrInvalid, err)
		}
	}

	logger.Debug("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"source", cfg.SourceDir,
		"dest", cfg.DestDir,
		"remote", cfg.Git.Remote,
		"branch", cfg.Git.Branch,
		"icloud_wait_timeout", cfg.ICloudWaitTimeout,
		"rsync_delete", cfg.RsyncDelete)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

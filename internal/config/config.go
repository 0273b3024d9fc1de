package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned (wrapped) for every configuration problem: a missing
// or unparsable file, a missing field, or a path that fails validation.
var ErrInvalid = errors.New("configuration invalid")

const (
	DefaultICloudWaitTimeout = 120
	DefaultLogRetentionDays  = 7
	DefaultRemote            = "origin"
	DefaultCommitPrefix      = "Auto-save:"
	DefaultAuthorName        = "vaultsync"
	DefaultAuthorEmail       = "vaultsync@localhost"
)

// Config represents the complete vaultsync configuration
type Config struct {
	SourceDir         string    `yaml:"source_dir"`
	DestDir           string    `yaml:"dest_dir"`
	SSHKeyPath        string    `yaml:"ssh_key_path"`
	ICloudWaitTimeout int       `yaml:"icloud_wait_timeout"`
	RsyncDelete       bool      `yaml:"rsync_delete"`
	Exclude           []string  `yaml:"exclude"`
	Git               GitConfig `yaml:"git"`
	Log               LogConfig `yaml:"log"`
}

// GitConfig configures the destination repository
type GitConfig struct {
	Remote       string `yaml:"remote"`
	Branch       string `yaml:"branch"`
	CommitPrefix string `yaml:"commit_prefix"`
	AuthorName   string `yaml:"author_name"`
	AuthorEmail  string `yaml:"author_email"`
}

// LogConfig configures the log file sink
type LogConfig struct {
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	path, err := expandPath(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %w", ErrInvalid, err)
	}

	// Preset before parsing: yaml leaves absent keys untouched, and an explicit
	// icloud_wait_timeout of 0 disables the settle stage.
	cfg := Config{ICloudWaitTimeout: DefaultICloudWaitTimeout}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config file: %w", ErrInvalid, err)
	}

	if err := cfg.expandEnv(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// DefaultPath returns $HOME/.config/vaultsync/config.yaml
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".config", "vaultsync", "config.yaml"), nil
}

// expandEnv expands environment variables and a leading ~ in all path fields
func (c *Config) expandEnv() error {
	for _, p := range []*string{&c.SourceDir, &c.DestDir, &c.SSHKeyPath, &c.Log.Dir} {
		if *p == "" {
			continue
		}
		expanded, err := expandPath(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	c.Git.Remote = os.ExpandEnv(c.Git.Remote)
	c.Git.Branch = os.ExpandEnv(c.Git.Branch)
	return nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Git.Remote == "" {
		c.Git.Remote = DefaultRemote
	}
	if c.Git.CommitPrefix == "" {
		c.Git.CommitPrefix = DefaultCommitPrefix
	}
	if c.Git.AuthorName == "" {
		c.Git.AuthorName = DefaultAuthorName
	}
	if c.Git.AuthorEmail == "" {
		c.Git.AuthorEmail = DefaultAuthorEmail
	}
	if c.Log.RetentionDays == 0 {
		c.Log.RetentionDays = DefaultLogRetentionDays
	}
}

// Validate checks the configuration for errors. Every returned error wraps ErrInvalid.
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.SourceDir == "" {
		return fmt.Errorf("source_dir is required")
	}
	if c.DestDir == "" {
		return fmt.Errorf("dest_dir is required")
	}

	if !filepath.IsAbs(c.SourceDir) {
		return fmt.Errorf("source_dir must be an absolute path: %s", c.SourceDir)
	}
	if !filepath.IsAbs(c.DestDir) {
		return fmt.Errorf("dest_dir must be an absolute path: %s", c.DestDir)
	}
	if c.SSHKeyPath != "" && !filepath.IsAbs(c.SSHKeyPath) {
		return fmt.Errorf("ssh_key_path must be an absolute path: %s", c.SSHKeyPath)
	}
	if c.Log.Dir != "" && !filepath.IsAbs(c.Log.Dir) {
		return fmt.Errorf("log.dir must be an absolute path: %s", c.Log.Dir)
	}

	if err := requireDir("source_dir", c.SourceDir); err != nil {
		return err
	}
	if err := requireDir("dest_dir", c.DestDir); err != nil {
		return err
	}

	src, dst := filepath.Clean(c.SourceDir), filepath.Clean(c.DestDir)
	if src == dst {
		return fmt.Errorf("source_dir and dest_dir must be distinct: %s", src)
	}
	if isWithin(src, dst) || isWithin(dst, src) {
		return fmt.Errorf("source_dir and dest_dir must not be nested: %s, %s", src, dst)
	}

	if c.ICloudWaitTimeout < 0 {
		return fmt.Errorf("icloud_wait_timeout must not be negative: %d", c.ICloudWaitTimeout)
	}
	if c.Log.RetentionDays < 0 {
		return fmt.Errorf("log.retention_days must not be negative: %d", c.Log.RetentionDays)
	}
	if c.Git.Remote == "" {
		return fmt.Errorf("git.remote is required")
	}
	if strings.TrimSpace(c.Git.CommitPrefix) == "" {
		return fmt.Errorf("git.commit_prefix must not be blank")
	}

	return nil
}

// LockFilePath returns the path of the advisory lock inside the destination's
// git metadata directory
func (c *Config) LockFilePath() string {
	return filepath.Join(c.DestDir, ".git", "vaultsync.lock")
}

// LogFilePath returns the log sink file, or "" when file logging is disabled
func (c *Config) LogFilePath() string {
	if c.Log.Dir == "" {
		return ""
	}
	return filepath.Join(c.Log.Dir, "vaultsync.log")
}

func requireDir(field, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s does not exist: %s", field, path)
		}
		return fmt.Errorf("%s is not accessible: %w", field, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory: %s", field, path)
	}
	return nil
}

// isWithin reports whether child lies strictly inside parent.
func isWithin(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// expandPath expands environment variables and a leading ~/
func expandPath(path string) (string, error) {
	path = os.ExpandEnv(path)
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to expand ~: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path, nil
}

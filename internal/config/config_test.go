package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// vaultDirs creates an existing source and destination directory pair.
func vaultDirs(t *testing.T) (string, string) {
	t.Helper()
	root := t.TempDir()
	src := filepath.Join(root, "vault")
	dst := filepath.Join(root, "backup")
	for _, d := range []string{src, dst} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatal(err)
		}
	}
	return src, dst
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	src, dst := vaultDirs(t)

	path := writeConfig(t, `
source_dir: "`+src+`"
dest_dir: "`+dst+`"
ssh_key_path: "/home/user/.ssh/id_ed25519"
icloud_wait_timeout: 30
rsync_delete: true
exclude:
  - "*.tmp"
git:
  remote: backup
  branch: main
log:
  dir: "/var/log/vaultsync"
  retention_days: 14
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.SourceDir != src {
		t.Errorf("SourceDir = %s, want %s", cfg.SourceDir, src)
	}
	if cfg.ICloudWaitTimeout != 30 {
		t.Errorf("ICloudWaitTimeout = %d, want 30", cfg.ICloudWaitTimeout)
	}
	if !cfg.RsyncDelete {
		t.Error("expected RsyncDelete to be true")
	}
	if len(cfg.Exclude) != 1 || cfg.Exclude[0] != "*.tmp" {
		t.Errorf("Exclude = %v, want [*.tmp]", cfg.Exclude)
	}
	if cfg.Git.Remote != "backup" || cfg.Git.Branch != "main" {
		t.Errorf("Git = %+v, want remote backup, branch main", cfg.Git)
	}
	if cfg.Git.CommitPrefix != DefaultCommitPrefix {
		t.Errorf("CommitPrefix = %q, want default %q", cfg.Git.CommitPrefix, DefaultCommitPrefix)
	}
	if cfg.Log.RetentionDays != 14 {
		t.Errorf("RetentionDays = %d, want 14", cfg.Log.RetentionDays)
	}
	if got := cfg.LogFilePath(); got != "/var/log/vaultsync/vaultsync.log" {
		t.Errorf("LogFilePath() = %s", got)
	}
}

func TestLoad_Defaults(t *testing.T) {
	src, dst := vaultDirs(t)
	path := writeConfig(t, "source_dir: "+src+"\ndest_dir: "+dst+"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ICloudWaitTimeout != DefaultICloudWaitTimeout {
		t.Errorf("ICloudWaitTimeout = %d, want %d", cfg.ICloudWaitTimeout, DefaultICloudWaitTimeout)
	}
	if cfg.RsyncDelete {
		t.Error("RsyncDelete must default to false")
	}
	if cfg.Git.Remote != DefaultRemote {
		t.Errorf("Remote = %q, want %q", cfg.Git.Remote, DefaultRemote)
	}
	if cfg.Log.RetentionDays != DefaultLogRetentionDays {
		t.Errorf("RetentionDays = %d, want %d", cfg.Log.RetentionDays, DefaultLogRetentionDays)
	}
	if cfg.LogFilePath() != "" {
		t.Errorf("LogFilePath() = %q, want empty when log.dir is unset", cfg.LogFilePath())
	}
}

func TestLoad_ExplicitZeroTimeoutDisablesSettle(t *testing.T) {
	src, dst := vaultDirs(t)
	path := writeConfig(t, "source_dir: "+src+"\ndest_dir: "+dst+"\nicloud_wait_timeout: 0\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ICloudWaitTimeout != 0 {
		t.Errorf("ICloudWaitTimeout = %d, want 0", cfg.ICloudWaitTimeout)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		path    string
	}{
		{name: "missing file", path: filepath.Join(t.TempDir(), "nope.yaml")},
		{name: "invalid yaml", content: "source_dir: [unclosed"},
		{name: "missing fields", content: "icloud_wait_timeout: 10\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := tt.path
			if path == "" {
				path = writeConfig(t, tt.content)
			}
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	src, dst := vaultDirs(t)
	file := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	valid := func() Config {
		c := Config{SourceDir: src, DestDir: dst, ICloudWaitTimeout: 120}
		c.applyDefaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "missing source_dir", mutate: func(c *Config) { c.SourceDir = "" }, wantErr: "source_dir is required"},
		{name: "missing dest_dir", mutate: func(c *Config) { c.DestDir = "" }, wantErr: "dest_dir is required"},
		{name: "relative source", mutate: func(c *Config) { c.SourceDir = "vault" }, wantErr: "absolute"},
		{name: "relative ssh key", mutate: func(c *Config) { c.SSHKeyPath = "id_ed25519" }, wantErr: "ssh_key_path"},
		{name: "source does not exist", mutate: func(c *Config) { c.SourceDir = filepath.Join(src, "missing") }, wantErr: "does not exist"},
		{name: "dest is a file", mutate: func(c *Config) { c.DestDir = file }, wantErr: "not a directory"},
		{name: "same paths", mutate: func(c *Config) { c.DestDir = src + "/" }, wantErr: "distinct"},
		{name: "dest nested in source", mutate: func(c *Config) {
			nested := filepath.Join(src, "backup")
			if err := os.MkdirAll(nested, 0755); err != nil {
				t.Fatal(err)
			}
			c.DestDir = nested
		}, wantErr: "nested"},
		{name: "negative timeout", mutate: func(c *Config) { c.ICloudWaitTimeout = -1 }, wantErr: "icloud_wait_timeout"},
		{name: "blank prefix", mutate: func(c *Config) { c.Git.CommitPrefix = "  " }, wantErr: "commit_prefix"},
		{name: "missing ssh key is not a config error", mutate: func(c *Config) { c.SSHKeyPath = "/nonexistent/key" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q", tt.wantErr)
			}
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()

	if cfg.Git.Remote != DefaultRemote {
		t.Errorf("applyDefaults() remote = %q, want %q", cfg.Git.Remote, DefaultRemote)
	}
	if cfg.Git.AuthorEmail != DefaultAuthorEmail {
		t.Errorf("applyDefaults() author email = %q, want %q", cfg.Git.AuthorEmail, DefaultAuthorEmail)
	}

	// Explicit values must not be overwritten
	cfg2 := Config{Git: GitConfig{Remote: "backup", CommitPrefix: "vault:"}}
	cfg2.applyDefaults()

	if cfg2.Git.Remote != "backup" || cfg2.Git.CommitPrefix != "vault:" {
		t.Errorf("applyDefaults() overwrote explicit values: %+v", cfg2.Git)
	}
}

func TestLockFilePath(t *testing.T) {
	cfg := Config{DestDir: "/backup"}
	if got := cfg.LockFilePath(); got != "/backup/.git/vaultsync.lock" {
		t.Errorf("LockFilePath() = %s", got)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("VAULTSYNC_TEST_HOME", "/home/testuser")
	t.Setenv("HOME", "/home/tilde")

	cfg := Config{
		SourceDir:  "${VAULTSYNC_TEST_HOME}/vault",
		DestDir:    "~/backup",
		SSHKeyPath: "~/.ssh/key",
		Log:        LogConfig{Dir: "${VAULTSYNC_TEST_HOME}/logs"},
		Git:        GitConfig{Branch: "${VAULTSYNC_TEST_BRANCH}"},
	}
	t.Setenv("VAULTSYNC_TEST_BRANCH", "main")

	if err := cfg.expandEnv(); err != nil {
		t.Fatal(err)
	}

	checks := []struct {
		name string
		got  string
		want string
	}{
		{"SourceDir", cfg.SourceDir, "/home/testuser/vault"},
		{"DestDir", cfg.DestDir, "/home/tilde/backup"},
		{"SSHKeyPath", cfg.SSHKeyPath, "/home/tilde/.ssh/key"},
		{"Log.Dir", cfg.Log.Dir, "/home/testuser/logs"},
		{"Git.Branch", cfg.Git.Branch, "main"},
	}

	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("expandEnv() %s = %s, want %s", c.name, c.got, c.want)
		}
	}
}

func TestIsWithin(t *testing.T) {
	tests := []struct {
		parent, child string
		want          bool
	}{
		{"/a", "/a/b", true},
		{"/a", "/a", false},
		{"/a", "/ab", false},
		{"/a/b", "/a", false},
		{"/a", "/a/../b", false},
	}
	for _, tt := range tests {
		if got := isWithin(tt.parent, filepath.Clean(tt.child)); got != tt.want {
			t.Errorf("isWithin(%q, %q) = %v, want %v", tt.parent, tt.child, got, tt.want)
		}
	}
}

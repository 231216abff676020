package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mailbox-harvester/credential"
)

func newCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	require.NoError(t, RegisterFlags(cmd))
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"IMAP_PASS", "HARVEST_IMAP_PASS", "HARVEST_LINK_WORKERS", "HARVEST_SOURCE"} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)
	cmd := newCommand(t, "--mbox", "mail.mbox")

	cfg, err := LoadConfig(cmd, nil)
	require.NoError(t, err)

	assert.Equal(t, SourceMbox, cfg.Source)
	assert.Equal(t, "mail.mbox", cfg.MboxPath)
	assert.Equal(t, "INBOX", cfg.Folder)
	assert.Equal(t, "downloads", cfg.DownloadDir)
	assert.Equal(t, "file", cfg.StateBackend)
	assert.Equal(t, []string{"delhivery.com"}, cfg.PartnerDomains)
	assert.Equal(t, []string{"download invoice", "download invoices"}, cfg.LinkPhrases)
	assert.Equal(t, "#ED2939", cfg.HighlightColor)
	assert.Equal(t, ".pdf", cfg.DefaultDocExt)
	assert.Equal(t, "delhivery_invoice", cfg.LinkNamePrefix)
	assert.Equal(t, 4, cfg.LinkWorkers)
	assert.Equal(t, 60*time.Second, cfg.FetchTimeout)
	assert.Equal(t, 1, cfg.CheckpointEvery)
	assert.False(t, cfg.RetryFailed)
	assert.True(t, cfg.Progress)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.IncludeHeader)
}

func TestLoadConfig_Password(t *testing.T) {
	imapArgs := []string{"--imap-host", "imap.example.com", "--imap-user", "ops"}
	secrets := SecretFunc(func(key string) (string, error) {
		if key == credential.IMAPKey("ops", "imap.example.com") {
			return "from-keyring", nil
		}
		return "", credential.ErrNotFound
	})

	tests := []struct {
		name    string
		args    []string
		env     string
		secrets SecretGetter
		want    string
		wantErr string
	}{
		{name: "flag wins", args: append([]string{"--imap-pass", "from-flag"}, imapArgs...), env: "from-env", secrets: secrets, want: "from-flag"},
		{name: "env before keyring", args: imapArgs, env: "from-env", secrets: secrets, want: "from-env"},
		{name: "keyring", args: imapArgs, secrets: secrets, want: "from-keyring"},
		{name: "missing", args: imapArgs, secrets: SecretFunc(func(string) (string, error) { return "", errors.New("locked") }), wantErr: "password"},
		{name: "no keyring", args: imapArgs, wantErr: "password"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			if tt.env != "" {
				t.Setenv("IMAP_PASS", tt.env)
			}
			cfg, err := LoadConfig(newCommand(t, tt.args...), tt.secrets)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, SourceIMAP, cfg.Source)
			assert.Equal(t, tt.want, cfg.IMAPPass)
		})
	}
}

func TestLoadConfig_EnvAndFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "harvest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"source: mbox\n"+
			"mbox: archive.mbox\n"+
			"link-workers: 2\n"+
			"default-doc-ext: bin\n"+
			"partner-domain:\n  - delhivery.com\n  - invoices.example.org\n"+
			"retry-failed: true\n"), 0o600))

	t.Setenv("HARVEST_LINK_WORKERS", "6")
	cfg, err := LoadConfig(newCommand(t, "--config", path), nil)
	require.NoError(t, err)

	assert.Equal(t, SourceMbox, cfg.Source)
	assert.Equal(t, "archive.mbox", cfg.MboxPath)
	assert.Equal(t, 6, cfg.LinkWorkers, "environment overrides the config file")
	assert.Equal(t, ".bin", cfg.DefaultDocExt)
	assert.Equal(t, []string{"delhivery.com", "invoices.example.org"}, cfg.PartnerDomains)
	assert.True(t, cfg.RetryFailed)

	cfg, err = LoadConfig(newCommand(t, "--config", path, "--link-workers", "9"), nil)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.LinkWorkers, "flags override everything")
}

func TestLoadConfig_MissingConfigFile(t *testing.T) {
	clearEnv(t)
	_, err := LoadConfig(newCommand(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "--mbox", "x"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config")
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "no host", args: []string{"--imap-user", "u", "--imap-pass", "p"}, wantErr: "--imap-host"},
		{name: "no user", args: []string{"--imap-host", "h", "--imap-pass", "p"}, wantErr: "--imap-user"},
		{name: "bad port", args: []string{"--imap-host", "h", "--imap-user", "u", "--imap-pass", "p", "--imap-port", "70000"}, wantErr: "--imap-port"},
		{name: "mbox without path", args: []string{"--source", "mbox"}, wantErr: "--mbox"},
		{name: "unknown source", args: []string{"--source", "pop3"}, wantErr: "--source"},
		{name: "filter conflict", args: []string{"--mbox", "m", "--include-header", "a", "--exclude-body", "b"}, wantErr: "mutually exclusive"},
		{name: "log level", args: []string{"--mbox", "m", "--log-level", "trace"}, wantErr: "--log-level"},
		{name: "state backend", args: []string{"--mbox", "m", "--state-backend", "etcd"}, wantErr: "--state-backend"},
		{name: "redis without url", args: []string{"--mbox", "m", "--state-backend", "redis"}, wantErr: "--redis-url"},
		{name: "workers", args: []string{"--mbox", "m", "--link-workers", "0"}, wantErr: "--link-workers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := LoadConfig(newCommand(t, tt.args...), nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadStateConfig(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadStateConfig(newCommand(t, "--state-backend", "sqlite", "--state-dir", dir, "--log-level", "WARNING"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.StateBackend)
	assert.Equal(t, dir, cfg.StateDir)
	assert.Equal(t, "warn", cfg.LogLevel)
}

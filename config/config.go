package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dhcgn/mailbox-harvester/archive"
	"github.com/dhcgn/mailbox-harvester/credential"
	"github.com/dhcgn/mailbox-harvester/links"
	"github.com/dhcgn/mailbox-harvester/state"
)

const (
	SourceIMAP = "imap"
	SourceMbox = "mbox"

	envPrefix = "HARVEST"
)

// Config captures every option of a harvest run.
type Config struct {
	Source string

	MboxPath           string
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	Folder             string

	DownloadDir  string
	StateBackend string
	StateDir     string
	RedisURL     string
	RedisPrefix  string

	PartnerDomains   []string
	LinkPhrases      []string
	HighlightColor   string
	DefaultDocExt    string
	LinkNamePrefix   string
	LinkWorkers      int
	FetchTimeout     time.Duration
	MaxDownloadBytes int64

	ArchiveMaxDepth      int
	ArchiveMaxEntryBytes int64

	CheckpointEvery int
	RetryFailed     bool
	DryRun          bool
	Progress        bool

	LogLevel string
	LogDir   string

	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// SecretGetter looks up a stored secret by key.
type SecretGetter interface {
	Get(key string) (string, error)
}

// SecretFunc adapts a function to SecretGetter.
type SecretFunc func(key string) (string, error)

func (f SecretFunc) Get(key string) (string, error) { return f(key) }

// RegisterFlags attaches all CLI flags to cmd. They are persistent so
// subcommands see the same settings.
func RegisterFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "Optional YAML config file; every flag can be set there by name")
	flags.String("source", "", "Mailbox source: imap or mbox (default: mbox when --mbox is set)")
	flags.String("mbox", "", "Path to an .mbox file to read instead of an IMAP server")
	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var, then the keyring)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("folder", "INBOX", "IMAP folder to scan")
	flags.String("download-dir", "downloads", "Root directory for the category folders")
	flags.String("state-backend", state.BackendFile, "State backend: file, sqlite or redis")
	flags.String("state-dir", defaultStateDir, "Directory for file and sqlite state")
	flags.String("redis-url", "", "Redis URL for the redis state backend")
	flags.String("redis-prefix", "mailbox-harvester", "Key prefix for the redis state backend")
	flags.StringArray("partner-domain", links.DefaultPartnerDomains, "Host whose links are downloaded (subdomains included)")
	flags.StringArray("link-phrase", links.DefaultPhrases, "Anchor text that marks a document link (case-insensitive)")
	flags.String("highlight-color", links.DefaultHighlightColor, "Background color of highlighted download cells")
	flags.String("default-doc-ext", ".pdf", "Extension for downloaded documents that have none")
	flags.String("link-name-prefix", links.DefaultNamePrefix, "Filename prefix for downloads without a server-supplied name")
	flags.Int("link-workers", 4, "Parallel link downloads per message")
	flags.Duration("fetch-timeout", links.DefaultTimeout, "Timeout per link download")
	flags.Int64("max-download-bytes", links.DefaultMaxBytes, "Largest accepted link download")
	flags.Int("archive-max-depth", archive.DefaultMaxDepth, "Deepest nested archive that is expanded")
	flags.Int64("archive-max-entry-bytes", archive.DefaultMaxEntrySize, "Largest archive entry that is extracted")
	flags.Int("checkpoint-every", 1, "Save state after this many processed messages")
	flags.Bool("retry-failed", false, "Revisit messages with failed downloads on the next run")
	flags.Bool("dry-run", false, "Parse and classify without writing files or state")
	flags.Bool("progress", true, "Show a progress bar at log level info")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for a copy of the log output")
	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")

	return nil
}

// LoadConfig merges flags, HARVEST_* environment variables and the optional
// config file into a validated Config. secrets may be nil.
func LoadConfig(cmd *cobra.Command, secrets SecretGetter) (Config, error) {
	v, err := newViper(cmd.Flags())
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Source:               strings.ToLower(strings.TrimSpace(v.GetString("source"))),
		MboxPath:             v.GetString("mbox"),
		IMAPHost:             v.GetString("imap-host"),
		IMAPPort:             v.GetInt("imap-port"),
		IMAPUser:             v.GetString("imap-user"),
		IMAPPass:             v.GetString("imap-pass"),
		UseTLS:               v.GetBool("use-tls"),
		InsecureSkipVerify:   v.GetBool("insecure-skip-verify"),
		Folder:               v.GetString("folder"),
		DownloadDir:          v.GetString("download-dir"),
		StateBackend:         strings.ToLower(strings.TrimSpace(v.GetString("state-backend"))),
		StateDir:             v.GetString("state-dir"),
		RedisURL:             v.GetString("redis-url"),
		RedisPrefix:          v.GetString("redis-prefix"),
		PartnerDomains:       v.GetStringSlice("partner-domain"),
		LinkPhrases:          v.GetStringSlice("link-phrase"),
		HighlightColor:       v.GetString("highlight-color"),
		DefaultDocExt:        v.GetString("default-doc-ext"),
		LinkNamePrefix:       v.GetString("link-name-prefix"),
		LinkWorkers:          v.GetInt("link-workers"),
		FetchTimeout:         v.GetDuration("fetch-timeout"),
		MaxDownloadBytes:     v.GetInt64("max-download-bytes"),
		ArchiveMaxDepth:      v.GetInt("archive-max-depth"),
		ArchiveMaxEntryBytes: v.GetInt64("archive-max-entry-bytes"),
		CheckpointEvery:      v.GetInt("checkpoint-every"),
		RetryFailed:          v.GetBool("retry-failed"),
		DryRun:               v.GetBool("dry-run"),
		Progress:             v.GetBool("progress"),
		LogLevel:             strings.ToLower(v.GetString("log-level")),
		LogDir:               v.GetString("log-dir"),
		IncludeHeader:        v.GetStringSlice("include-header"),
		IncludeBody:          v.GetStringSlice("include-body"),
		ExcludeHeader:        v.GetStringSlice("exclude-header"),
		ExcludeBody:          v.GetStringSlice("exclude-body"),
	}

	if cfg.Source == "" {
		cfg.Source = SourceIMAP
		if cfg.MboxPath != "" {
			cfg.Source = SourceMbox
		}
	}
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	if cfg.DefaultDocExt != "" && !strings.HasPrefix(cfg.DefaultDocExt, ".") {
		cfg.DefaultDocExt = "." + cfg.DefaultDocExt
	}
	if cfg.StateDir == "" {
		cfg.StateDir, err = defaultStateDir()
		if err != nil {
			return Config{}, err
		}
	}
	cfg.StateDir = filepath.Clean(cfg.StateDir)
	cfg.DownloadDir = filepath.Clean(cfg.DownloadDir)

	if cfg.Source == SourceIMAP && cfg.IMAPPass == "" {
		cfg.IMAPPass = os.Getenv("IMAP_PASS")
	}
	if cfg.Source == SourceIMAP && cfg.IMAPPass == "" && secrets != nil && cfg.IMAPUser != "" && cfg.IMAPHost != "" {
		cfg.IMAPPass, err = secrets.Get(credential.IMAPKey(cfg.IMAPUser, cfg.IMAPHost))
		if err != nil {
			// a missing keyring entry is reported by validation below
			cfg.IMAPPass = ""
		}
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadStateConfig reads only the settings needed to open state and the
// download root. Subcommands that never touch the mailbox use it.
func LoadStateConfig(cmd *cobra.Command) (Config, error) {
	v, err := newViper(cmd.Flags())
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		DownloadDir:  filepath.Clean(v.GetString("download-dir")),
		StateBackend: strings.ToLower(strings.TrimSpace(v.GetString("state-backend"))),
		StateDir:     v.GetString("state-dir"),
		RedisURL:     v.GetString("redis-url"),
		RedisPrefix:  v.GetString("redis-prefix"),
		LogLevel:     strings.ToLower(v.GetString("log-level")),
		LogDir:       v.GetString("log-dir"),
	}
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	if cfg.StateDir == "" {
		if cfg.StateDir, err = defaultStateDir(); err != nil {
			return Config{}, err
		}
	}
	if err := validateState(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func newViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	path := v.GetString("config")
	if path == "" {
		return v, nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return v, nil
}

func validateConfig(cfg Config) error {
	switch cfg.Source {
	case SourceMbox:
		if cfg.MboxPath == "" {
			return fmt.Errorf("--mbox is required for source mbox")
		}
	case SourceIMAP:
		if cfg.IMAPHost == "" {
			return fmt.Errorf("--imap-host is required")
		}
		if cfg.IMAPUser == "" {
			return fmt.Errorf("--imap-user is required")
		}
		if cfg.IMAPPass == "" {
			return fmt.Errorf("IMAP password must be provided via --imap-pass, IMAP_PASS env var or the keyring")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return fmt.Errorf("--imap-port must be between 1 and 65535")
		}
	default:
		return fmt.Errorf("invalid --source: %s", cfg.Source)
	}

	if cfg.DownloadDir == "" || cfg.DownloadDir == "." {
		return fmt.Errorf("--download-dir must name a directory")
	}
	if len(cfg.PartnerDomains) == 0 {
		return fmt.Errorf("at least one --partner-domain is required")
	}
	if cfg.LinkWorkers <= 0 {
		return fmt.Errorf("--link-workers must be positive")
	}
	if cfg.CheckpointEvery <= 0 {
		return fmt.Errorf("--checkpoint-every must be positive")
	}
	if cfg.FetchTimeout <= 0 {
		return fmt.Errorf("--fetch-timeout must be positive")
	}
	if cfg.MaxDownloadBytes <= 0 || cfg.ArchiveMaxEntryBytes <= 0 {
		return fmt.Errorf("download and archive entry limits must be positive")
	}
	if cfg.ArchiveMaxDepth < 0 {
		return fmt.Errorf("--archive-max-depth must not be negative")
	}

	includeActive := len(cfg.IncludeHeader) > 0 || len(cfg.IncludeBody) > 0
	excludeActive := len(cfg.ExcludeHeader) > 0 || len(cfg.ExcludeBody) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}

	return validateState(cfg)
}

func validateState(cfg Config) error {
	switch cfg.StateBackend {
	case state.BackendFile, state.BackendSQLite:
	case state.BackendRedis:
		if cfg.RedisURL == "" {
			return fmt.Errorf("--redis-url is required for state backend redis")
		}
	default:
		return fmt.Errorf("invalid --state-backend: %s", cfg.StateBackend)
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}
	return nil
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mailbox-harvester", "state"), nil
}

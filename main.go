package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mailbox-harvester/archive"
	"github.com/dhcgn/mailbox-harvester/cmd"
	"github.com/dhcgn/mailbox-harvester/config"
	"github.com/dhcgn/mailbox-harvester/credential"
	"github.com/dhcgn/mailbox-harvester/dedup"
	"github.com/dhcgn/mailbox-harvester/filter"
	"github.com/dhcgn/mailbox-harvester/links"
	"github.com/dhcgn/mailbox-harvester/progress"
	"github.com/dhcgn/mailbox-harvester/runner"
	"github.com/dhcgn/mailbox-harvester/stats"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "mailbox-harvester",
		Short:        "Download mail attachments and partner-linked documents into deduplicated folders",
		SilenceUsage: true,
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(c, cmd.KeyringSecrets())
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting mailbox-harvester", "source", cfg.Source, "downloadDir", cfg.DownloadDir, "stateBackend", cfg.StateBackend, "dryRun", cfg.DryRun)

			return run(c.Context(), cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}

	openSource := func(ctx context.Context, cfg config.Config) (cmd.MailboxSource, error) {
		return cmd.OpenSource(ctx, cfg, slog.Default())
	}
	rootCmd.AddCommand(
		cmd.NewScanCmd(openSource),
		cmd.NewStateCmd(),
		cmd.NewCredentialCmd(func() (*credential.Store, error) { return credential.Open("") }),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger = logger.With("runID", uuid.NewString())

	store, err := cmd.OpenState(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing state failed", "err", err)
		}
	}()

	vault, err := dedup.NewVault(cfg.DownloadDir, store, dedup.WithLogger(logger), dedup.WithDryRun(cfg.DryRun))
	if err != nil {
		return fmt.Errorf("dedup.NewVault: %w", err)
	}

	src, err := cmd.OpenSource(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer src.Close()

	f, err := filter.New(filter.Options{
		IncludeHeader: cfg.IncludeHeader,
		IncludeBody:   cfg.IncludeBody,
		ExcludeHeader: cfg.ExcludeHeader,
		ExcludeBody:   cfg.ExcludeBody,
	})
	if err != nil {
		return fmt.Errorf("filter.New: %w", err)
	}

	r, err := runner.New(runner.Components{
		Source: src,
		Store:  store,
		Vault:  vault,
		Extractor: links.NewExtractor(links.ExtractorOptions{
			Phrases:        cfg.LinkPhrases,
			HighlightColor: cfg.HighlightColor,
			PartnerDomains: cfg.PartnerDomains,
		}),
		Fetcher: links.NewFetcher(&http.Client{}, links.FetcherOptions{
			Timeout:    cfg.FetchTimeout,
			MaxBytes:   cfg.MaxDownloadBytes,
			NamePrefix: cfg.LinkNamePrefix,
		}),
		Filter: f,
	}, runner.Options{
		LinkWorkers:     cfg.LinkWorkers,
		CheckpointEvery: cfg.CheckpointEvery,
		RetryFailed:     cfg.RetryFailed,
		DefaultDocExt:   cfg.DefaultDocExt,
		DryRun:          cfg.DryRun,
		Archive: archive.Options{
			MaxDepth:     cfg.ArchiveMaxDepth,
			MaxEntrySize: cfg.ArchiveMaxEntryBytes,
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}

	stats.NewReporter(r, logger)
	if cfg.Progress {
		progress.NewReporter(r, progress.New(cfg.LogLevel), logger)
	}

	return r.Run(ctx)
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("mailbox-harvester-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}

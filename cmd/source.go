package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/dhcgn/mailbox-harvester/config"
	"github.com/dhcgn/mailbox-harvester/imap"
	"github.com/dhcgn/mailbox-harvester/mbox"
	"github.com/dhcgn/mailbox-harvester/runner"
	"github.com/dhcgn/mailbox-harvester/state"
)

// MailboxSource is a source that holds a connection or file handle.
type MailboxSource interface {
	runner.Source
	io.Closer
}

// OpenSource connects the mailbox named by cfg.Source.
func OpenSource(ctx context.Context, cfg config.Config, logger *slog.Logger) (MailboxSource, error) {
	switch cfg.Source {
	case config.SourceMbox:
		src, err := mbox.Open(cfg.MboxPath, logger)
		if err != nil {
			return nil, fmt.Errorf("mbox.Open: %w", err)
		}
		return src, nil
	case config.SourceIMAP:
		src, err := imap.Open(ctx, imap.Options{
			Host:               cfg.IMAPHost,
			Port:               cfg.IMAPPort,
			Username:           cfg.IMAPUser,
			Password:           cfg.IMAPPass,
			UseTLS:             cfg.UseTLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Folder:             cfg.Folder,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("imap.Open: %w", err)
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown source %q", cfg.Source)
	}
}

// OpenState opens the configured state backend and loads it.
func OpenState(ctx context.Context, cfg config.Config) (*state.Store, error) {
	backend, err := state.NewBackend(ctx, state.Options{
		Kind:        cfg.StateBackend,
		Dir:         cfg.StateDir,
		RedisURL:    cfg.RedisURL,
		RedisPrefix: cfg.RedisPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("state.NewBackend: %w", err)
	}
	store, err := state.Open(ctx, backend)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return store, nil
}

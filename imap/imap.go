// Package imap exposes one IMAP folder as a source of raw messages.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/mailbox-harvester/model"
)

var (
	ErrInvalidMessageID   = errors.New("invalid imap message id")
	ErrUIDValidityChanged = errors.New("folder uidvalidity changed")
	ErrMessageNotFound    = errors.New("message not found")
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Folder             string
}

// Source is a logged-in connection with the folder selected. Message ids have
// the form "<uidvalidity>:<uid>" so they stay valid across sessions.
type Source struct {
	opts        Options
	client      *imapclient.Client
	cleanup     func()
	uidValidity uint32
	logger      *slog.Logger
}

// Open dials the server, logs in and selects the folder read-only.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (*Source, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}

	s := &Source{opts: opts, logger: logger}
	client, cleanup, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.client = client
	s.cleanup = cleanup

	selected, err := client.Select(s.folder(), &imapv2.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("select folder %s: %w", s.folder(), err)
	}
	s.uidValidity = selected.UIDValidity

	if logger != nil {
		logger.Debug("imap folder selected", "folder", s.folder(), "messages", selected.NumMessages, "uidValidity", selected.UIDValidity)
	}
	return s, nil
}

// ListMessageIDs returns the id of every message in the folder.
func (s *Source) ListMessageIDs(ctx context.Context) ([]model.MessageID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := s.client.UIDSearch(&imapv2.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search folder %s: %w", s.folder(), err)
	}

	uids := data.AllUIDs()
	ids := make([]model.MessageID, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, s.messageID(uid))
	}
	return ids, nil
}

// FetchRawMessage downloads the full message without setting \Seen.
func (s *Source) FetchRawMessage(ctx context.Context, id model.MessageID) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, err
	}

	uid, err := s.parseID(id)
	if err != nil {
		return model.Message{}, err
	}

	section := &imapv2.FetchItemBodySection{Peek: true}
	cmd := s.client.Fetch(imapv2.UIDSetNum(uid), &imapv2.FetchOptions{
		UID:          true,
		InternalDate: true,
		RFC822Size:   true,
		BodySection:  []*imapv2.FetchItemBodySection{section},
	})
	defer cmd.Close()

	msg := cmd.Next()
	if msg == nil {
		if err := cmd.Close(); err != nil {
			return model.Message{}, fmt.Errorf("fetch %s: %w", id, err)
		}
		return model.Message{}, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}

	buf, err := msg.Collect()
	if err != nil {
		return model.Message{}, fmt.Errorf("fetch %s: %w", id, err)
	}
	if err := cmd.Close(); err != nil {
		return model.Message{}, fmt.Errorf("fetch %s: %w", id, err)
	}

	raw := buf.FindBodySection(section)
	if raw == nil {
		return model.Message{}, fmt.Errorf("fetch %s: server returned no body", id)
	}

	return model.Message{
		ID:         id,
		ReceivedAt: buf.InternalDate,
		Size:       buf.RFC822Size,
		Raw:        raw,
	}, nil
}

// Close logs out and closes the connection.
func (s *Source) Close() error {
	if s.cleanup != nil {
		s.cleanup()
		s.cleanup = nil
	}
	return nil
}

func (s *Source) messageID(uid imapv2.UID) model.MessageID {
	return model.MessageID(fmt.Sprintf("%d:%d", s.uidValidity, uid))
}

func (s *Source) parseID(id model.MessageID) (imapv2.UID, error) {
	validity, uid, ok := strings.Cut(string(id), ":")
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMessageID, id)
	}
	v, err := strconv.ParseUint(validity, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMessageID, id)
	}
	u, err := strconv.ParseUint(uid, 10, 32)
	if err != nil || u == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMessageID, id)
	}
	if uint32(v) != s.uidValidity {
		return 0, fmt.Errorf("%w: id %s, folder %d", ErrUIDValidityChanged, id, s.uidValidity)
	}
	return imapv2.UID(u), nil
}

func (s *Source) folder() string {
	if s.opts.Folder == "" {
		return "INBOX"
	}
	return s.opts.Folder
}

func (s *Source) dial(ctx context.Context) (*imapclient.Client, func(), error) {
	address := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	options := &imapclient.Options{}

	if s.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         s.opts.Host,
			InsecureSkipVerify: s.opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if s.opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(s.opts.Username, s.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("imap login failed: %w", err)
	}

	if s.logger != nil {
		s.logger.Debug("imap connection established", "address", address, "user", s.opts.Username, "tls", s.opts.UseTLS)
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil && s.logger != nil {
				s.logger.Warn("imap logout failed", "err", err)
			}
		}
		if err := client.Close(); err != nil && s.logger != nil {
			s.logger.Debug("imap connection closed", "err", err)
		}
	}

	return client, cleanup, nil
}

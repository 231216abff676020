// Package mbox exposes an mbox file as a source of raw messages. Message ids
// are the SHA-256 of the raw message, so identical copies share one id.
package mbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"os"
	"strings"
	"time"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/mailbox-harvester/model"
)

var ErrMessageNotFound = errors.New("message not found in mbox")

// Source reads messages in file order. Fetches are served from a forward
// cursor, so fetching ids in listing order reads the file once.
type Source struct {
	path   string
	logger *slog.Logger

	file   *os.File
	reader *mboxlib.Reader
}

func Open(path string, logger *slog.Logger) (*Source, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("open mbox: %s is a directory", path)
	}
	return &Source{path: path, logger: logger}, nil
}

// ListMessageIDs scans the whole file.
func (s *Source) ListMessageIDs(ctx context.Context) ([]model.MessageID, error) {
	file, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	seen := make(map[model.MessageID]struct{})
	var ids []model.MessageID

	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, err := nextRaw(reader)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", idx, err)
		}

		id := messageID(raw)
		if _, dup := seen[id]; dup {
			if s.logger != nil {
				s.logger.Debug("identical message repeated in mbox", "index", idx, "messageID", id)
			}
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	return ids, nil
}

// FetchRawMessage returns the message with the given id. The file is read
// from the start again only when the cursor has already passed the message.
func (s *Source) FetchRawMessage(ctx context.Context, id model.MessageID) (model.Message, error) {
	rewound := false
	for {
		if err := ctx.Err(); err != nil {
			return model.Message{}, err
		}

		if s.reader == nil {
			if err := s.rewind(); err != nil {
				return model.Message{}, err
			}
			rewound = true
		}

		raw, err := nextRaw(s.reader)
		if errors.Is(err, io.EOF) {
			s.closeCursor()
			if rewound {
				return model.Message{}, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
			}
			continue
		}
		if err != nil {
			s.closeCursor()
			return model.Message{}, fmt.Errorf("read mbox: %w", err)
		}

		if messageID(raw) != id {
			continue
		}

		return model.Message{
			ID:         id,
			ReceivedAt: receivedAt(raw),
			Size:       int64(len(raw)),
			Raw:        raw,
		}, nil
	}
}

func (s *Source) Close() error {
	s.closeCursor()
	return nil
}

func (s *Source) rewind() error {
	s.closeCursor()
	file, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	s.file = file
	s.reader = mboxlib.NewReader(file)
	return nil
}

func (s *Source) closeCursor() {
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = nil
	s.reader = nil
}

func nextRaw(reader *mboxlib.Reader) ([]byte, error) {
	msgReader, err := reader.NextMessage()
	if err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(msgReader)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	return raw, nil
}

func messageID(raw []byte) model.MessageID {
	sum := sha256.Sum256(raw)
	return model.MessageID(hex.EncodeToString(sum[:]))
}

func receivedAt(raw []byte) time.Time {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return time.Time{}
	}
	if date := msg.Header.Get("Date"); date != "" {
		if t, err := mail.ParseDate(date); err == nil {
			return t
		}
	}
	return time.Time{}
}

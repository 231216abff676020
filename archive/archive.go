// Package archive expands zip payloads into individually deduplicated files.
package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/dhcgn/mailbox-harvester/dedup"
	"github.com/dhcgn/mailbox-harvester/model"
)

// ErrMalformedArchive is returned when the bytes are not a readable zip. The
// caller should store the payload as an opaque file instead.
var ErrMalformedArchive = errors.New("malformed archive")

const (
	DefaultMaxDepth     = 4
	DefaultMaxEntrySize = 512 << 20
)

// Store is the part of the vault the expander writes through.
type Store interface {
	Store(p model.Payload) (dedup.Result, error)
	Discard(entry model.StoredEntry) error
}

type Options struct {
	// MaxDepth bounds how deep nested archives are expanded.
	MaxDepth int
	// MaxEntrySize bounds the uncompressed size of one entry.
	MaxEntrySize int64
}

type Expander struct {
	store        Store
	logger       *slog.Logger
	maxDepth     int
	maxEntrySize int64
}

// Expansion lists what happened to each entry of an archive.
type Expansion struct {
	Results []dedup.Result
	// Removed is set when the persisted archive file was deleted afterwards.
	Removed bool
}

// Stored returns the entries written during the expansion.
func (e Expansion) Stored() []model.StoredEntry {
	var stored []model.StoredEntry
	for _, res := range e.Results {
		if res.Outcome == dedup.OutcomeStored {
			stored = append(stored, res.Entry)
		}
	}
	return stored
}

func NewExpander(store Store, opts Options, logger *slog.Logger) *Expander {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.MaxEntrySize <= 0 {
		opts.MaxEntrySize = DefaultMaxEntrySize
	}
	return &Expander{
		store:        store,
		logger:       logger,
		maxDepth:     opts.MaxDepth,
		maxEntrySize: opts.MaxEntrySize,
	}
}

// Expand stores every entry of the archive in the payload's category. When
// archive is not nil it names the file the archive itself was persisted as;
// that file and its registry entry are removed once every entry was handled.
// If any entry fails the archive is kept so its content is not lost.
func (e *Expander) Expand(p model.Payload, archive *model.StoredEntry) (Expansion, error) {
	var exp Expansion
	if err := e.expand(p, 0, &exp); err != nil {
		return exp, err
	}

	if archive != nil {
		if err := e.store.Discard(*archive); err != nil {
			return exp, fmt.Errorf("remove archive %s: %w", archive.Path, err)
		}
		exp.Removed = true
		if e.logger != nil {
			e.logger.Info("removed archive after extraction", "path", archive.Path, "entries", len(exp.Results))
		}
	}
	return exp, nil
}

func (e *Expander) expand(p model.Payload, depth int, exp *Expansion) error {
	reader, err := zip.NewReader(bytes.NewReader(p.Data), int64(len(p.Data)))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedArchive, p.Name, err)
	}

	var errs []error
	for _, file := range reader.File {
		name := entryName(file)
		if file.FileInfo().IsDir() || name == "" {
			continue
		}

		content, err := e.readEntry(file)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: entry %s: %w", p.Name, file.Name, err))
			continue
		}

		entry := model.Payload{
			Name:      name,
			Data:      content,
			Category:  p.Category,
			MessageID: p.MessageID,
			Source:    p.Source,
		}

		if depth+1 < e.maxDepth && Classify(content, "", name, "").Kind == KindArchive {
			nestedErr := e.expand(entry, depth+1, exp)
			if nestedErr == nil {
				continue
			}
			if !errors.Is(nestedErr, ErrMalformedArchive) {
				errs = append(errs, nestedErr)
				continue
			}
			if e.logger != nil {
				e.logger.Warn("nested archive is not valid, storing as file", "name", name, "err", nestedErr)
			}
		}

		res, err := e.store.Store(entry)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: store %s: %w", p.Name, name, err))
			continue
		}
		if res.Outcome == dedup.OutcomeStored && e.logger != nil {
			e.logger.Info("extracted from archive", "archive", p.Name, "path", res.Entry.Path)
		}
		exp.Results = append(exp.Results, res)
	}

	return errors.Join(errs...)
}

func (e *Expander) readEntry(file *zip.File) ([]byte, error) {
	if file.UncompressedSize64 > uint64(e.maxEntrySize) {
		return nil, fmt.Errorf("entry exceeds %d bytes", e.maxEntrySize)
	}

	rc, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	content, err := io.ReadAll(io.LimitReader(rc, e.maxEntrySize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(content)) > e.maxEntrySize {
		return nil, fmt.Errorf("entry exceeds %d bytes", e.maxEntrySize)
	}
	return content, nil
}

// entryName flattens the entry path to its base name. Names not flagged as
// UTF-8 are read as code page 437, the zip default.
func entryName(file *zip.File) string {
	name := file.Name
	if file.NonUTF8 && !utf8.ValidString(name) {
		if decoded, err := charmap.CodePage437.NewDecoder().String(name); err == nil {
			name = decoded
		}
	}
	name = strings.ReplaceAll(name, "\\", "/")
	if strings.HasSuffix(name, "/") {
		return ""
	}
	base := path.Base(name)
	if base == "." || base == "/" || base == ".." {
		return ""
	}
	return base
}

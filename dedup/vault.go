package dedup

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dhcgn/mailbox-harvester/model"
)

// Registry is the fingerprint to path mapping the vault consults and updates.
type Registry interface {
	Lookup(fp model.Fingerprint) (string, bool)
	Register(fp model.Fingerprint, path string) bool
	Forget(fp model.Fingerprint)
}

// Outcome tells what Store did with a payload.
type Outcome string

const (
	// OutcomeStored means a new file was written and registered.
	OutcomeStored Outcome = "stored"
	// OutcomeKnown means the registry already holds this content.
	OutcomeKnown Outcome = "known"
	// OutcomeOnDisk means a file with the same name and bytes already existed
	// without a registry entry. The file is adopted into the registry.
	OutcomeOnDisk Outcome = "on_disk"
)

// Result describes a Store call.
type Result struct {
	Outcome Outcome
	Entry   model.StoredEntry
	// Existing is the relative path already holding the content for
	// OutcomeKnown and OutcomeOnDisk.
	Existing string
}

// Vault owns the category roots below one download directory. Every decision
// that depends on the registry or on directory contents runs under one lock,
// so two payloads with the same fingerprint can never both be written.
type Vault struct {
	root     string
	registry Registry
	logger   *slog.Logger
	dryRun   bool

	mu       sync.Mutex
	reserved map[model.Category]map[string]struct{}
}

type Option func(*Vault)

// WithLogger sets the logger used for skip and store messages.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Vault) { v.logger = logger }
}

// WithDryRun keeps the vault from touching the filesystem. Names handed out
// during the run are remembered so collisions still resolve as they would.
func WithDryRun(dryRun bool) Option {
	return func(v *Vault) { v.dryRun = dryRun }
}

func NewVault(root string, registry Registry, opts ...Option) (*Vault, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("download directory is empty")
	}
	if registry == nil {
		return nil, fmt.Errorf("registry must not be nil")
	}

	v := &Vault{
		root:     filepath.Clean(root),
		registry: registry,
		reserved: make(map[model.Category]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(v)
	}

	if !v.dryRun {
		for _, category := range model.Categories() {
			if err := os.MkdirAll(v.Dir(category), 0o755); err != nil {
				return nil, fmt.Errorf("create category directory: %w", err)
			}
		}
	}

	return v, nil
}

// Root returns the download directory.
func (v *Vault) Root() string {
	return v.root
}

// Dir returns the directory of a category.
func (v *Vault) Dir(category model.Category) string {
	return filepath.Join(v.root, string(category))
}

// Abs turns a registry path into a filesystem path.
func (v *Vault) Abs(rel string) string {
	return filepath.Join(v.root, filepath.FromSlash(rel))
}

// Known reports where content with this fingerprint is stored.
func (v *Vault) Known(fp model.Fingerprint) (string, bool) {
	return v.registry.Lookup(fp)
}

// Store runs the fingerprint lookup, collision resolution, write and registry
// insert for one payload as a single step.
func (v *Vault) Store(p model.Payload) (Result, error) {
	name, err := SanitizeName(p.Name)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %q", err, p.Name)
	}
	if p.Category == "" {
		return Result{}, fmt.Errorf("payload %s has no category", name)
	}

	fp := Fingerprint(p.Data)

	v.mu.Lock()
	defer v.mu.Unlock()

	if existing, ok := v.registry.Lookup(fp); ok {
		v.log().Info("skipping duplicate content", "name", name, "existing", existing, "messageID", p.MessageID)
		return Result{
			Outcome:  OutcomeKnown,
			Entry:    model.StoredEntry{Fingerprint: fp, Category: p.Category, Name: name},
			Existing: existing,
		}, nil
	}

	dir := v.Dir(p.Category)
	final, sameOnDisk, err := resolveName(dir, name, fp, v.reserved[p.Category])
	if err != nil {
		return Result{}, err
	}

	entry := model.StoredEntry{
		Fingerprint: fp,
		Category:    p.Category,
		Name:        final,
		Path:        path.Join(string(p.Category), final),
	}

	if sameOnDisk {
		v.registry.Register(fp, entry.Path)
		v.log().Info("adopted existing file", "name", name, "existing", entry.Path, "messageID", p.MessageID)
		return Result{Outcome: OutcomeOnDisk, Entry: entry, Existing: entry.Path}, nil
	}

	if v.dryRun {
		if v.reserved[p.Category] == nil {
			v.reserved[p.Category] = make(map[string]struct{})
		}
		v.reserved[p.Category][final] = struct{}{}
	} else if err := writeExclusive(filepath.Join(dir, final), p.Data); err != nil {
		return Result{}, err
	}

	v.registry.Register(fp, entry.Path)
	v.log().Info("stored file", "path", entry.Path, "size", len(p.Data), "messageID", p.MessageID)

	return Result{Outcome: OutcomeStored, Entry: entry}, nil
}

// Discard deletes a stored file and retracts its registry entry. It is used
// for archives once their contents have been expanded.
func (v *Vault) Discard(entry model.StoredEntry) error {
	if entry.Path == "" {
		return fmt.Errorf("entry %s has no path", entry.Name)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.dryRun {
		if err := os.Remove(v.Abs(entry.Path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", entry.Path, err)
		}
	} else if names := v.reserved[entry.Category]; names != nil {
		delete(names, entry.Name)
	}

	if current, ok := v.registry.Lookup(entry.Fingerprint); ok && current == entry.Path {
		v.registry.Forget(entry.Fingerprint)
	}
	return nil
}

func (v *Vault) log() *slog.Logger {
	if v.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return v.logger
}

func writeExclusive(target string, data []byte) error {
	file, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}

	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		_ = os.Remove(target)
		return fmt.Errorf("write %s: %w", target, err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		_ = os.Remove(target)
		return fmt.Errorf("sync %s: %w", target, err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(target)
		return fmt.Errorf("close %s: %w", target, err)
	}
	return nil
}

package state

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dhcgn/mailbox-harvester/model"
)

const (
	processedFileName = "processed.jsonl"
	filesFileName     = "files.jsonl"
)

// FileBackend keeps the processed set and the file registry in two JSONL
// files inside a state directory. Each save rewrites a file through a
// temporary sibling and a rename.
type FileBackend struct {
	dir string
}

type processedRecord struct {
	MessageID string `json:"message_id"`
}

type fileRecord struct {
	Fingerprint string `json:"fingerprint"`
	Path        string `json:"path"`
}

func NewFileBackend(stateDir string) (*FileBackend, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	return &FileBackend{dir: stateDir}, nil
}

func (f *FileBackend) Load(context.Context) (Snapshot, error) {
	snap := Snapshot{Files: make(map[model.Fingerprint]string)}

	err := f.readLines(processedFileName, func(line []byte) error {
		var record processedRecord
		if err := json.Unmarshal(line, &record); err != nil {
			return err
		}
		if record.MessageID == "" {
			return fmt.Errorf("empty message id")
		}
		snap.Processed = append(snap.Processed, model.MessageID(record.MessageID))
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}

	err = f.readLines(filesFileName, func(line []byte) error {
		var record fileRecord
		if err := json.Unmarshal(line, &record); err != nil {
			return err
		}
		if record.Fingerprint == "" || record.Path == "" {
			return fmt.Errorf("incomplete file record")
		}
		snap.Files[model.Fingerprint(record.Fingerprint)] = record.Path
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}

	return snap, nil
}

func (f *FileBackend) readLines(name string, apply func([]byte) error) error {
	path := filepath.Join(f.dir, name)
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open state file %s: %w", name, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}
		if err := apply(text); err != nil {
			return fmt.Errorf("%w: parse %s line %d: %v", ErrStateCorrupt, name, line, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrStateCorrupt, name, err)
	}

	return nil
}

// Save writes the file registry before the processed set. A crash between the
// two leaves messages unmarked whose files are already registered, so the next
// run revisits them and finds every payload as a duplicate.
func (f *FileBackend) Save(_ context.Context, snap Snapshot) error {
	fingerprints := make([]string, 0, len(snap.Files))
	for fp := range snap.Files {
		fingerprints = append(fingerprints, string(fp))
	}
	slices.Sort(fingerprints)

	err := f.writeLines(filesFileName, len(fingerprints), func(i int) any {
		fp := fingerprints[i]
		return fileRecord{Fingerprint: fp, Path: snap.Files[model.Fingerprint(fp)]}
	})
	if err != nil {
		return err
	}

	return f.writeLines(processedFileName, len(snap.Processed), func(i int) any {
		return processedRecord{MessageID: string(snap.Processed[i])}
	})
}

func (f *FileBackend) writeLines(name string, n int, record func(int) any) error {
	path := filepath.Join(f.dir, name)
	tmp, err := os.CreateTemp(f.dir, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	writer := bufio.NewWriterSize(tmp, 64*1024)
	for i := 0; i < n; i++ {
		data, err := json.Marshal(record(i))
		if err != nil {
			_ = tmp.Close()
			return fmt.Errorf("encode state record: %w", err)
		}
		if _, err := writer.Write(data); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("write state record: %w", err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("write newline: %w", err)
		}
	}

	if err := writer.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("flush state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace state file %s: %w", name, err)
	}

	return nil
}

func (f *FileBackend) Close() error { return nil }

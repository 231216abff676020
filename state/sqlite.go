package state

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/dhcgn/mailbox-harvester/model"
)

type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS processed_messages (
	message_id TEXT PRIMARY KEY,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS file_registry (
	fingerprint TEXT PRIMARY KEY,
	path        TEXT NOT NULL,
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}

// SQLiteBackend stores the two records as tables of one SQLite database. A
// save is a single transaction carrying only the rows that changed since the
// previous load or save.
type SQLiteBackend struct {
	db *sqlx.DB

	mu        sync.Mutex
	processed map[model.MessageID]struct{}
	files     map[model.Fingerprint]string
}

type fileRow struct {
	Fingerprint string `db:"fingerprint"`
	Path        string `db:"path"`
}

func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	b := &SQLiteBackend{
		db:        db,
		processed: make(map[model.MessageID]struct{}),
		files:     make(map[model.Fingerprint]string),
	}
	if err := b.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return b, nil
}

func (b *SQLiteBackend) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := b.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = b.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := b.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

func (b *SQLiteBackend) Load(ctx context.Context) (Snapshot, error) {
	var ids []string
	if err := b.db.SelectContext(ctx, &ids, "SELECT message_id FROM processed_messages ORDER BY message_id"); err != nil {
		return Snapshot{}, fmt.Errorf("%w: read processed_messages: %v", ErrStateCorrupt, err)
	}

	var rows []fileRow
	if err := b.db.SelectContext(ctx, &rows, "SELECT fingerprint, path FROM file_registry"); err != nil {
		return Snapshot{}, fmt.Errorf("%w: read file_registry: %v", ErrStateCorrupt, err)
	}

	snap := Snapshot{
		Processed: make([]model.MessageID, 0, len(ids)),
		Files:     make(map[model.Fingerprint]string, len(rows)),
	}
	for _, id := range ids {
		snap.Processed = append(snap.Processed, model.MessageID(id))
	}
	for _, row := range rows {
		snap.Files[model.Fingerprint(row.Fingerprint)] = row.Path
	}

	b.mu.Lock()
	b.processed = make(map[model.MessageID]struct{}, len(snap.Processed))
	for _, id := range snap.Processed {
		b.processed[id] = struct{}{}
	}
	b.files = maps.Clone(snap.Files)
	b.mu.Unlock()

	return snap, nil
}

func (b *SQLiteBackend) Save(ctx context.Context, snap Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for fp, path := range b.files {
		if current, ok := snap.Files[fp]; ok && current == path {
			continue
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM file_registry WHERE fingerprint = ?", string(fp)); err != nil {
			return fmt.Errorf("deleting file record: %w", err)
		}
	}
	for fp, path := range snap.Files {
		if previous, ok := b.files[fp]; ok && previous == path {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO file_registry (fingerprint, path) VALUES (?, ?)",
			string(fp), path,
		); err != nil {
			return fmt.Errorf("inserting file record: %w", err)
		}
	}

	var added []model.MessageID
	for _, id := range snap.Processed {
		if _, ok := b.processed[id]; ok {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO processed_messages (message_id) VALUES (?)",
			string(id),
		); err != nil {
			return fmt.Errorf("inserting processed message: %w", err)
		}
		added = append(added, id)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing state: %w", err)
	}

	b.files = maps.Clone(snap.Files)
	for _, id := range added {
		b.processed[id] = struct{}{}
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

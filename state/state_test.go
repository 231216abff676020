package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mailbox-harvester/model"
)

func sampleSnapshot() Snapshot {
	return Snapshot{
		Processed: []model.MessageID{"1:10", "1:11", "1:12"},
		Files: map[model.Fingerprint]string{
			"aaaa": "bluedart/x.pdf",
			"bbbb": "delhivery/invoice_1.pdf",
		},
	}
}

func TestRegistry_RegisterNeverOverwrites(t *testing.T) {
	reg := NewRegistry()

	assert.True(t, reg.Register("fp", "bluedart/a.pdf"))
	assert.False(t, reg.Register("fp", "bluedart/b.pdf"))

	path, ok := reg.Lookup("fp")
	require.True(t, ok)
	assert.Equal(t, "bluedart/a.pdf", path)

	reg.Forget("fp")
	_, ok = reg.Lookup("fp")
	assert.False(t, ok)
}

func TestRegistry_ProcessedSet(t *testing.T) {
	reg := NewRegistry()
	assert.False(t, reg.AlreadyProcessed("m1"))

	reg.MarkProcessed("m1")
	reg.MarkProcessed("m1")
	reg.MarkProcessed("")

	assert.True(t, reg.AlreadyProcessed("m1"))
	assert.False(t, reg.AlreadyProcessed(""))
	assert.Equal(t, Counts{Processed: 1, Files: 0}, reg.Counts())
}

func TestStore_OpenEmpty(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)

	store, err := Open(context.Background(), backend)
	require.NoError(t, err)
	assert.Equal(t, Counts{}, store.Counts())
}

func TestBackends_RoundTrip(t *testing.T) {
	ctx := context.Background()

	backends := map[string]func(t *testing.T) Backend{
		"file": func(t *testing.T) Backend {
			b, err := NewFileBackend(t.TempDir())
			require.NoError(t, err)
			return b
		},
		"sqlite": func(t *testing.T) Backend {
			b, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "state.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = b.Close() })
			return b
		},
		"redis": func(t *testing.T) Backend {
			mr := miniredis.RunT(t)
			b, err := NewRedisBackend(ctx, "redis://"+mr.Addr(), "test")
			require.NoError(t, err)
			t.Cleanup(func() { _ = b.Close() })
			return b
		},
		"memory": func(t *testing.T) Backend {
			return NewMemoryBackend()
		},
	}

	for name, build := range backends {
		t.Run(name, func(t *testing.T) {
			backend := build(t)

			empty, err := backend.Load(ctx)
			require.NoError(t, err)
			assert.Empty(t, empty.Processed)
			assert.Empty(t, empty.Files)

			want := sampleSnapshot()
			require.NoError(t, backend.Save(ctx, want))

			got, err := backend.Load(ctx)
			require.NoError(t, err)
			assert.ElementsMatch(t, want.Processed, got.Processed)
			assert.Equal(t, want.Files, got.Files)

			// An archive retracted after extraction disappears from the registry.
			next := sampleSnapshot()
			delete(next.Files, "bbbb")
			next.Files["cccc"] = "delhivery/y.pdf"
			next.Processed = append(next.Processed, "1:13")
			require.NoError(t, backend.Save(ctx, next))

			got, err = backend.Load(ctx)
			require.NoError(t, err)
			assert.ElementsMatch(t, next.Processed, got.Processed)
			assert.Equal(t, next.Files, got.Files)
		})
	}
}

func TestStore_SaveAndReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	backend, err := NewFileBackend(dir)
	require.NoError(t, err)
	store, err := Open(ctx, backend)
	require.NoError(t, err)

	store.MarkProcessed("1:1")
	store.Register("fp1", "bluedart/a.pdf")
	require.NoError(t, store.Save(ctx))

	reopened, err := Open(ctx, backend)
	require.NoError(t, err)
	assert.True(t, reopened.AlreadyProcessed("1:1"))
	path, ok := reopened.Lookup("fp1")
	require.True(t, ok)
	assert.Equal(t, "bluedart/a.pdf", path)
}

func TestFileBackend_CorruptIsFatal(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, filesFileName), []byte("{\"fingerprint\":\"a\",\"path\":\"x\"}\nnot json\n"), 0o600))

	backend, err := NewFileBackend(dir)
	require.NoError(t, err)

	_, err = Open(context.Background(), backend)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStateCorrupt)
	assert.Contains(t, err.Error(), "line 2")
}

func TestRedisBackend_WrongTypeIsCorrupt(t *testing.T) {
	mr := miniredis.RunT(t)
	require.NoError(t, mr.Set("test:processed", "not a set"))

	backend, err := NewRedisBackend(context.Background(), "redis://"+mr.Addr(), "test")
	require.NoError(t, err)
	defer backend.Close()

	_, err = backend.Load(context.Background())
	assert.ErrorIs(t, err, ErrStateCorrupt)
}

func TestNewBackend_Unknown(t *testing.T) {
	_, err := NewBackend(context.Background(), Options{Kind: "etcd", Dir: t.TempDir()})
	assert.Error(t, err)
}

func BenchmarkRegistry_Lookup(b *testing.B) {
	reg := NewRegistry()
	for i := 0; i < 1000; i++ {
		reg.Register(model.Fingerprint(fmt.Sprintf("fp-%d", i)), fmt.Sprintf("bluedart/file-%d.pdf", i))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		reg.Lookup(model.Fingerprint(fmt.Sprintf("fp-%d", i%2000)))
	}
}

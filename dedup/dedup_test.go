package dedup

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mailbox-harvester/model"
	"github.com/dhcgn/mailbox-harvester/state"
)

func TestFingerprint_Deterministic(t *testing.T) {
	// sha256("abc")
	assert.Equal(t,
		model.Fingerprint("ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"),
		Fingerprint([]byte("abc")))
	assert.Equal(t, Fingerprint([]byte("same")), Fingerprint([]byte("same")))
	assert.NotEqual(t, Fingerprint([]byte("x")), Fingerprint([]byte("y")))
}

func TestResolveName(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "report.csv"), []byte("X"), 0o644))

	name, dup, err := ResolveName(dir, "report.csv", []byte("X"))
	require.NoError(t, err)
	assert.Equal(t, "report.csv", name)
	assert.True(t, dup)

	name, dup, err = ResolveName(dir, "report.csv", []byte("Y"))
	require.NoError(t, err)
	assert.Equal(t, "report_1.csv", name)
	assert.False(t, dup)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "report_1.csv"), []byte("Y"), 0o644))
	name, dup, err = ResolveName(dir, "report.csv", []byte("Z"))
	require.NoError(t, err)
	assert.Equal(t, "report_2.csv", name)
	assert.False(t, dup)

	name, dup, err = ResolveName(dir, "fresh.pdf", []byte("Z"))
	require.NoError(t, err)
	assert.Equal(t, "fresh.pdf", name)
	assert.False(t, dup)
}

func TestResolveName_NoExtension(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("a"), 0o644))

	name, _, err := ResolveName(dir, "README", []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, "README_1", name)
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "invoice.pdf", want: "invoice.pdf"},
		{in: "../../etc/passwd", want: "passwd"},
		{in: `C:\temp\bill.pdf`, want: "bill.pdf"},
		{in: "a:b?.pdf", want: "a_b_.pdf"},
		{in: "  ", wantErr: true},
		{in: "..", wantErr: true},
		{in: "dir/", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := SanitizeName(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidName)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func newTestVault(t *testing.T, opts ...Option) (*Vault, *state.Registry) {
	t.Helper()
	reg := state.NewRegistry()
	v, err := NewVault(t.TempDir(), reg, opts...)
	require.NoError(t, err)
	return v, reg
}

func TestVault_StoreAndDedupAcrossCategories(t *testing.T) {
	v, reg := newTestVault(t)

	first, err := v.Store(model.Payload{Name: "a.pdf", Data: []byte("pdf-1"), Category: model.CategoryBlueDart})
	require.NoError(t, err)
	assert.Equal(t, OutcomeStored, first.Outcome)
	assert.Equal(t, "bluedart/a.pdf", first.Entry.Path)
	assert.FileExists(t, v.Abs(first.Entry.Path))

	second, err := v.Store(model.Payload{Name: "other.pdf", Data: []byte("pdf-1"), Category: model.CategoryDelhivery})
	require.NoError(t, err)
	assert.Equal(t, OutcomeKnown, second.Outcome)
	assert.Equal(t, "bluedart/a.pdf", second.Existing)
	assert.NoFileExists(t, filepath.Join(v.Dir(model.CategoryDelhivery), "other.pdf"))

	third, err := v.Store(model.Payload{Name: "a.pdf", Data: []byte("pdf-2"), Category: model.CategoryBlueDart})
	require.NoError(t, err)
	assert.Equal(t, OutcomeStored, third.Outcome)
	assert.Equal(t, "bluedart/a_1.pdf", third.Entry.Path)

	assert.Equal(t, 2, reg.Counts().Files)
}

func TestVault_FilePlacedByOthers(t *testing.T) {
	v, reg := newTestVault(t)
	require.NoError(t, os.WriteFile(filepath.Join(v.Dir(model.CategoryBlueDart), "x.pdf"), []byte("same"), 0o644))

	res, err := v.Store(model.Payload{Name: "x.pdf", Data: []byte("same"), Category: model.CategoryBlueDart})
	require.NoError(t, err)
	assert.Equal(t, OutcomeOnDisk, res.Outcome)
	assert.Equal(t, "bluedart/x.pdf", res.Existing)

	registered, ok := reg.Lookup(res.Entry.Fingerprint)
	require.True(t, ok)
	assert.Equal(t, "bluedart/x.pdf", registered)

	again, err := v.Store(model.Payload{Name: "copy.pdf", Data: []byte("same"), Category: model.CategoryBlueDart})
	require.NoError(t, err)
	assert.Equal(t, OutcomeKnown, again.Outcome)
	assert.Equal(t, "bluedart/x.pdf", again.Existing)
	assert.NoFileExists(t, filepath.Join(v.Dir(model.CategoryBlueDart), "copy.pdf"))
}

func TestVault_Discard(t *testing.T) {
	v, reg := newTestVault(t)

	res, err := v.Store(model.Payload{Name: "a.zip", Data: []byte("PK..."), Category: model.CategoryBlueDart})
	require.NoError(t, err)

	require.NoError(t, v.Discard(res.Entry))
	assert.NoFileExists(t, v.Abs(res.Entry.Path))
	_, ok := reg.Lookup(res.Entry.Fingerprint)
	assert.False(t, ok)
}

func TestVault_ConcurrentSameContentWritesOnce(t *testing.T) {
	v, reg := newTestVault(t)

	var wg sync.WaitGroup
	results := make([]Result, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			category := model.CategoryBlueDart
			if i%2 == 1 {
				category = model.CategoryDelhivery
			}
			res, err := v.Store(model.Payload{Name: fmt.Sprintf("copy-%d.pdf", i), Data: []byte("identical"), Category: category})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	stored := 0
	for _, res := range results {
		if res.Outcome == OutcomeStored {
			stored++
		}
	}
	assert.Equal(t, 1, stored)
	assert.Equal(t, 1, reg.Counts().Files)

	count := 0
	for _, category := range model.Categories() {
		entries, err := os.ReadDir(v.Dir(category))
		require.NoError(t, err)
		count += len(entries)
	}
	assert.Equal(t, 1, count)
}

func TestVault_DryRunWritesNothing(t *testing.T) {
	root := filepath.Join(t.TempDir(), "downloads")
	v, err := NewVault(root, state.NewRegistry(), WithDryRun(true))
	require.NoError(t, err)

	a, err := v.Store(model.Payload{Name: "a.pdf", Data: []byte("1"), Category: model.CategoryBlueDart})
	require.NoError(t, err)
	b, err := v.Store(model.Payload{Name: "a.pdf", Data: []byte("2"), Category: model.CategoryBlueDart})
	require.NoError(t, err)

	assert.Equal(t, "bluedart/a.pdf", a.Entry.Path)
	assert.Equal(t, "bluedart/a_1.pdf", b.Entry.Path)
	assert.NoDirExists(t, root)
}

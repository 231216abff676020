package credential

import (
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_RoundTrip(t *testing.T) {
	store := NewStore(keyring.NewArrayKeyring(nil))
	key := IMAPKey("ops@example.com", "imap.example.com")
	assert.Equal(t, "imap:ops@example.com@imap.example.com", key)

	_, err := store.Get(key)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Set(key, "s3cret"))
	got, err := store.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got)

	require.NoError(t, store.Delete(key))
	_, err = store.Get(key)
	assert.ErrorIs(t, err, ErrNotFound)
}

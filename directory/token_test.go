package directory

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenStoreIssueAndLookup(t *testing.T) {
	hasher, err := NewTokenHasher([]byte("cluster-secret"))
	require.NoError(t, err)
	store := NewTokenStore(hasher)

	store.Issue([]byte("tok-alice"), 7)
	store.Issue([]byte("tok-bob"), 8)
	require.Equal(t, 2, store.Len())

	id, ok := store.Lookup([]byte("tok-alice"))
	require.True(t, ok)
	require.EqualValues(t, 7, id)

	_, ok = store.Lookup([]byte("tok-carol"))
	require.False(t, ok)
}

func TestTokenStoreRevoke(t *testing.T) {
	hasher, err := NewTokenHasher(nil)
	require.NoError(t, err)
	store := NewTokenStore(hasher)

	store.Issue([]byte("tok-alice"), 7)
	store.Revoke([]byte("tok-alice"))

	_, ok := store.Lookup([]byte("tok-alice"))
	require.False(t, ok)
	require.Zero(t, store.Len())
}

func TestTokenHasherIsKeyed(t *testing.T) {
	a, err := NewTokenHasher([]byte("key-a"))
	require.NoError(t, err)
	b, err := NewTokenHasher([]byte("key-b"))
	require.NoError(t, err)

	require.NotEqual(t, a.Hash([]byte("same-token")), b.Hash([]byte("same-token")))
}

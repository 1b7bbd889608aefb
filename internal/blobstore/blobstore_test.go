package blobstore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	key := Key{MessageID: "abc123", Kind: KindPlain}

	require.NoError(t, s.Put(key, []byte("hello, world")))

	got, err := s.Get(key)
	require.NoError(t, err)
	require.Equal(t, []byte("hello, world"), got)
}

func TestGetMissingIsNotAnError(t *testing.T) {
	s := newTestStore(t)

	got, err := s.Get(Key{MessageID: "nonexistent", Kind: KindPlain})
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestExists(t *testing.T) {
	s := newTestStore(t)
	key := Key{MessageID: "abc123", Kind: KindRich}

	exists, err := s.Exists(key)
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, s.Put(key, []byte("<p>hi</p>")))

	exists, err = s.Exists(key)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestDeleteAllForMessage(t *testing.T) {
	s := newTestStore(t)
	plain := Key{MessageID: "m1", Kind: KindPlain}
	rich := Key{MessageID: "m1", Kind: KindRich}

	require.NoError(t, s.Put(plain, []byte("plain")))
	require.NoError(t, s.Put(rich, []byte("rich")))

	require.NoError(t, s.DeleteAllForMessage("m1"))

	for _, k := range []Key{plain, rich} {
		exists, err := s.Exists(k)
		require.NoError(t, err)
		require.False(t, exists)
	}
}

func TestCompressionShrinksRepetitiveData(t *testing.T) {
	s := newTestStore(t)
	key := Key{MessageID: "ab999999", Kind: KindRich}
	data := []byte(strings.Repeat("Hello, world! ", 1000))

	require.NoError(t, s.Put(key, data))

	info, err := os.Stat(s.path(key))
	require.NoError(t, err)
	require.Less(t, info.Size(), int64(len(data)))

	got, err := s.Get(key)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestShardsByFirstTwoCharacters(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(Key{MessageID: "ab12cd", Kind: KindPlain}, []byte("x")))
	require.Equal(t, filepath.Join(s.root, "ab", "ab12cd.plain.zst"), s.path(Key{MessageID: "ab12cd", Kind: KindPlain}))
}

func TestShortMessageIDFallsBackToXXShard(t *testing.T) {
	s := newTestStore(t)
	require.Equal(t, "xx", shard("a"))
	require.Equal(t, "xx", shard(""))
}

func TestClearRemovesEverything(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put(Key{MessageID: "m1", Kind: KindPlain}, []byte("x")))
	require.NoError(t, s.Clear())

	exists, err := s.Exists(Key{MessageID: "m1", Kind: KindPlain})
	require.NoError(t, err)
	require.False(t, exists)
}

package keystore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, secret string) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "keys.db"), []byte(secret))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t, "device-secret")

	require.NoError(t, s.Put(UserKey("alice"), []byte("keypair bytes")))

	got, err := s.Get(UserKey("alice"))
	require.NoError(t, err)
	assert.Equal(t, []byte("keypair bytes"), got)
}

func TestGetAbsentKey(t *testing.T) {
	s := openTestStore(t, "device-secret")

	got, err := s.Get(ConversationKey("nope"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestWrongSecretFailsToOpenRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.db")

	s1, err := Open(path, []byte("right"))
	require.NoError(t, err)
	require.NoError(t, s1.Put(UserKey("bob"), []byte("secret material")))
	require.NoError(t, s1.Close())

	s2, err := Open(path, []byte("wrong"))
	require.NoError(t, err)
	defer s2.Close()

	_, err = s2.Get(UserKey("bob"))
	require.Error(t, err)
}

func TestDelete(t *testing.T) {
	s := openTestStore(t, "device-secret")

	require.NoError(t, s.Put(ConversationKey("c1"), []byte("peer key")))
	require.NoError(t, s.Delete(ConversationKey("c1")))

	got, err := s.Get(ConversationKey("c1"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestForEachPrefix(t *testing.T) {
	s := openTestStore(t, "device-secret")

	require.NoError(t, s.Put(ConversationKey("c1"), []byte("k1")))
	require.NoError(t, s.Put(ConversationKey("c2"), []byte("k2")))
	require.NoError(t, s.Put(UserKey("alice"), []byte("me")))

	seen := map[string]string{}
	err := s.ForEachPrefix("conversation:", func(key string, value []byte) error {
		seen[key] = string(value)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"conversation:c1": "k1",
		"conversation:c2": "k2",
	}, seen)
}

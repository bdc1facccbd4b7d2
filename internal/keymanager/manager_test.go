package keymanager

import (
	"context"
	"crypto/rsa"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"privchat/internal/crypto"
	"privchat/internal/keystore"
	"privchat/internal/model"
	apperrors "privchat/pkg/errors"
)

type fakeExchange struct {
	mu      sync.Mutex
	peers   map[string]string
	bundles map[string]*model.KeyBundle
	fetches int
}

func (e *fakeExchange) ResolvePeer(_ context.Context, conversationID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	peer, ok := e.peers[conversationID]
	if !ok {
		return "", assert.AnError
	}
	return peer, nil
}

func (e *fakeExchange) FetchBundle(_ context.Context, userID string) (*model.KeyBundle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fetches++
	bundle, ok := e.bundles[userID]
	if !ok {
		return nil, assert.AnError
	}
	return bundle, nil
}

func (e *fakeExchange) fetchCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fetches
}

// peerBundle builds a valid bundle for a simulated peer device and
// returns it with the peer's RSA private key.
func peerBundle(t *testing.T) (*model.KeyBundle, *rsa.PrivateKey) {
	t.Helper()
	priv, err := crypto.NewDeviceKeyPair()
	require.NoError(t, err)
	idPub, idPriv, err := crypto.NewIdentityKeyPair()
	require.NoError(t, err)

	pubDER, err := crypto.MarshalPublicKey(&priv.PublicKey)
	require.NoError(t, err)

	return &model.KeyBundle{
		IdentityKey:  idPub,
		SignedPreKey: pubDER,
		SignedKeyID:  1,
		Signature:    crypto.Sign(idPriv, pubDER),
	}, priv
}

func newTestManager(t *testing.T, principal string, exchange KeyExchange) *Manager {
	t.Helper()
	store, err := keystore.Open(filepath.Join(t.TempDir(), "keys.db"), []byte("test-secret"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(principal, store, exchange)
}

func TestInitializeRequiresPrincipal(t *testing.T) {
	m := newTestManager(t, "", &fakeExchange{})
	assert.ErrorIs(t, m.Initialize(), apperrors.ErrNoPrincipal)
}

func TestOperationsRequireInitialize(t *testing.T) {
	m := newTestManager(t, "alice", &fakeExchange{})

	_, err := m.EncryptForConversation(context.Background(), "c1", []byte("hi"))
	assert.ErrorIs(t, err, apperrors.ErrNotReady)

	_, err = m.DecryptForConversation("c1", "x", "y")
	assert.ErrorIs(t, err, apperrors.ErrNotReady)
}

func TestInitializeLoadsExistingKeyPair(t *testing.T) {
	store, err := keystore.Open(filepath.Join(t.TempDir(), "keys.db"), []byte("test-secret"))
	require.NoError(t, err)
	defer store.Close()

	m1 := New("alice", store, &fakeExchange{})
	require.NoError(t, m1.Initialize())
	mat1, err := m1.RegistrationMaterial(1)
	require.NoError(t, err)

	m2 := New("alice", store, &fakeExchange{})
	require.NoError(t, m2.Initialize())
	mat2, err := m2.RegistrationMaterial(1)
	require.NoError(t, err)

	// same device record, same keys
	assert.Equal(t, mat1.IdentityKey, mat2.IdentityKey)
	assert.Equal(t, mat1.SignedPreKey, mat2.SignedPreKey)
}

func TestEncryptForConversationFetchesOnce(t *testing.T) {
	bundle, peerPriv := peerBundle(t)
	exchange := &fakeExchange{
		peers:   map[string]string{"c1": "bob"},
		bundles: map[string]*model.KeyBundle{"bob": bundle},
	}
	m := newTestManager(t, "alice", exchange)
	require.NoError(t, m.Initialize())

	payload, err := m.EncryptForConversation(context.Background(), "c1", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, 1, exchange.fetchCount())

	// only the peer's private key opens it
	plaintext, err := crypto.Decrypt(payload.EncryptedContent, payload.IV, peerPriv)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), plaintext)

	// immediate re-invocation is a cache hit
	_, err = m.EncryptForConversation(context.Background(), "c1", []byte("again"))
	require.NoError(t, err)
	assert.Equal(t, 1, exchange.fetchCount())
}

func TestEncryptForConversationKeyExchangePending(t *testing.T) {
	exchange := &fakeExchange{peers: map[string]string{}, bundles: map[string]*model.KeyBundle{}}
	m := newTestManager(t, "alice", exchange)
	require.NoError(t, m.Initialize())

	_, err := m.EncryptForConversation(context.Background(), "c1", []byte("hi"))
	assert.ErrorIs(t, err, apperrors.ErrKeyExchangePending)
}

func TestEncryptForConversationRejectsBadSignature(t *testing.T) {
	bundle, _ := peerBundle(t)
	bundle.Signature = []byte("forged")
	exchange := &fakeExchange{
		peers:   map[string]string{"c1": "bob"},
		bundles: map[string]*model.KeyBundle{"bob": bundle},
	}
	m := newTestManager(t, "alice", exchange)
	require.NoError(t, m.Initialize())

	_, err := m.EncryptForConversation(context.Background(), "c1", []byte("hi"))
	assert.ErrorIs(t, err, apperrors.ErrKeyExchangePending)
	_, cached := m.GetConversationKey("c1")
	assert.False(t, cached)
}

func TestDecryptForConversationUsesOwnKey(t *testing.T) {
	m := newTestManager(t, "alice", &fakeExchange{})
	require.NoError(t, m.Initialize())

	// a peer encrypts against alice's public key
	mat, err := m.RegistrationMaterial(1)
	require.NoError(t, err)
	alicePub, err := crypto.ParsePublicKey(mat.SignedPreKey)
	require.NoError(t, err)
	payload, err := crypto.Encrypt([]byte("to alice"), alicePub)
	require.NoError(t, err)

	plaintext, err := m.DecryptForConversation("c1", payload.EncryptedContent, payload.IV)
	require.NoError(t, err)
	assert.Equal(t, []byte("to alice"), plaintext)
}

func TestConversationKeyCacheSurvivesRestart(t *testing.T) {
	store, err := keystore.Open(filepath.Join(t.TempDir(), "keys.db"), []byte("test-secret"))
	require.NoError(t, err)
	defer store.Close()

	bundle, _ := peerBundle(t)
	exchange := &fakeExchange{
		peers:   map[string]string{"c1": "bob"},
		bundles: map[string]*model.KeyBundle{"bob": bundle},
	}

	m1 := New("alice", store, exchange)
	require.NoError(t, m1.Initialize())
	_, err = m1.EncryptForConversation(context.Background(), "c1", []byte("hi"))
	require.NoError(t, err)
	require.Equal(t, 1, exchange.fetchCount())

	// a fresh manager over the same store needs no network fetch
	m2 := New("alice", store, exchange)
	require.NoError(t, m2.Initialize())
	_, err = m2.EncryptForConversation(context.Background(), "c1", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 1, exchange.fetchCount())
}

func TestRegistrationMaterial(t *testing.T) {
	m := newTestManager(t, "alice", &fakeExchange{})
	require.NoError(t, m.Initialize())

	mat, err := m.RegistrationMaterial(10)
	require.NoError(t, err)

	assert.Len(t, mat.IdentityKey, 32)
	assert.Len(t, mat.PreKeys, 10)
	for i, k := range mat.PreKeys {
		assert.Equal(t, i+1, k.KeyID)
		assert.Len(t, k.PublicKey, 32)
	}

	// the signed prekey verifies against the identity key
	assert.True(t, crypto.Verify(mat.IdentityKey, mat.SignedPreKey, mat.Signature))
}

func TestInvalidateConversationKey(t *testing.T) {
	bundle, _ := peerBundle(t)
	exchange := &fakeExchange{
		peers:   map[string]string{"c1": "bob"},
		bundles: map[string]*model.KeyBundle{"bob": bundle},
	}
	m := newTestManager(t, "alice", exchange)
	require.NoError(t, m.Initialize())

	_, err := m.EncryptForConversation(context.Background(), "c1", []byte("hi"))
	require.NoError(t, err)
	require.NoError(t, m.InvalidateConversationKey("c1"))

	_, err = m.EncryptForConversation(context.Background(), "c1", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, 2, exchange.fetchCount())
}

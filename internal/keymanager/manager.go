// Package keymanager drives the per-device key lifecycle: the device's
// own keypair, cached peer keys per conversation, and the
// encrypt/decrypt-for-conversation operations built on them.
package keymanager

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"privchat/internal/crypto"
	"privchat/internal/keystore"
	"privchat/internal/model"
	"privchat/internal/utils/log"
	apperrors "privchat/pkg/errors"
)

type managerState int

const (
	stateUninitialized managerState = iota
	stateInitializing
	stateReady
)

type (
	// KeyExchange is the network side of an on-demand key fetch:
	// resolving a conversation's other participant and retrieving their
	// bundle.
	KeyExchange interface {
		ResolvePeer(ctx context.Context, conversationID string) (string, error)
		FetchBundle(ctx context.Context, userID string) (*model.KeyBundle, error)
	}

	// deviceRecord is the "user:<id>" keystore record. Never leaves the
	// device.
	deviceRecord struct {
		RSAPrivate      []byte `json:"rsa_private"`
		IdentityPublic  []byte `json:"identity_public"`
		IdentityPrivate []byte `json:"identity_private"`
	}

	Manager struct {
		// principal is the explicit current user, fixed at construction.
		principal string
		store     *keystore.Store
		exchange  KeyExchange

		mu           sync.RWMutex
		state        managerState
		priv         *rsa.PrivateKey
		identityPub  ed25519.PublicKey
		identityPriv ed25519.PrivateKey
		convKeys     map[string]*rsa.PublicKey
	}
)

// New builds a manager for one principal. The caller owns the lifecycle:
// construct at login, tear down at logout.
func New(principal string, store *keystore.Store, exchange KeyExchange) *Manager {
	return &Manager{
		principal: principal,
		store:     store,
		exchange:  exchange,
		convKeys:  make(map[string]*rsa.PublicKey),
	}
}

// Initialize loads the device keypair (generating one on first run) and
// warms the conversation-key cache from the keystore.
func (m *Manager) Initialize() error {
	if m.principal == "" {
		return apperrors.ErrNoPrincipal
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == stateReady {
		return nil
	}
	m.state = stateInitializing

	if err := m.loadOrGenerateKeyPair(); err != nil {
		m.state = stateUninitialized
		return err
	}
	if err := m.loadConversationKeys(); err != nil {
		m.state = stateUninitialized
		return err
	}

	m.state = stateReady
	return nil
}

func (m *Manager) loadOrGenerateKeyPair() error {
	raw, err := m.store.Get(keystore.UserKey(m.principal))
	if err != nil {
		return err
	}

	if raw != nil {
		var rec deviceRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode device record: %w", err)
		}
		priv, err := crypto.ParsePrivateKey(rec.RSAPrivate)
		if err != nil {
			return err
		}
		m.priv = priv
		m.identityPub = ed25519.PublicKey(rec.IdentityPublic)
		m.identityPriv = ed25519.PrivateKey(rec.IdentityPrivate)
		return nil
	}

	priv, err := crypto.NewDeviceKeyPair()
	if err != nil {
		return err
	}
	idPub, idPriv, err := crypto.NewIdentityKeyPair()
	if err != nil {
		return err
	}

	privDER, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return err
	}
	rec := deviceRecord{
		RSAPrivate:      privDER,
		IdentityPublic:  idPub,
		IdentityPrivate: idPriv,
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("encode device record: %w", err)
	}
	if err := m.store.Put(keystore.UserKey(m.principal), data); err != nil {
		return err
	}

	m.priv = priv
	m.identityPub = idPub
	m.identityPriv = idPriv
	return nil
}

func (m *Manager) loadConversationKeys() error {
	return m.store.ForEachPrefix("conversation:", func(key string, value []byte) error {
		pub, err := crypto.ParsePublicKey(value)
		if err != nil {
			log.Warn("skipping bad cached conversation key", zap.String("key", key))
			return nil
		}
		m.convKeys[key[len("conversation:"):]] = pub
		return nil
	})
}

// EncryptForConversation encrypts against the peer's cached public key,
// fetching their bundle once on a cache miss. If the key still cannot
// be resolved the caller gets a key-exchange-pending error and may
// queue the plaintext for later; it is never sent unencrypted.
func (m *Manager) EncryptForConversation(ctx context.Context, conversationID string, plaintext []byte) (*model.EncryptedPayload, error) {
	if err := m.requireReady(); err != nil {
		return nil, err
	}

	pub, ok := m.GetConversationKey(conversationID)
	if !ok {
		if err := m.fetchConversationKey(ctx, conversationID); err != nil {
			log.Warn("key exchange fetch failed",
				zap.String("conversation_id", conversationID), zap.Error(err))
		}
		pub, ok = m.GetConversationKey(conversationID)
		if !ok {
			return nil, apperrors.ErrKeyExchangePending
		}
	}

	return crypto.Encrypt(plaintext, pub)
}

// DecryptForConversation always uses the device's own private key:
// inbound messages were encrypted against this device's public key.
func (m *Manager) DecryptForConversation(conversationID, encryptedContent, iv string) ([]byte, error) {
	if err := m.requireReady(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	priv := m.priv
	m.mu.RUnlock()
	return crypto.Decrypt(encryptedContent, iv, priv)
}

// GetConversationKey reads the in-memory cache; once populated it is
// the source of truth.
func (m *Manager) GetConversationKey(conversationID string) (*rsa.PublicKey, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pub, ok := m.convKeys[conversationID]
	return pub, ok
}

// SetConversationKey caches the peer key in memory and the keystore.
func (m *Manager) SetConversationKey(conversationID string, pub *rsa.PublicKey) error {
	der, err := crypto.MarshalPublicKey(pub)
	if err != nil {
		return err
	}
	if err := m.store.Put(keystore.ConversationKey(conversationID), der); err != nil {
		return err
	}
	m.mu.Lock()
	m.convKeys[conversationID] = pub
	m.mu.Unlock()
	return nil
}

// InvalidateConversationKey drops a cached key, e.g. when the
// relationship with the peer changes.
func (m *Manager) InvalidateConversationKey(conversationID string) error {
	m.mu.Lock()
	delete(m.convKeys, conversationID)
	m.mu.Unlock()
	return m.store.Delete(keystore.ConversationKey(conversationID))
}

func (m *Manager) fetchConversationKey(ctx context.Context, conversationID string) error {
	peer, err := m.exchange.ResolvePeer(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("resolve peer: %w", err)
	}
	bundle, err := m.exchange.FetchBundle(ctx, peer)
	if err != nil {
		return fmt.Errorf("fetch bundle for %s: %w", peer, err)
	}

	// the signed prekey must verify against the peer's identity key
	if !crypto.Verify(ed25519.PublicKey(bundle.IdentityKey), bundle.SignedPreKey, bundle.Signature) {
		return apperrors.Crypto("signed prekey signature verification failed")
	}

	pub, err := crypto.ParsePublicKey(bundle.SignedPreKey)
	if err != nil {
		return err
	}
	return m.SetConversationKey(conversationID, pub)
}

// RegistrationMaterial builds the payloads a fresh device uploads to
// the server: its identity key, its signed prekey (the RSA public key
// signed by the identity key), and a batch of one-time prekeys.
type RegistrationMaterial struct {
	IdentityKey  []byte
	SignedKeyID  int
	SignedPreKey []byte
	Signature    []byte
	PreKeys      []*model.PreKey
}

func (m *Manager) RegistrationMaterial(preKeyCount int) (*RegistrationMaterial, error) {
	if err := m.requireReady(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	pubDER, err := crypto.MarshalPublicKey(&m.priv.PublicKey)
	if err != nil {
		return nil, err
	}

	preKeys := make([]*model.PreKey, 0, preKeyCount)
	for i := 1; i <= preKeyCount; i++ {
		otk := make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, otk); err != nil {
			return nil, fmt.Errorf("generate one-time prekey: %w", err)
		}
		preKeys = append(preKeys, &model.PreKey{KeyID: i, PublicKey: otk})
	}

	return &RegistrationMaterial{
		IdentityKey:  m.identityPub,
		SignedKeyID:  1,
		SignedPreKey: pubDER,
		Signature:    crypto.Sign(m.identityPriv, pubDER),
		PreKeys:      preKeys,
	}, nil
}

func (m *Manager) Principal() string { return m.principal }

func (m *Manager) requireReady() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != stateReady {
		return apperrors.ErrNotReady
	}
	return nil
}

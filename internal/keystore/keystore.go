// Package keystore is the client's local encrypted key-value store.
// Records are namespaced ("user:<id>", "conversation:<id>",
// "message:<id>") and sealed with AES-GCM under a key derived from the
// device secret. Nothing in here is ever transmitted.
package keystore

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/hkdf"

	apperrors "privchat/pkg/errors"
)

const recordsBucket = "records"

type (
	Store struct {
		db      *bolt.DB
		sealKey []byte
	}
)

// Open opens (or creates) the store file and derives the 32-byte
// sealing key from the device secret via HKDF-SHA256.
func Open(path string, deviceSecret []byte) (*Store, error) {
	if len(deviceSecret) == 0 {
		return nil, fmt.Errorf("keystore: device secret cannot be empty")
	}

	sealKey := make([]byte, 32)
	h := hkdf.New(sha256.New, deviceSecret, nil, []byte("privchat-keystore"))
	if _, err := io.ReadFull(h, sealKey); err != nil {
		return nil, fmt.Errorf("derive seal key: %w", err)
	}

	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open keystore: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(recordsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	return &Store{db: db, sealKey: sealKey}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Put seals value and stores it under key.
func (s *Store) Put(key string, value []byte) error {
	sealed, err := s.seal(value)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(recordsBucket)).Put([]byte(key), sealed)
	})
}

// Get returns the unsealed value, or (nil, nil) if the key is absent.
func (s *Store) Get(key string) ([]byte, error) {
	var sealed []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(recordsBucket)).Get([]byte(key))
		if v != nil {
			sealed = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if sealed == nil {
		return nil, nil
	}
	return s.open(sealed)
}

func (s *Store) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(recordsBucket)).Delete([]byte(key))
	})
}

// ForEachPrefix calls fn with the unsealed value of every record whose
// key starts with prefix.
func (s *Store) ForEachPrefix(prefix string, fn func(key string, value []byte) error) error {
	type record struct {
		key    string
		sealed []byte
	}
	var records []record

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(recordsBucket)).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			records = append(records, record{
				key:    string(k),
				sealed: append([]byte(nil), v...),
			})
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, r := range records {
		value, err := s.open(r.sealed)
		if err != nil {
			return err
		}
		if err := fn(r.key, value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) seal(value []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.sealKey)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("rand.Read nonce: %w", err)
	}
	// nonce || ciphertext
	return append(nonce, aead.Seal(nil, nonce, value, nil)...), nil
}

func (s *Store) open(sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.sealKey)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	ns := aead.NonceSize()
	if len(sealed) < ns {
		return nil, apperrors.ErrCiphertextTooShort
	}
	value, err := aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeCrypto, "unseal record", err)
	}
	return value, nil
}

// UserKey / ConversationKey / MessageKey build the namespaced record keys.
func UserKey(userID string) string { return "user:" + userID }

func ConversationKey(conversationID string) string { return "conversation:" + conversationID }

func MessageKey(messageID string) string { return "message:" + messageID }

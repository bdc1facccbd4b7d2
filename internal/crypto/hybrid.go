package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"privchat/internal/model"
	apperrors "privchat/pkg/errors"
)

const (
	aesKeySize = 32
	ivSize     = 12
)

// Encrypt seals plaintext with a fresh AES-256-GCM key, wraps the key
// with RSA-OAEP(SHA-256) under the recipient's public key, and returns
// base64 of [wrapped key || iv || ciphertext] plus the iv on its own.
func Encrypt(plaintext []byte, recipientPub *rsa.PublicKey) (*model.EncryptedPayload, error) {
	aesKey := make([]byte, aesKeySize)
	if _, err := io.ReadFull(rand.Reader, aesKey); err != nil {
		return nil, fmt.Errorf("generate aes key: %w", err)
	}
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	ciphertext := aead.Seal(nil, iv, plaintext, nil)

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, recipientPub, aesKey, nil)
	if err != nil {
		return nil, fmt.Errorf("rsa wrap aes key: %w", err)
	}

	// wrapped key || iv || ciphertext, sliced back out by fixed offsets
	blob := make([]byte, 0, len(wrapped)+ivSize+len(ciphertext))
	blob = append(blob, wrapped...)
	blob = append(blob, iv...)
	blob = append(blob, ciphertext...)

	return &model.EncryptedPayload{
		EncryptedContent: base64.StdEncoding.EncodeToString(blob),
		IV:               base64.StdEncoding.EncodeToString(iv),
	}, nil
}

// Decrypt reverses Encrypt. The wrapped-key segment is sliced by the
// private key's modulus size; the GCM open uses the out-of-band iv
// parameter, not the copy embedded in the blob.
func Decrypt(encryptedContent, iv string, priv *rsa.PrivateKey) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(encryptedContent)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeCrypto, "decode encrypted content", err)
	}
	ivBytes, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeCrypto, "decode iv", err)
	}

	keySize := priv.Size()
	if len(blob) < keySize+ivSize {
		return nil, apperrors.ErrCiphertextTooShort
	}

	wrapped := blob[:keySize]
	ciphertext := blob[keySize+ivSize:]

	aesKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeCrypto, "unwrap aes key", err)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeCrypto, "aes.NewCipher", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeCrypto, "cipher.NewGCM", err)
	}

	plaintext, err := aead.Open(nil, ivBytes, ciphertext, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeCrypto, "decryption failed", err)
	}
	return plaintext, nil
}

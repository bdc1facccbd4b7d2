package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	apperrors "privchat/pkg/errors"
)

// EncryptField protects a single-owner value (e.g. a profile attribute)
// with plain AES-GCM under a caller-held 32-byte key. No RSA wrapping,
// since no recipient key exchange is involved.
func EncryptField(plaintext, key []byte) (ciphertext, iv string, err error) {
	if len(key) != aesKeySize {
		return "", "", apperrors.ErrBadSymmetricKey
	}

	ivBytes := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, ivBytes); err != nil {
		return "", "", fmt.Errorf("generate iv: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", "", fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", "", fmt.Errorf("cipher.NewGCM: %w", err)
	}

	ct := aead.Seal(nil, ivBytes, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ct), base64.StdEncoding.EncodeToString(ivBytes), nil
}

// DecryptField reverses EncryptField.
func DecryptField(ciphertext, iv string, key []byte) ([]byte, error) {
	if len(key) != aesKeySize {
		return nil, apperrors.ErrBadSymmetricKey
	}

	ct, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeCrypto, "decode ciphertext", err)
	}
	ivBytes, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeCrypto, "decode iv", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeCrypto, "aes.NewCipher", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeCrypto, "cipher.NewGCM", err)
	}

	plaintext, err := aead.Open(nil, ivBytes, ct, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeCrypto, "decryption failed", err)
	}
	return plaintext, nil
}

package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHybridRoundTrip(t *testing.T) {
	priv, err := NewDeviceKeyPair()
	require.NoError(t, err)

	plaintexts := [][]byte{
		[]byte("hi"),
		[]byte(""),
		make([]byte, 4096),
	}
	io.ReadFull(rand.Reader, plaintexts[2])

	for _, p := range plaintexts {
		payload, err := Encrypt(p, &priv.PublicKey)
		require.NoError(t, err)

		got, err := Decrypt(payload.EncryptedContent, payload.IV, priv)
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
}

func TestHybridTamperDetection(t *testing.T) {
	priv, err := NewDeviceKeyPair()
	require.NoError(t, err)

	payload, err := Encrypt([]byte("confidential"), &priv.PublicKey)
	require.NoError(t, err)

	blob, err := base64.StdEncoding.DecodeString(payload.EncryptedContent)
	require.NoError(t, err)

	// flip a byte inside the ciphertext segment
	keySize := priv.Size()
	blob[keySize+ivSize] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(blob)

	_, err = Decrypt(tampered, payload.IV, priv)
	require.Error(t, err)
}

func TestHybridDecryptWithWrongKey(t *testing.T) {
	sender, err := NewDeviceKeyPair()
	require.NoError(t, err)
	other, err := NewDeviceKeyPair()
	require.NoError(t, err)

	payload, err := Encrypt([]byte("for sender only"), &sender.PublicKey)
	require.NoError(t, err)

	_, err = Decrypt(payload.EncryptedContent, payload.IV, other)
	require.Error(t, err)
}

func TestHybridShortCiphertext(t *testing.T) {
	priv, err := NewDeviceKeyPair()
	require.NoError(t, err)

	short := base64.StdEncoding.EncodeToString(make([]byte, priv.Size()-1))
	iv := base64.StdEncoding.EncodeToString(make([]byte, ivSize))
	_, err = Decrypt(short, iv, priv)
	require.Error(t, err)
}

func TestFieldRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	io.ReadFull(rand.Reader, key)

	ct, iv, err := EncryptField([]byte("profile bio"), key)
	require.NoError(t, err)

	got, err := DecryptField(ct, iv, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("profile bio"), got)
}

func TestFieldRejectsBadKeySize(t *testing.T) {
	for _, n := range []int{0, 16, 31, 33} {
		_, _, err := EncryptField([]byte("x"), make([]byte, n))
		assert.Error(t, err, "key size %d", n)

		_, err = DecryptField("eA==", "eA==", make([]byte, n))
		assert.Error(t, err, "key size %d", n)
	}
}

func TestFieldWrongIV(t *testing.T) {
	key := make([]byte, 32)
	io.ReadFull(rand.Reader, key)

	ct, _, err := EncryptField([]byte("value"), key)
	require.NoError(t, err)

	wrongIV := base64.StdEncoding.EncodeToString(make([]byte, ivSize))
	_, err = DecryptField(ct, wrongIV, key)
	require.Error(t, err)
}

func TestKeyMarshalRoundTrip(t *testing.T) {
	priv, err := NewDeviceKeyPair()
	require.NoError(t, err)

	privDER, err := MarshalPrivateKey(priv)
	require.NoError(t, err)
	gotPriv, err := ParsePrivateKey(privDER)
	require.NoError(t, err)
	assert.True(t, priv.Equal(gotPriv))

	pubDER, err := MarshalPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	gotPub, err := ParsePublicKey(pubDER)
	require.NoError(t, err)
	assert.True(t, priv.PublicKey.Equal(gotPub))
}

func TestSignVerify(t *testing.T) {
	pub, priv, err := NewIdentityKeyPair()
	require.NoError(t, err)

	msg := []byte("signed prekey bytes")
	sig := Sign(priv, msg)
	assert.True(t, Verify(pub, msg, sig))
	assert.False(t, Verify(pub, []byte("other"), sig))
}

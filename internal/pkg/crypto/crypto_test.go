package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	svc := NewService([]byte("test-secret-key-material"), []byte("test-salt"))

	ciphertext, err := svc.Encrypt("sk-super-secret-token")
	require.NoError(t, err)
	assert.True(t, IsEncrypted(ciphertext))

	plaintext, err := svc.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "sk-super-secret-token", plaintext)
}

func TestEmptyPlaintextRoundTrip(t *testing.T) {
	svc := NewService([]byte("key"), []byte("salt"))
	ciphertext, err := svc.Encrypt("")
	require.NoError(t, err)
	assert.Equal(t, "", ciphertext)
}

func TestDecryptUnprefixedReturnsUnchanged(t *testing.T) {
	svc := NewService([]byte("key"), []byte("salt"))
	plaintext, err := svc.Decrypt("not-encrypted-value")
	require.NoError(t, err)
	assert.Equal(t, "not-encrypted-value", plaintext)
}

func TestDecryptWrongKeyFails(t *testing.T) {
	a := NewService([]byte("key-a"), []byte("salt"))
	b := NewService([]byte("key-b"), []byte("salt"))

	ciphertext, err := a.Encrypt("secret")
	require.NoError(t, err)

	_, err = b.Decrypt(ciphertext)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestIsEncrypted(t *testing.T) {
	assert.True(t, IsEncrypted("enc:abc"))
	assert.False(t, IsEncrypted("enc:"))
	assert.False(t, IsEncrypted("plain"))
}

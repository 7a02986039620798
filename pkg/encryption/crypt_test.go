package encryption

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptionManager_RoundTrip(t *testing.T) {
	em, err := NewEncryptionManager(bytes.Repeat([]byte{7}, keySize))
	require.NoError(t, err)

	sealed, err := em.Encrypt([]byte(`{"client_id":"a"}`))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "client_id")

	plain, err := em.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, `{"client_id":"a"}`, string(plain))
}

func TestEncryptionManager_Errors(t *testing.T) {
	_, err := NewEncryptionManager([]byte("short"))
	assert.Error(t, err)

	em, err := NewEncryptionManager(bytes.Repeat([]byte{1}, keySize))
	require.NoError(t, err)

	_, err = em.Decrypt([]byte("tiny"))
	assert.Error(t, err)

	sealed, err := em.Encrypt([]byte("payload"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xFF
	_, err = em.Decrypt(sealed)
	assert.Error(t, err)
}

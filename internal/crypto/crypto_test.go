package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKey(t *testing.T) {
	key, err := DeriveKey("client-secret-value", "a2a-signing")
	require.NoError(t, err)
	assert.Len(t, key, 32)

	again, err := DeriveKey("client-secret-value", "a2a-signing")
	require.NoError(t, err)
	assert.Equal(t, key, again)
}

func TestDeriveKeySeparatesPurposes(t *testing.T) {
	signing, err := DeriveKey("client-secret-value", "a2a-signing")
	require.NoError(t, err)
	encryption, err := DeriveKey("client-secret-value", "a2a-encryption")
	require.NoError(t, err)

	assert.NotEqual(t, signing, encryption)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := DeriveKey("client-secret-value", "a2a-encryption")
	require.NoError(t, err)

	plaintext := []byte(`{"amount":1250,"currency":"USD"}`)
	sealed, err := Encrypt(plaintext, key)
	require.NoError(t, err)
	assert.NotContains(t, sealed, "USD")

	opened, err := Decrypt(sealed, key)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestEncryptProducesFreshNonces(t *testing.T) {
	key, err := DeriveKey("client-secret-value", "a2a-encryption")
	require.NoError(t, err)

	one, err := Encrypt([]byte("same input"), key)
	require.NoError(t, err)
	two, err := Encrypt([]byte("same input"), key)
	require.NoError(t, err)

	assert.NotEqual(t, one, two)
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	key, err := DeriveKey("client-secret-value", "a2a-encryption")
	require.NoError(t, err)
	other, err := DeriveKey("another-secret-value", "a2a-encryption")
	require.NoError(t, err)

	sealed, err := Encrypt([]byte("payload"), key)
	require.NoError(t, err)

	_, err = Decrypt(sealed, other)
	assert.Error(t, err)
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	key, err := DeriveKey("client-secret-value", "a2a-encryption")
	require.NoError(t, err)

	sealed, err := Encrypt([]byte("payload"), key)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(sealed)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 1

	_, err = Decrypt(base64.StdEncoding.EncodeToString(raw), key)
	assert.Error(t, err)
}

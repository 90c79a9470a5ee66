package psk

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/payrelay/internal/transfer"
)

var testSecret = bytes.Repeat([]byte{0x5e}, 32)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	plaintext := []byte("chunk header bytes")

	ciphertext, err := Encrypt(testSecret, plaintext)
	require.NoError(t, err)
	assert.Len(t, ciphertext, nonceLength+tagLength+len(plaintext))

	decrypted, err := Decrypt(testSecret, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncryptDecryptEmptyPayload(t *testing.T) {
	ciphertext, err := Encrypt(testSecret, nil)
	require.NoError(t, err)

	decrypted, err := Decrypt(testSecret, ciphertext)
	require.NoError(t, err)
	assert.Empty(t, decrypted)
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	plaintext := []byte("identical plaintext")

	first, err := Encrypt(testSecret, plaintext)
	require.NoError(t, err)
	second, err := Encrypt(testSecret, plaintext)
	require.NoError(t, err)

	assert.NotEqual(t, first, second, "repeated encryption must not repeat ciphertext")
	assert.NotEqual(t, first[:nonceLength], second[:nonceLength])
}

func TestDecryptRejectsTampering(t *testing.T) {
	ciphertext, err := Encrypt(testSecret, []byte("payload"))
	require.NoError(t, err)

	t.Run("flipped ciphertext byte", func(t *testing.T) {
		tampered := append([]byte{}, ciphertext...)
		tampered[len(tampered)-1] ^= 0x01
		_, err := Decrypt(testSecret, tampered)
		require.Error(t, err)
		assert.Equal(t, transfer.CodeDecryptionError, transfer.ErrorCode(err))
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := Decrypt(testSecret, ciphertext[:nonceLength+tagLength-1])
		require.Error(t, err)
		assert.Equal(t, transfer.CodeDecryptionError, transfer.ErrorCode(err))
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := bytes.Repeat([]byte{0x11}, 32)
		_, err := Decrypt(other, ciphertext)
		require.Error(t, err)
		assert.Equal(t, transfer.CodeDecryptionError, transfer.ErrorCode(err))
	})
}

func TestSecretLengthEnforced(t *testing.T) {
	short := bytes.Repeat([]byte{0x01}, MinSecretLength-1)

	_, err := Encrypt(short, []byte("x"))
	assert.Error(t, err)
	_, err = FulfillmentFromData(short, []byte("x"))
	assert.Error(t, err)
	_, err = NewSender(nil, short)
	assert.Error(t, err)
	_, err = NewReceiver(short)
	assert.Error(t, err)
}

func TestGenerateConditionIsReproducible(t *testing.T) {
	data, err := Encrypt(testSecret, []byte("header"))
	require.NoError(t, err)

	fulfillment, condition, err := GenerateCondition(testSecret, data)
	require.NoError(t, err)
	assert.True(t, transfer.VerifyFulfillment(fulfillment, condition))

	regenerated, err := RegenerateFulfillment(testSecret, data, condition)
	require.NoError(t, err)
	assert.Equal(t, fulfillment, regenerated)
}

func TestRegenerateFulfillmentRejectsForeignCondition(t *testing.T) {
	data, err := Encrypt(testSecret, []byte("header"))
	require.NoError(t, err)

	foreign := transfer.ConditionFromFulfillment([]byte("someone else's preimage"))
	_, err = RegenerateFulfillment(testSecret, data, foreign)
	require.Error(t, err)
	assert.Equal(t, transfer.CodeInvalidFulfillment, transfer.ErrorCode(err))
}

func TestConditionDiffersPerEncryption(t *testing.T) {
	// Same logical header encrypted twice yields different conditions, so
	// relays cannot correlate chunks by condition.
	h := header{Type: typeChunk}

	first, err := Encrypt(testSecret, h.marshal())
	require.NoError(t, err)
	second, err := Encrypt(testSecret, h.marshal())
	require.NoError(t, err)

	_, c1, err := GenerateCondition(testSecret, first)
	require.NoError(t, err)
	_, c2, err := GenerateCondition(testSecret, second)
	require.NoError(t, err)
	assert.NotEqual(t, c1, c2)
}

// Package psk implements the pre-shared-key scheme: condition, fulfillment
// and payload encryption are all derived from a secret shared only by the
// end-to-end sender and receiver, so intermediate relays can forward a
// transfer without being able to claim it.
package psk

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/terminal-bench/payrelay/internal/transfer"
)

const (
	// MinSecretLength is the minimum shared secret size in bytes.
	MinSecretLength = 32

	nonceLength = 18
	tagLength   = 16

	fulfillmentKeyInfo = "ilp3_psk_fulfillment"
	encryptionKeyInfo  = "ilp3_psk_encryption"
)

func hmacSHA256(key, message []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(message)
	return h.Sum(nil)
}

func checkSecret(secret []byte) error {
	if len(secret) < MinSecretLength {
		return fmt.Errorf("shared secret must be at least %d bytes, got %d", MinSecretLength, len(secret))
	}
	return nil
}

// FulfillmentFromData derives the fulfillment bound to the exact encrypted
// payload. Only a holder of the shared secret can reproduce it, and any
// change to the ciphertext yields a different fulfillment.
func FulfillmentFromData(secret, data []byte) ([]byte, error) {
	if err := checkSecret(secret); err != nil {
		return nil, err
	}
	key := hmacSHA256(secret, []byte(fulfillmentKeyInfo))
	return hmacSHA256(key, data), nil
}

// GenerateCondition derives the fulfillment/condition pair for an encrypted
// payload. Because the payload was encrypted with a fresh random nonce, the
// condition is unique per transfer even for identical plaintext.
func GenerateCondition(secret, data []byte) (fulfillment, condition []byte, err error) {
	fulfillment, err = FulfillmentFromData(secret, data)
	if err != nil {
		return nil, nil, err
	}
	return fulfillment, transfer.ConditionFromFulfillment(fulfillment), nil
}

// RegenerateFulfillment reproduces the fulfillment on the receiving side and
// checks it against the condition the sender attached to the transfer. A
// mismatch is a fatal validation failure for this transfer, not retryable.
func RegenerateFulfillment(secret, data, condition []byte) ([]byte, error) {
	fulfillment, err := FulfillmentFromData(secret, data)
	if err != nil {
		return nil, err
	}
	if !transfer.VerifyFulfillment(fulfillment, condition) {
		return nil, transfer.ErrInvalidFulfillment()
	}
	return fulfillment, nil
}

// Encrypt seals plaintext with AES-256-GCM under a key derived from the
// shared secret. The wire layout is nonce || tag || ciphertext. The nonce is
// random per call, so repeated encryption of identical plaintext yields
// different ciphertext (and therefore a different condition).
func Encrypt(secret, plaintext []byte) ([]byte, error) {
	if err := checkSecret(secret); err != nil {
		return nil, err
	}
	aead, err := newAEAD(secret)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal returns ciphertext || tag; the wire format wants the tag first.
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	ciphertext := sealed[:len(sealed)-tagLength]
	tag := sealed[len(sealed)-tagLength:]

	out := make([]byte, 0, nonceLength+tagLength+len(ciphertext))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ciphertext...)
	return out, nil
}

// Decrypt opens data produced by Encrypt. Tampering, truncation or a wrong
// secret all surface as a DecryptionError.
func Decrypt(secret, data []byte) ([]byte, error) {
	if err := checkSecret(secret); err != nil {
		return nil, err
	}
	if len(data) < nonceLength+tagLength {
		return nil, transfer.ErrDecryption()
	}
	aead, err := newAEAD(secret)
	if err != nil {
		return nil, err
	}

	nonce := data[:nonceLength]
	tag := data[nonceLength : nonceLength+tagLength]
	ciphertext := data[nonceLength+tagLength:]

	sealed := make([]byte, 0, len(ciphertext)+tagLength)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, transfer.ErrDecryption()
	}
	return plaintext, nil
}

func newAEAD(secret []byte) (cipher.AEAD, error) {
	key := hmacSHA256(secret, []byte(encryptionKeyInfo))
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceLength)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}
	return aead, nil
}

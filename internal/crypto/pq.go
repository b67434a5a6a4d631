// Package crypto: ML-KEM-768 key agreement + ChaCha20-Poly1305 sealing for
// bridge stream links. Link-level only; RF payloads are never encrypted here.
package crypto

import (
	"crypto/rand"
	"errors"
	"io"

	"filippo.io/mlkem768"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// SharedKeySize is the ML-KEM shared secret size (32 bytes).
	SharedKeySize = 32
	// NonceSize for ChaCha20-Poly1305.
	NonceSize = chacha20poly1305.NonceSize
)

var (
	ErrKeySize    = errors.New("key size must be 32")
	ErrShortInput = errors.New("ciphertext too short")
)

// GenerateKeyPair: node side. enc (1184 bytes) goes to the peer.
func GenerateKeyPair() (enc []byte, decap *mlkem768.DecapsulationKey, err error) {
	decap, err = mlkem768.GenerateKey()
	if err != nil {
		return nil, nil, err
	}
	return decap.EncapsulationKey(), decap, nil
}

// Encapsulate: peer side. Returns shared secret + ciphertext for the node.
func Encapsulate(enc []byte) (secret, ciphertext []byte, err error) {
	ciphertext, secret, err = mlkem768.Encapsulate(enc)
	if err != nil {
		return nil, nil, err
	}
	return secret, ciphertext, nil
}

// Decapsulate recovers secret from ciphertext (node side).
func Decapsulate(decap *mlkem768.DecapsulationKey, ciphertext []byte) ([]byte, error) {
	return mlkem768.Decapsulate(decap, ciphertext)
}

// Seal encrypts with a fresh random nonce, prepended to the result.
func Seal(key, plaintext []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrKeySize
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts Seal output (nonce || ciphertext).
func Open(key, sealed []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrKeySize
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < NonceSize+aead.Overhead() {
		return nil, ErrShortInput
	}
	return aead.Open(nil, sealed[:NonceSize], sealed[NonceSize:], nil)
}

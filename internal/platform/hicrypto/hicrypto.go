// Package hicrypto decrypts HI bundles delivered over the ABDM exchange.
// Each consent artifact carries key-exchange material; the symmetric key is
// derived from it and the deployment's data encryption key via HKDF-SHA256,
// then records are opened with AES-256-GCM (nonce prepended to ciphertext).
package hicrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const keySize = 32

// Decryptor holds the deployment-wide data encryption key used as HKDF salt.
type Decryptor struct {
	dataKey []byte
}

// NewDecryptor creates a Decryptor with the given 32-byte data key.
func NewDecryptor(dataKey []byte) (*Decryptor, error) {
	if len(dataKey) != keySize {
		return nil, fmt.Errorf("hicrypto: data key must be %d bytes, got %d", keySize, len(dataKey))
	}
	return &Decryptor{dataKey: dataKey}, nil
}

// DeriveKey derives the per-consent symmetric key from the artifact's
// key-exchange material.
func (d *Decryptor) DeriveKey(keyMaterial []byte) ([]byte, error) {
	if len(keyMaterial) == 0 {
		return nil, fmt.Errorf("hicrypto: empty key material")
	}
	r := hkdf.New(sha256.New, keyMaterial, d.dataKey, []byte("abdm-hi-exchange"))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hicrypto: derive key: %w", err)
	}
	return key, nil
}

// Decrypt opens a base64-encoded AES-256-GCM ciphertext produced with the
// per-consent key. The nonce is expected at the front of the decoded data.
func (d *Decryptor) Decrypt(keyMaterial []byte, encoded string) ([]byte, error) {
	key, err := d.DeriveKey(keyMaterial)
	if err != nil {
		return nil, err
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("hicrypto: base64 decode: %w", err)
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonceSize := aead.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("hicrypto: ciphertext too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("hicrypto: open: %w", err)
	}
	return plaintext, nil
}

// Encrypt seals plaintext with the per-consent key and returns base64 with
// the nonce prepended. Used by tests and local tooling emulating a HIP.
func (d *Decryptor) Encrypt(keyMaterial, plaintext []byte) (string, error) {
	key, err := d.DeriveKey(keyMaterial)
	if err != nil {
		return "", err
	}

	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("hicrypto: generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("hicrypto: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("hicrypto: create GCM: %w", err)
	}
	return aead, nil
}

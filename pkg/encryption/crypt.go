package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/benmeehan/location-agent/pkg/file"
)

const (
	keySize   = 32
	nonceSize = 12
)

// EncryptionManagerInterface defines encryption and decryption methods.
type EncryptionManagerInterface interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// EncryptionManager seals archive payloads with AES-256-GCM.
// Ciphertexts carry their nonce as a prefix.
type EncryptionManager struct {
	aesgcm cipher.AEAD
}

// NewEncryptionManager builds a manager from a raw 32 byte key.
func NewEncryptionManager(key []byte) (*EncryptionManager, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("invalid AES key size: got %d bytes, want %d bytes", len(key), keySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher block: %w", err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES-GCM: %w", err)
	}
	return &EncryptionManager{aesgcm: aesgcm}, nil
}

// LoadEncryptionManager reads the key from keyPath.
func LoadEncryptionManager(keyPath string, fileClient file.FileOperations) (*EncryptionManager, error) {
	key, err := fileClient.ReadFileRaw(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read AES key: %w", err)
	}
	return NewEncryptionManager(key)
}

// Encrypt encrypts plaintext using AES-GCM.
func (a *EncryptionManager) Encrypt(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return a.aesgcm.Seal(nonce[:], nonce[:], plaintext, nil), nil
}

// Decrypt decrypts ciphertext produced by Encrypt.
func (a *EncryptionManager) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize {
		return nil, errors.New("ciphertext too short: must include nonce and encrypted data")
	}

	plaintext, err := a.aesgcm.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

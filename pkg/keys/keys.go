// Package keys loads the bonder signing keys, which may be kept in the
// configuration encrypted under a master key with AES-256-GCM.
package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// EncryptedPrefix marks a configured private key as encrypted.
const EncryptedPrefix = "enc:"

const (
	masterKeySize  = 32
	privateKeySize = 32
)

// ErrMasterKeyRequired is returned when an encrypted key is configured
// without a master key.
var ErrMasterKeyRequired = errors.New("master key required for encrypted private key")

// IsEncrypted reports whether value carries an encrypted private key.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, EncryptedPrefix)
}

// EncryptPrivateKey encrypts a 32-byte secp256k1 key and returns it in the
// configured form: EncryptedPrefix followed by base64(nonce || ciphertext || tag).
func EncryptPrivateKey(privateKey, masterKey []byte) (string, error) {
	if len(privateKey) != privateKeySize {
		return "", fmt.Errorf("private key must be %d bytes (secp256k1)", privateKeySize)
	}
	gcm, err := newGCM(masterKey)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, privateKey, nil)
	return EncryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptPrivateKey reverses EncryptPrivateKey. The prefix is optional.
func DecryptPrivateKey(encrypted string, masterKey []byte) ([]byte, error) {
	gcm, err := newGCM(masterKey)
	if err != nil {
		return nil, err
	}

	sealed, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(encrypted, EncryptedPrefix))
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	plaintext, err := gcm.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	if len(plaintext) != privateKeySize {
		return nil, fmt.Errorf("decrypted key has wrong size: got %d, want %d", len(plaintext), privateKeySize)
	}
	return plaintext, nil
}

// ResolvePrivateKey returns the signing key for a configured value, which is
// either plain hex (0x optional) or an encrypted key.
func ResolvePrivateKey(value string, masterKey []byte) (*ecdsa.PrivateKey, error) {
	if !IsEncrypted(value) {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(value, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		return key, nil
	}

	if len(masterKey) == 0 {
		return nil, ErrMasterKeyRequired
	}
	raw, err := DecryptPrivateKey(value, masterKey)
	if err != nil {
		return nil, err
	}
	return crypto.ToECDSA(raw)
}

// ResolvePrivateKeyHex is ResolvePrivateKey rendered back to unprefixed hex.
func ResolvePrivateKeyHex(value string, masterKey []byte) (string, error) {
	key, err := ResolvePrivateKey(value, masterKey)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(crypto.FromECDSA(key)), nil
}

// GenerateMasterKey generates a new random 32-byte master key.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, masterKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	return key, nil
}

// MasterKeyFromBase64 decodes a base64-encoded master key
func MasterKeyFromBase64(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode master key: %w", err)
	}
	if len(key) != masterKeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", masterKeySize, len(key))
	}
	return key, nil
}

// MasterKeyToBase64 encodes a master key as base64 for storage
func MasterKeyToBase64(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

func newGCM(masterKey []byte) (cipher.AEAD, error) {
	if len(masterKey) != masterKeySize {
		return nil, fmt.Errorf("master key must be %d bytes (AES-256)", masterKeySize)
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

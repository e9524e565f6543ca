package flagcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrIntegrity indicates a ciphertext that failed authentication or
// references an unknown key. It is never retried and callers log it as a
// security-relevant event.
var ErrIntegrity = errors.New("flag integrity check failed")

const keyLen = 32 // AES-256

// Keyring holds the symmetric keys used to encrypt flags at rest. New flags
// are sealed with the active key; decryption works for any key still in the
// ring, so rotating the active key does not invalidate issued flags.
type Keyring struct {
	activeID string
	aeads    map[string]cipher.AEAD
}

// NewKeyring builds a keyring from hex-encoded 32-byte keys indexed by key id.
func NewKeyring(activeID string, keys map[string]string) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("keyring requires at least one key")
	}
	if _, ok := keys[activeID]; !ok {
		return nil, fmt.Errorf("active key id %q not present in keyring", activeID)
	}

	aeads := make(map[string]cipher.AEAD, len(keys))
	for id, hexKey := range keys {
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("decoding key %q: %w", id, err)
		}
		if len(key) != keyLen {
			return nil, fmt.Errorf("key %q must be %d bytes, got %d", id, keyLen, len(key))
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("initializing cipher for key %q: %w", id, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("initializing GCM for key %q: %w", id, err)
		}
		aeads[id] = aead
	}

	return &Keyring{activeID: activeID, aeads: aeads}, nil
}

// GenerateKey returns a fresh hex-encoded key suitable for NewKeyring.
func GenerateKey() (string, error) {
	key := make([]byte, keyLen)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// ActiveKeyID returns the id new flags will be sealed with.
func (k *Keyring) ActiveKeyID() string {
	return k.activeID
}

// Encrypt seals a plaintext flag with the active key. The nonce is prepended
// to the returned ciphertext.
func (k *Keyring) Encrypt(plaintext string) (ciphertext []byte, keyID string, err error) {
	if plaintext == "" {
		return nil, "", fmt.Errorf("cannot encrypt empty flag")
	}

	aead := k.aeads[k.activeID]
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealed, k.activeID, nil
}

// Decrypt opens a ciphertext sealed by Encrypt. Unknown key ids and
// authentication failures both surface as ErrIntegrity; the distinction is
// deliberately not exposed to callers.
func (k *Keyring) Decrypt(ciphertext []byte, keyID string) (string, error) {
	aead, ok := k.aeads[keyID]
	if !ok {
		return "", fmt.Errorf("%w: unknown key id", ErrIntegrity)
	}

	if len(ciphertext) < aead.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrIntegrity)
	}

	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrIntegrity)
	}

	return string(plaintext), nil
}

// Compare reports whether a submitted flag matches the expected one.
// Both inputs are hashed before comparison, so execution time depends on
// neither the contents nor the lengths of the values — only on the input
// sizes themselves, which the submitter already knows.
func Compare(submitted, expected string) bool {
	if submitted == "" || expected == "" {
		return false
	}
	a := sha256.Sum256([]byte(submitted))
	b := sha256.Sum256([]byte(expected))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

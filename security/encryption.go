// Package security implements the content-security detection engine and the
// passthrough API-key encryption port used when an Application supplies its
// own upstream provider key (BYOK mode).
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
)

// EncSentinel prefixes an encrypted passthrough key as stored by the
// Credential Repository. A key without this prefix is passed through
// unchanged.
const EncSentinel = "enc:"

// EncryptorConfig configures the org-scoped envelope encryption used for
// BYOK passthrough keys.
type EncryptorConfig struct {
	Enabled   bool
	MasterKey string // base64-encoded 256-bit key
}

// Encryptor implements the orchestrator's Encryption port: a master key
// encrypts one data-encryption-key (DEK) per organisation, and the DEK in
// turn wraps individual passthrough API keys. Losing the master key does
// not need to expose every org's DEK at once.
type Encryptor struct {
	masterKey []byte
	mu        sync.RWMutex
	dekCache  map[string][]byte // org_id -> DEK
}

// NewEncryptor builds an Encryptor from config. When disabled, Decrypt
// always fails — a sentinel-prefixed key with no configured encryptor is
// a hard error, not a silent passthrough.
func NewEncryptor(cfg EncryptorConfig) (*Encryptor, error) {
	e := &Encryptor{dekCache: make(map[string][]byte)}
	if !cfg.Enabled {
		return e, nil
	}
	key, err := base64.StdEncoding.DecodeString(cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("master key must be 256 bits, got %d", len(key))
	}
	e.masterKey = key
	return e, nil
}

// Enabled reports whether this encryptor has a usable master key.
func (e *Encryptor) Enabled() bool {
	return len(e.masterKey) == 32
}

// GenerateDEK creates and caches a fresh per-org data-encryption key,
// returning it sealed under the master key for storage.
func (e *Encryptor) GenerateDEK(orgID string) (string, error) {
	dek := make([]byte, 32)
	if _, err := rand.Read(dek); err != nil {
		return "", fmt.Errorf("generate DEK: %w", err)
	}
	sealed, err := e.seal(e.masterKey, []byte(orgID), dek)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	e.dekCache[orgID] = dek
	e.mu.Unlock()
	return sealed, nil
}

// LoadDEK decrypts a stored encrypted DEK and caches the plaintext.
func (e *Encryptor) LoadDEK(orgID, encryptedDEKB64 string) error {
	dek, err := e.open(e.masterKey, []byte(orgID), encryptedDEKB64)
	if err != nil {
		return fmt.Errorf("decrypt DEK: %w", err)
	}
	e.mu.Lock()
	e.dekCache[orgID] = dek
	e.mu.Unlock()
	return nil
}

// Encrypt seals plaintext under the org's DEK.
func (e *Encryptor) Encrypt(orgID string, plaintext []byte) (string, error) {
	dek, err := e.dek(orgID)
	if err != nil {
		return "", err
	}
	return e.seal(dek, nil, plaintext)
}

// Decrypt is the Encryption port the orchestrator calls on a sentinel-
// prefixed passthrough key. ciphertextB64 excludes EncSentinel.
func (e *Encryptor) Decrypt(orgID, ciphertextB64 string) ([]byte, error) {
	dek, err := e.dek(orgID)
	if err != nil {
		return nil, err
	}
	return e.open(dek, nil, ciphertextB64)
}

func (e *Encryptor) dek(orgID string) ([]byte, error) {
	e.mu.RLock()
	dek, ok := e.dekCache[orgID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no DEK loaded for org %q", orgID)
	}
	return dek, nil
}

func (e *Encryptor) seal(key, aad, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, aad)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (e *Encryptor) open(key, aad []byte, b64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ct := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, aad)
}

package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	keySize   = 32
	nonceSize = 12
)

// ErrCorrupt marks a stored record whose ciphertext no longer authenticates.
// A corrupt record is unrecoverable; callers treat it as absent and delete it.
var ErrCorrupt = errors.New("credential record corrupt")

// Cipher seals and opens credential records with AES-256-GCM. The key is
// derived once from the configured secret and cached for the process
// lifetime.
type Cipher struct {
	aead cipher.AEAD
}

func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, errors.New("encryption secret must not be empty")
	}
	block, err := aes.NewCipher(deriveKey(secret))
	if err != nil {
		return nil, fmt.Errorf("aes init: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm init: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// deriveKey right-pads the secret with ASCII zeros to 32 bytes and truncates
// anything beyond.
func deriveKey(secret string) []byte {
	key := make([]byte, keySize)
	n := copy(key, secret)
	for i := n; i < keySize; i++ {
		key[i] = '0'
	}
	return key
}

// EncryptCredential seals the token fields of cred. Both ciphertexts share
// the record's freshly generated nonce; the record is written atomically and
// never partially rewritten, so the nonce never recurs under the key with a
// different plaintext pairing.
func (c *Cipher) EncryptCredential(cred *Credential) (*EncryptedCredential, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	enc := &EncryptedCredential{
		AccessToken: base64.StdEncoding.EncodeToString(c.aead.Seal(nil, nonce, []byte(cred.AccessToken), nil)),
		Nonce:       base64.StdEncoding.EncodeToString(nonce),
		TokenType:   cred.TokenType,
		Scopes:      cred.Scopes,
		ObtainedAt:  cred.ObtainedAt,
		ExpiresAt:   cred.ExpiresAt,
		UserID:      cred.UserID,
		UserEmail:   cred.UserEmail,
		WorkspaceID: cred.WorkspaceID,
	}
	if cred.RefreshToken != "" {
		enc.RefreshToken = base64.StdEncoding.EncodeToString(c.aead.Seal(nil, nonce, []byte(cred.RefreshToken), nil))
	}
	return enc, nil
}

// DecryptCredential is the inverse of EncryptCredential. Any malformed
// encoding or auth-tag mismatch surfaces as ErrCorrupt.
func (c *Cipher) DecryptCredential(enc *EncryptedCredential) (*Credential, error) {
	nonce, err := base64.StdEncoding.DecodeString(enc.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", ErrCorrupt)
	}
	if len(nonce) != nonceSize {
		return nil, fmt.Errorf("nonce length %d: %w", len(nonce), ErrCorrupt)
	}

	access, err := c.open(nonce, enc.AccessToken)
	if err != nil {
		return nil, err
	}

	cred := &Credential{
		AccessToken: access,
		TokenType:   enc.TokenType,
		Scopes:      enc.Scopes,
		ObtainedAt:  enc.ObtainedAt,
		ExpiresAt:   enc.ExpiresAt,
		UserID:      enc.UserID,
		UserEmail:   enc.UserEmail,
		WorkspaceID: enc.WorkspaceID,
	}
	if enc.RefreshToken != "" {
		refresh, err := c.open(nonce, enc.RefreshToken)
		if err != nil {
			return nil, err
		}
		cred.RefreshToken = refresh
	}
	return cred, nil
}

func (c *Cipher) open(nonce []byte, ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", ErrCorrupt)
	}
	plain, err := c.aead.Open(nil, nonce, raw, nil)
	if err != nil {
		return "", fmt.Errorf("open ciphertext: %w", ErrCorrupt)
	}
	return string(plain), nil
}

// Fingerprint returns the hex SHA-256 of a bearer string. Fingerprints stand
// in for bearers everywhere one would otherwise appear as a key or log field.
func Fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// TokenPrefix truncates a token to ten characters for log fields. Full
// tokens never reach the logs.
func TokenPrefix(token string) string {
	if len(token) <= 10 {
		return token
	}
	return token[:10] + "..."
}

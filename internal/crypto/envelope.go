// Package crypto implements the broker's single encryption facade: a
// versioned AES-GCM envelope for OAuth material at rest, SHA-256 key
// fingerprinting, constant-time comparison, and secure random issuance.
// Per the design note "Hand-rolled encryption glue", nothing outside this
// package is allowed to read or write plaintext token material.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// envelopeVersion is bumped whenever the on-disk/on-KV shape changes.
const envelopeVersion = 1

// Envelope is the structured, versioned representation of an encrypted
// secret at rest. IV and ciphertext (which include the GCM tag) are
// base64-encoded so the envelope round-trips cleanly through JSON and the
// KV store's hash-map string fields.
type Envelope struct {
	Version    int    `json:"version"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
}

// Cipher seals and opens envelopes using a key derived from a single
// operator-provided master secret. One Cipher is shared by every component
// that needs to encrypt or decrypt OAuth material; callers never see the
// derived key itself.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives a 32-byte AES-256 key from masterKeyHex via HKDF-SHA256
// and constructs the AEAD used for every Seal/Open call.
func NewCipher(masterKeyHex string) (*Cipher, error) {
	secret, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto: master key must be hex-encoded: %w", err)
	}
	if len(secret) < 32 {
		return nil, fmt.Errorf("crypto: master key must encode at least 32 bytes of entropy, got %d", len(secret))
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, secret, nil, []byte("ccrelay-oauth-envelope"))
	if _, err = io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("crypto: key derivation failed: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: aes init failed: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm init failed: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext into a versioned envelope ready for storage.
func (c *Cipher) Seal(plaintext []byte) (*Envelope, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce generation failed: %w", err)
	}
	ciphertext := c.aead.Seal(nil, nonce, plaintext, nil)
	return &Envelope{
		Version:    envelopeVersion,
		IV:         base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// Open decrypts an envelope back into plaintext, rejecting unknown versions
// and any ciphertext that fails authentication.
func (c *Cipher) Open(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("crypto: nil envelope")
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("crypto: unsupported envelope version %d", env.Version)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("crypto: bad iv encoding: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: bad ciphertext encoding: %w", err)
	}
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: envelope authentication failed: %w", err)
	}
	return plaintext, nil
}

// SealJSON marshals v to JSON and seals it, a convenience used by the OAuth
// manager to persist structured token bundles.
func (c *Cipher) SealJSON(v any) (*Envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal: %w", err)
	}
	return c.Seal(data)
}

// OpenJSON opens env and unmarshals its plaintext into v.
func (c *Cipher) OpenJSON(env *Envelope, v any) error {
	data, err := c.Open(env)
	if err != nil {
		return err
	}
	if err = json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("crypto: unmarshal: %w", err)
	}
	return nil
}

// FingerprintHex returns the lower-case hex SHA-256 digest of plaintext,
// used as the API key's stored hash and as the session-fingerprint basis.
func FingerprintHex(plaintext []byte) string {
	sum := sha256.Sum256(plaintext)
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEqualHex compares two hex-encoded digests in constant time so
// that validation latency does not leak which prefix matched (spec §8:
// timing-attack resistance). Unequal lengths are rejected up front without
// a timing-sensitive comparison since length is not secret.
func ConstantTimeEqualHex(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// SecureRandomToken returns n cryptographically random bytes, base64url
// encoded without padding, suitable for API key material.
func SecureRandomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("crypto: random generation failed: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

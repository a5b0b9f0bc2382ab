// Package secrets encrypts individual configuration values before they cross
// the persistence boundary. Values are AES-256-GCM sealed under a key derived
// from the process-wide salt with Argon2id.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/argon2"

	"github.com/basket/agenthost/internal/apperr"
)

// Prefix marks a value produced by Encrypt.
const Prefix = "enc:"

const defaultKeyCacheSize = 16

// kdfSalt is a fixed domain separator; the caller's salt is the secret input.
var kdfSalt = []byte("agenthost/secrets/v1")

var (
	ErrEmptySalt = errors.New("secret salt must not be empty")
	ErrMalformed = errors.New("malformed ciphertext")
)

// Codec derives and caches one key per salt.
type Codec struct {
	keys *lru.Cache[string, []byte]
}

// NewCodec returns a Codec whose derived-key cache holds cacheSize salts.
func NewCodec(cacheSize int) (*Codec, error) {
	if cacheSize <= 0 {
		cacheSize = defaultKeyCacheSize
	}
	keys, err := lru.New[string, []byte](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create key cache: %w", err)
	}
	return &Codec{keys: keys}, nil
}

func (c *Codec) key(salt string) ([]byte, error) {
	if salt == "" {
		return nil, ErrEmptySalt
	}
	if k, ok := c.keys.Get(salt); ok {
		return k, nil
	}
	k := argon2.IDKey([]byte(salt), kdfSalt, 1, 64*1024, 4, 32)
	c.keys.Add(salt, k)
	return k, nil
}

func (c *Codec) aead(salt string) (cipher.AEAD, error) {
	k, err := c.key(salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// Encrypt returns "enc:" + base64(nonce + ciphertext).
func (c *Codec) Encrypt(plaintext, salt string) (string, error) {
	gcm, err := c.aead(salt)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Input without the prefix, bad encoding or a failed
// authentication check is reported as a decryption_error.
func (c *Codec) Decrypt(ciphertext, salt string) (string, error) {
	const op = "secrets.decrypt"
	if !IsEncrypted(ciphertext) {
		return "", apperr.Wrap(op, apperr.KindDecryption, fmt.Errorf("%w: missing %q prefix", ErrMalformed, Prefix))
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, Prefix))
	if err != nil {
		return "", apperr.Wrap(op, apperr.KindDecryption, fmt.Errorf("%w: base64: %v", ErrMalformed, err))
	}
	gcm, err := c.aead(salt)
	if err != nil {
		return "", apperr.Wrap(op, apperr.KindDecryption, err)
	}
	if len(data) < gcm.NonceSize()+gcm.Overhead() {
		return "", apperr.Wrap(op, apperr.KindDecryption, fmt.Errorf("%w: too short", ErrMalformed))
	}
	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", apperr.Wrap(op, apperr.KindDecryption, fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether s carries the ciphertext prefix.
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, Prefix)
}

// EncryptValues returns a copy of values with every string sealed, including
// strings that already look like ciphertext. nil and non-string values are
// copied as is.
func (c *Codec) EncryptValues(values map[string]any, salt string) (map[string]any, error) {
	if values == nil {
		return nil, nil
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		s, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		enc, err := c.Encrypt(s, salt)
		if err != nil {
			return nil, fmt.Errorf("encrypt %q: %w", k, err)
		}
		out[k] = enc
	}
	return out, nil
}

// DecryptValues returns a copy of values with every sealed string opened.
// A value that fails to decrypt aborts the whole map.
func (c *Codec) DecryptValues(values map[string]any, salt string) (map[string]any, error) {
	if values == nil {
		return nil, nil
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		s, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		dec, err := c.Decrypt(s, salt)
		if err != nil {
			return nil, fmt.Errorf("decrypt %q: %w", k, err)
		}
		out[k] = dec
	}
	return out, nil
}

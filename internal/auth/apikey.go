// Package auth handles operator API keys: generation, hashing and the
// authenticated caller carried on request contexts.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// API keys look like sw_live_7a9x3k_4f8d2e1b9c7a5f3d2e1b9c7a5f3d2e1b.
// The prefix is stored in clear for lookup; the whole key is hashed.
const (
	keyScheme    = "sw"
	KeyPrefixLen = 6
	KeySecretLen = 32
)

const (
	EnvLive = "live"
	EnvTest = "test"
)

var ErrInvalidKeyFormat = errors.New("invalid API key format")

// GeneratedKey is a fresh API key. Plaintext is returned to the operator once.
type GeneratedKey struct {
	Plaintext string
	Hash      string
	Prefix    string
}

// ParsedKey is the decomposed form of a presented API key.
type ParsedKey struct {
	Env    string
	Prefix string
	Secret string
}

// GenerateAPIKey mints a key for env, falling back to live for unknown values.
func GenerateAPIKey(env string) (*GeneratedKey, error) {
	if env != EnvTest {
		env = EnvLive
	}
	prefix, err := randomHex(KeyPrefixLen / 2)
	if err != nil {
		return nil, fmt.Errorf("generate prefix: %w", err)
	}
	secret, err := randomHex(KeySecretLen / 2)
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}

	plaintext := strings.Join([]string{keyScheme, env, prefix, secret}, "_")
	hash, err := HashSecret(plaintext)
	if err != nil {
		return nil, fmt.Errorf("hash key: %w", err)
	}
	return &GeneratedKey{Plaintext: plaintext, Hash: hash, Prefix: prefix}, nil
}

// ParseAPIKey splits key into its parts, rejecting anything not produced by
// GenerateAPIKey.
func ParseAPIKey(key string) (*ParsedKey, error) {
	parts := strings.Split(key, "_")
	if len(parts) != 4 || parts[0] != keyScheme {
		return nil, ErrInvalidKeyFormat
	}
	if parts[1] != EnvLive && parts[1] != EnvTest {
		return nil, ErrInvalidKeyFormat
	}
	if !isLowerHex(parts[2], KeyPrefixLen) || !isLowerHex(parts[3], KeySecretLen) {
		return nil, ErrInvalidKeyFormat
	}
	return &ParsedKey{Env: parts[1], Prefix: parts[2], Secret: parts[3]}, nil
}

// ValidateKeyFormat reports whether key is well formed.
func ValidateKeyFormat(key string) bool {
	_, err := ParseAPIKey(key)
	return err == nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func isLowerHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

var (
	ErrInvalidHash         = errors.New("invalid hash format")
	ErrIncompatibleVersion = errors.New("incompatible argon2 version")
)

// HashParams are the Argon2id cost parameters encoded into every stored hash.
type HashParams struct {
	Memory  uint32 // KiB
	Time    uint32
	Threads uint8
	KeyLen  uint32
	SaltLen int
}

// DefaultHashParams follow the OWASP minimum for Argon2id.
var DefaultHashParams = HashParams{
	Memory:  64 * 1024,
	Time:    3,
	Threads: 4,
	KeyLen:  32,
	SaltLen: 16,
}

// HashSecret hashes an API key with DefaultHashParams and returns the PHC
// string ($argon2id$v=19$m=...,t=...,p=...$salt$hash) stored in api_keys.
func HashSecret(secret string) (string, error) {
	return DefaultHashParams.Hash(secret)
}

// Hash hashes secret with p and a fresh random salt.
func (p HashParams) Hash(secret string) (string, error) {
	salt := make([]byte, p.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	sum := argon2.IDKey([]byte(secret), salt, p.Time, p.Memory, p.Threads, p.KeyLen)
	return encodePHC(p, salt, sum), nil
}

// VerifySecret reports whether secret matches encoded. A malformed hash is an
// error; a mismatch is not.
func VerifySecret(secret, encoded string) (bool, error) {
	p, salt, want, err := decodePHC(encoded)
	if err != nil {
		return false, err
	}
	got := argon2.IDKey([]byte(secret), salt, p.Time, p.Memory, p.Threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// NeedsRehash reports whether encoded was produced with weaker parameters
// than DefaultHashParams.
func NeedsRehash(encoded string) bool {
	p, _, _, err := decodePHC(encoded)
	if err != nil {
		return true
	}
	d := DefaultHashParams
	return p.Memory < d.Memory || p.Time < d.Time || p.Threads < d.Threads
}

// Fingerprint is a fast, non-reversible digest of an API key used as the
// Redis auth cache key. Never store it in place of the Argon2 hash.
func Fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:16])
}

func encodePHC(p HashParams, salt, sum []byte) string {
	enc := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.Memory, p.Time, p.Threads,
		enc.EncodeToString(salt), enc.EncodeToString(sum))
}

func decodePHC(encoded string) (HashParams, []byte, []byte, error) {
	var p HashParams
	fields := strings.Split(encoded, "$")
	if len(fields) != 6 || fields[0] != "" || fields[1] != "argon2id" {
		return p, nil, nil, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(fields[2], "v=%d", &version); err != nil {
		return p, nil, nil, ErrInvalidHash
	}
	if version != argon2.Version {
		return p, nil, nil, ErrIncompatibleVersion
	}
	if _, err := fmt.Sscanf(fields[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &p.Threads); err != nil {
		return p, nil, nil, ErrInvalidHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(fields[4])
	if err != nil {
		return p, nil, nil, ErrInvalidHash
	}
	sum, err := base64.RawStdEncoding.DecodeString(fields[5])
	if err != nil || len(sum) == 0 {
		return p, nil, nil, ErrInvalidHash
	}
	p.SaltLen = len(salt)
	p.KeyLen = uint32(len(sum))
	return p, salt, sum, nil
}

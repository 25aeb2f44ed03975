// Package webhook queues, signs and delivers subscription notifications to
// operator-registered HTTPS endpoints.
package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	ErrReplayWindowExceeded = errors.New("timestamp outside replay window")
	ErrInvalidSignature     = errors.New("invalid signature")
)

// DefaultReplayWindow is how far a receiver should let the signed timestamp
// drift from its own clock.
const DefaultReplayWindow = 5 * time.Minute

const secretBytes = 32

// GenerateSignature returns hex(HMAC-SHA256(key, "{timestamp}.{body}")).
// The key is the stored secret hash, not the plaintext secret.
func GenerateSignature(key string, timestamp int64, body []byte) string {
	return hex.EncodeToString(mac(key, timestamp, body))
}

// ValidateSignature is the receiver-side check: the timestamp must be within
// window of now and the signature must match.
func ValidateSignature(key, signature string, timestamp int64, body []byte, window time.Duration) error {
	return validateAt(time.Now(), key, signature, timestamp, body, window)
}

func validateAt(now time.Time, key, signature string, timestamp int64, body []byte, window time.Duration) error {
	if now.Sub(time.Unix(timestamp, 0)).Abs() > window {
		return ErrReplayWindowExceeded
	}
	got, err := hex.DecodeString(signature)
	if err != nil || !hmac.Equal(got, mac(key, timestamp, body)) {
		return ErrInvalidSignature
	}
	return nil
}

func mac(key string, timestamp int64, body []byte) []byte {
	h := hmac.New(sha256.New, []byte(key))
	h.Write(strconv.AppendInt(nil, timestamp, 10))
	h.Write([]byte{'.'})
	h.Write(body)
	return h.Sum(nil)
}

// HashSecret is what gets stored for an endpoint secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// GenerateSecret returns 32 random bytes, hex encoded.
func GenerateSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate webhook secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

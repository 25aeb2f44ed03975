// Package middleware provides HTTP middleware for the subscriptions API.
package middleware

import (
	"errors"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"
)

// Validation limits.
const (
	// MaxIdentifierLength bounds subscription, webhook and asset identifiers in paths.
	MaxIdentifierLength = 64

	// MaxWebhookURLLength is the maximum length for webhook URLs.
	MaxWebhookURLLength = 1024
)

// Validation errors.
var (
	ErrIdentifierEmpty   = errors.New("identifier is empty")
	ErrIdentifierTooLong = errors.New("identifier exceeds maximum length")
	ErrIdentifierInvalid = errors.New("identifier contains invalid characters")
	ErrWebhookURLTooLong = errors.New("webhook URL exceeds maximum length")
)

// validIdentifierPattern covers ULIDs, UUIDs and upstream GUIDs.
var validIdentifierPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

// ValidateIdentifier checks a resource identifier taken from a path.
func ValidateIdentifier(id string) error {
	if id == "" {
		return ErrIdentifierEmpty
	}
	if len(id) > MaxIdentifierLength {
		return ErrIdentifierTooLong
	}
	if !validIdentifierPattern.MatchString(id) {
		return ErrIdentifierInvalid
	}
	return nil
}

// ValidateWebhookURL validates a webhook target URL length.
// SSRF checks are done in webhook.ValidateTargetURL.
func ValidateWebhookURL(url string) error {
	if len(url) > MaxWebhookURLLength {
		return ErrWebhookURLTooLong
	}
	return nil
}

// ValidatePathParams rejects requests whose named chi URL params are not
// valid identifiers. Mount it below the route that declares the params.
func ValidatePathParams(names ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, name := range names {
				if err := ValidateIdentifier(chi.URLParam(r, name)); err != nil {
					writeError(w, http.StatusBadRequest, "INVALID_ID", "invalid "+name+": "+err.Error())
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

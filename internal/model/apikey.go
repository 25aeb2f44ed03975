package model

import (
	"slices"
	"time"
)

// API key scopes. Admin implies every other scope.
const (
	ScopeRead    = "read"    // list and view subscriptions and triggers
	ScopeWrite   = "write"   // create, update, delete and toggle subscriptions
	ScopeWebhook = "webhook" // manage webhook endpoints
	ScopeTrigger = "trigger" // fire a subscription manually
	ScopeIngest  = "ingest"  // submit POSITION and FA_REPORT events
	ScopeAdmin   = "admin"
)

var ValidScopes = []string{ScopeRead, ScopeWrite, ScopeWebhook, ScopeTrigger, ScopeIngest, ScopeAdmin}

// Rate limit tiers.
const (
	TierFree      = "free"
	TierPro       = "pro"
	TierUnlimited = "unlimited"
)

// RateLimitConfig is the per-minute budget of a tier. Zero means unlimited.
type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

var TierConfigs = map[string]RateLimitConfig{
	TierFree:      {RequestsPerMinute: 60, Burst: 10},
	TierPro:       {RequestsPerMinute: 600, Burst: 50},
	TierUnlimited: {},
}

func IsValidTier(tier string) bool {
	_, ok := TierConfigs[tier]
	return ok
}

// TierLimits returns the budget for tier, falling back to the free tier.
func TierLimits(tier string) RateLimitConfig {
	if cfg, ok := TierConfigs[tier]; ok {
		return cfg
	}
	return TierConfigs[TierFree]
}

func grants(scopes []string, scope string) bool {
	return slices.Contains(scopes, ScopeAdmin) || slices.Contains(scopes, scope)
}

// APIKey is an operator credential. KeyHash is never serialised.
type APIKey struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	KeyHash       string     `json:"-"`
	KeyPrefix     string     `json:"key_prefix"`
	Scopes        []string   `json:"scopes"`
	RateLimitTier string     `json:"rate_limit_tier"`
	Name          string     `json:"name,omitempty"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (k *APIKey) IsRevoked() bool { return k.RevokedAt != nil }

func (k *APIKey) HasScope(scope string) bool { return grants(k.Scopes, scope) }

func (k *APIKey) GetRateLimitConfig() RateLimitConfig { return TierLimits(k.RateLimitTier) }

// AuthContext is the authenticated caller attached to /api/v1 requests and
// cached in Redis by key fingerprint.
type AuthContext struct {
	KeyID         string
	KeyPrefix     string
	UserID        string
	Scopes        []string
	RateLimitTier string
}

func (a *AuthContext) HasScope(scope string) bool { return grants(a.Scopes, scope) }

func (a *AuthContext) IsAdmin() bool { return slices.Contains(a.Scopes, ScopeAdmin) }

// NewAuthContext derives the caller identity from a verified key.
func NewAuthContext(k *APIKey) *AuthContext {
	return &AuthContext{
		KeyID:         k.ID,
		KeyPrefix:     k.KeyPrefix,
		UserID:        k.UserID,
		Scopes:        k.Scopes,
		RateLimitTier: k.RateLimitTier,
	}
}

// APIKeyCreateRequest is the body of POST /api/v1/api-keys. Only admins may
// pick a tier other than free; Env selects a live or test key.
type APIKeyCreateRequest struct {
	Name          string   `json:"name,omitempty" validate:"max=100"`
	Scopes        []string `json:"scopes" validate:"dive,oneof=read write webhook trigger ingest admin"`
	RateLimitTier string   `json:"rate_limit_tier,omitempty" validate:"omitempty,oneof=free pro unlimited"`
	Env           string   `json:"env,omitempty" validate:"omitempty,oneof=live test"`
}

type APIKeyResponse struct {
	ID            string     `json:"id"`
	Name          string     `json:"name,omitempty"`
	KeyPrefix     string     `json:"key_prefix"`
	Scopes        []string   `json:"scopes"`
	RateLimitTier string     `json:"rate_limit_tier"`
	CreatedAt     time.Time  `json:"created_at"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	Revoked       bool       `json:"revoked"`
}

func (k *APIKey) ToResponse() APIKeyResponse {
	return APIKeyResponse{
		ID:            k.ID,
		Name:          k.Name,
		KeyPrefix:     k.KeyPrefix,
		Scopes:        k.Scopes,
		RateLimitTier: k.RateLimitTier,
		CreatedAt:     k.CreatedAt,
		LastUsedAt:    k.LastUsedAt,
		Revoked:       k.IsRevoked(),
	}
}

// APIKeyCreateResponse carries the plaintext key. It is returned exactly once.
type APIKeyCreateResponse struct {
	APIKeyResponse
	Key string `json:"key"`
}

func NewAPIKeyCreateResponse(k *APIKey, plaintext string) APIKeyCreateResponse {
	return APIKeyCreateResponse{APIKeyResponse: k.ToResponse(), Key: plaintext}
}

type APIKeyRotateResponse struct {
	OldKeyID        string               `json:"old_key_id"`
	OldKeyRevokedAt time.Time            `json:"old_key_revoked_at"`
	NewKey          APIKeyCreateResponse `json:"new_key"`
}

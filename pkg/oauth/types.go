// SPDX-License-Identifier: Apache-2.0

// Package oauth implements the OAuth 2.1 authorization core: dynamic
// client registration, PKCE-gated authorization codes, DPoP-bound
// tokens, refresh rotation with family-level reuse detection, and
// introspection/revocation.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"
)

// Grant types and auth methods the core supports.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"

	ResponseTypeCode = "code"

	AuthMethodNone        = "none"
	AuthMethodSecretBasic = "client_secret_basic"
	AuthMethodSecretPost  = "client_secret_post"
)

// Token types.
const (
	TokenTypeBearer = "Bearer"
	TokenTypeDPoP   = "DPoP"
)

// TopicSecurity receives token misuse events, most importantly refresh
// token replay detections.
const TopicSecurity = "oauth.security"

// SecurityEvent is the payload published on TopicSecurity.
type SecurityEvent struct {
	Kind     string `json:"kind"`
	ClientID string `json:"clientId,omitempty"`
	UserID   string `json:"userId,omitempty"`
	Family   string `json:"family,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// RegisteredClient is an OAuth client created through dynamic
// registration. Immutable after creation.
type RegisteredClient struct {
	ClientID       string    `json:"clientId"`
	ClientSecret   string    `json:"clientSecret,omitempty"`
	ClientName     string    `json:"clientName"`
	RedirectURIs   []string  `json:"redirectUris"`
	GrantTypes     []string  `json:"grantTypes"`
	ResponseTypes  []string  `json:"responseTypes"`
	AuthMethod     string    `json:"tokenEndpointAuthMethod"`
	AllowedScopes  []string  `json:"allowedScopes"`
	CreatedAt      time.Time `json:"createdAt"`
	IsConfidential bool      `json:"isConfidential"`
}

// AuthorizationCode is a single-use code minted by Authorize.
type AuthorizationCode struct {
	Code              string
	ClientID          string
	RedirectURI       string
	Scope             []string
	CodeChallenge     string
	ExpiresAt         time.Time
	UserID            string
	Nonce             string
	DPoPKeyThumbprint string
}

// AccessToken is a server-side access token record.
type AccessToken struct {
	Token             string
	TokenType         string
	ClientID          string
	UserID            string
	Scope             []string
	IssuedAt          time.Time
	ExpiresAt         time.Time
	DPoPKeyThumbprint string
}

// RefreshToken is a server-side refresh token record. At most one live
// token exists per (Family, RotationCounter).
type RefreshToken struct {
	Token           string
	ClientID        string
	UserID          string
	Scope           []string
	IssuedAt        time.Time
	ExpiresAt       time.Time
	RotationCounter int
	Family          string
}

// Introspection is the result of introspecting a token.
type Introspection struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Username  string `json:"username,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
}

// Store sentinel errors.
var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = fmt.Errorf("not found")

	// ErrRotated is returned when a refresh token was already rotated
	// away; presenting one is a replay.
	ErrRotated = fmt.Errorf("refresh token already rotated")
)

// Store persists OAuth state. Implementations must be safe for
// concurrent use.
type Store interface {
	// PutClient stores a registered client.
	PutClient(ctx context.Context, client *RegisteredClient) error

	// GetClient returns the client or ErrNotFound.
	GetClient(ctx context.Context, clientID string) (*RegisteredClient, error)

	// DeleteClient removes the client and every token derived from it.
	DeleteClient(ctx context.Context, clientID string) error

	// PutAuthorizationCode stores a code until its expiry.
	PutAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode removes and returns the code in one
	// step. A second consume of the same code returns ErrNotFound.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// PutAccessToken stores an access token until its expiry.
	PutAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken returns the token or ErrNotFound.
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)

	// DeleteAccessToken removes the token; absent is not an error.
	DeleteAccessToken(ctx context.Context, token string) error

	// PutRefreshToken stores a refresh token until its expiry.
	PutRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken returns the live token, ErrRotated when the token
	// was rotated away (replay), or ErrNotFound.
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// RotateRefreshToken atomically retires old, leaving a tombstone
	// for replay detection, and inserts the successor. The old token is
	// deleted before the new one becomes visible.
	RotateRefreshToken(ctx context.Context, old *RefreshToken, successor *RefreshToken) error

	// RevokeFamily marks the family revoked and deletes every live
	// refresh token in it. The revoked set is bounded; implementations
	// discard the oldest half past the high-water mark.
	RevokeFamily(ctx context.Context, family string) error

	// IsFamilyRevoked reports whether the family is in the revoked set.
	IsFamilyRevoked(ctx context.Context, family string) (bool, error)

	// RotatedToken returns the snapshot of a rotated-away token, or
	// ErrNotFound when the token has no tombstone.
	RotatedToken(ctx context.Context, token string) (*RefreshToken, error)

	// Close stops background work and releases resources.
	Close() error
}

// randomToken returns n random bytes base64url-encoded without padding.
func randomToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// rand.Read only fails when the platform entropy source is
		// broken, at which point nothing here is trustworthy.
		panic(fmt.Sprintf("entropy source failure: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kiln-dev/kiln/pkg/audit"
	"github.com/kiln-dev/kiln/pkg/config"
	kerrors "github.com/kiln-dev/kiln/pkg/errors"
	"github.com/kiln-dev/kiln/pkg/events"
	"github.com/kiln-dev/kiln/pkg/logger"
	"github.com/kiln-dev/kiln/pkg/telemetry"
)

// Registration limits per RFC 7591 hygiene.
const (
	maxRedirectURIs   = 10
	maxClientNameLen  = 256
	clientIDBytes     = 24
	clientSecretBytes = 32
	tokenBytes        = 32
)

// Service is the OAuth 2.1 authorization core. All state lives in the
// Store; the service itself is stateless and safe for concurrent use.
type Service struct {
	cfg      config.OAuthConfig
	store    Store
	dpop     *DPoPVerifier
	recorder *audit.Recorder
	bus      *events.Bus
	metrics  *telemetry.Metrics
	now      func() time.Time
}

// NewService wires the authorization core. recorder, bus, and metrics
// may be nil in tests.
func NewService(cfg config.OAuthConfig, store Store, recorder *audit.Recorder, bus *events.Bus, metrics *telemetry.Metrics) *Service {
	return &Service{
		cfg:      cfg,
		store:    store,
		dpop:     NewDPoPVerifier(cfg.DPoPAlgorithms),
		recorder: recorder,
		bus:      bus,
		metrics:  metrics,
		now:      time.Now,
	}
}

// ClientRegistrationRequest is the RFC 7591 registration document.
type ClientRegistrationRequest struct {
	ClientName    string   `json:"clientName"`
	RedirectURIs  []string `json:"redirectUris"`
	GrantTypes    []string `json:"grantTypes,omitempty"`
	ResponseTypes []string `json:"responseTypes,omitempty"`
	AuthMethod    string   `json:"tokenEndpointAuthMethod,omitempty"`
	Scope         string   `json:"scope,omitempty"`
}

// RegisterClient validates the registration and mints a client.
// Confidential clients (any auth method other than "none") receive a
// secret in the returned record; it is shown exactly once.
func (s *Service) RegisterClient(ctx context.Context, req *ClientRegistrationRequest) (*RegisteredClient, error) {
	if len(req.RedirectURIs) == 0 {
		return nil, kerrors.New(kerrors.ErrInvalidRequest, "redirect_uris is required")
	}
	if len(req.RedirectURIs) > maxRedirectURIs {
		return nil, kerrors.New(kerrors.ErrInvalidRequest,
			fmt.Sprintf("at most %d redirect URIs allowed", maxRedirectURIs))
	}
	for _, raw := range req.RedirectURIs {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return nil, kerrors.New(kerrors.ErrInvalidRequest,
				fmt.Sprintf("redirect URI %q is not an absolute URL", raw))
		}
	}
	if len(req.ClientName) > maxClientNameLen {
		return nil, kerrors.New(kerrors.ErrInvalidRequest, "client_name too long")
	}

	authMethod := req.AuthMethod
	if authMethod == "" {
		authMethod = AuthMethodSecretBasic
	}
	switch authMethod {
	case AuthMethodNone, AuthMethodSecretBasic, AuthMethodSecretPost:
	default:
		return nil, kerrors.New(kerrors.ErrInvalidRequest,
			fmt.Sprintf("unsupported token_endpoint_auth_method %q", authMethod))
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{GrantAuthorizationCode, GrantRefreshToken}
	}
	for _, gt := range grantTypes {
		if gt != GrantAuthorizationCode && gt != GrantRefreshToken {
			return nil, kerrors.New(kerrors.ErrInvalidRequest,
				fmt.Sprintf("unsupported grant type %q", gt))
		}
	}

	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{ResponseTypeCode}
	}
	for _, rt := range responseTypes {
		if rt != ResponseTypeCode {
			return nil, kerrors.New(kerrors.ErrInvalidRequest,
				fmt.Sprintf("unsupported response type %q", rt))
		}
	}

	scopes := s.cfg.AllowedScopes
	if req.Scope != "" {
		scopes = intersectScopes(strings.Fields(req.Scope), s.cfg.AllowedScopes)
		if len(scopes) == 0 {
			return nil, kerrors.New(kerrors.ErrInvalidScope, "no grantable scopes requested")
		}
	}

	client := &RegisteredClient{
		ClientID:       randomToken(clientIDBytes),
		ClientName:     req.ClientName,
		RedirectURIs:   slices.Clone(req.RedirectURIs),
		GrantTypes:     grantTypes,
		ResponseTypes:  responseTypes,
		AuthMethod:     authMethod,
		AllowedScopes:  slices.Clone(scopes),
		CreatedAt:      s.now().UTC(),
		IsConfidential: authMethod != AuthMethodNone,
	}
	if client.IsConfidential {
		client.ClientSecret = randomToken(clientSecretBytes)
	}

	if err := s.store.PutClient(ctx, client); err != nil {
		return nil, kerrors.Wrap(kerrors.ErrInternal, "storing client", err)
	}

	s.record(ctx, &audit.Entry{
		Action: audit.ActionClientRegister,
		Actor:  client.ClientID,
	})
	logger.Infow("client registered", "client_id", client.ClientID, "confidential", client.IsConfidential)
	return client, nil
}

// DeleteClient removes the client and revokes every derived token.
func (s *Service) DeleteClient(ctx context.Context, clientID string) error {
	if err := s.store.DeleteClient(ctx, clientID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return kerrors.New(kerrors.ErrInvalidClient, "client not found")
		}
		return kerrors.Wrap(kerrors.ErrInternal, "deleting client", err)
	}
	s.record(ctx, &audit.Entry{
		Action: audit.ActionClientDelete,
		Actor:  clientID,
	})
	return nil
}

// AuthorizeRequest carries the authorization endpoint inputs. UserID is
// the already-authenticated resource owner.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               []string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	DPoPKeyThumbprint   string
	UserID              string
}

// AuthorizeResponse is the successful authorization result.
type AuthorizeResponse struct {
	Code  string
	State string
}

// Authorize validates the request in a fixed order, each failure with
// its own error tag, then mints a single-use code.
func (s *Service) Authorize(ctx context.Context, req *AuthorizeRequest) (*AuthorizeResponse, error) {
	client, err := s.store.GetClient(ctx, req.ClientID)
	if err != nil {
		return nil, kerrors.New(kerrors.ErrInvalidClient, "unknown client")
	}

	if req.ResponseType != ResponseTypeCode {
		return nil, kerrors.New(kerrors.ErrUnsupportedResponseType,
			fmt.Sprintf("response type %q not supported", req.ResponseType))
	}

	if !slices.Contains(client.RedirectURIs, req.RedirectURI) {
		return nil, kerrors.New(kerrors.ErrInvalidRequest, "redirect_uri not registered")
	}

	if req.CodeChallenge == "" || req.CodeChallengeMethod != CodeChallengeMethodS256 {
		return nil, kerrors.New(kerrors.ErrInvalidRequest, "PKCE with S256 is required")
	}

	requested := req.Scope
	if len(requested) == 0 {
		requested = client.AllowedScopes
	}
	granted := intersectScopes(intersectScopes(requested, s.cfg.AllowedScopes), client.AllowedScopes)
	if len(granted) == 0 {
		return nil, kerrors.New(kerrors.ErrInvalidScope, "no grantable scopes")
	}

	ttl := s.cfg.AuthorizationCodeTTL
	if ttl <= 0 || ttl > time.Minute {
		ttl = time.Minute
	}

	code := &AuthorizationCode{
		Code:              randomToken(tokenBytes),
		ClientID:          client.ClientID,
		RedirectURI:       req.RedirectURI,
		Scope:             granted,
		CodeChallenge:     req.CodeChallenge,
		ExpiresAt:         s.now().Add(ttl),
		UserID:            req.UserID,
		Nonce:             req.Nonce,
		DPoPKeyThumbprint: req.DPoPKeyThumbprint,
	}
	if err := s.store.PutAuthorizationCode(ctx, code); err != nil {
		return nil, kerrors.Wrap(kerrors.ErrInternal, "storing authorization code", err)
	}

	return &AuthorizeResponse{Code: code.Code, State: req.State}, nil
}

// TokenRequest carries the token endpoint inputs.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string

	// authorization_code grant.
	Code         string
	RedirectURI  string
	CodeVerifier string

	// refresh_token grant.
	RefreshToken string
	Scope        []string

	// DPoP, when non-nil, is the proof presented with the request.
	DPoP *DPoPProof
}

// TokenResponse is the token endpoint success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Token handles both grant types.
func (s *Service) Token(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	resp, err := s.token(ctx, req)
	if s.metrics != nil {
		result := "success"
		if err != nil {
			result = kerrors.CodeOf(err)
		}
		s.metrics.TokenGrant(req.GrantType, result)
	}
	return resp, err
}

func (s *Service) token(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	client, err := s.store.GetClient(ctx, req.ClientID)
	if err != nil {
		return nil, kerrors.New(kerrors.ErrInvalidClient, "unknown client")
	}
	if client.IsConfidential {
		if subtle.ConstantTimeCompare([]byte(client.ClientSecret), []byte(req.ClientSecret)) != 1 {
			return nil, kerrors.New(kerrors.ErrInvalidClient, "client authentication failed")
		}
	}

	thumbprint := ""
	if req.DPoP != nil {
		thumbprint, err = s.dpop.Verify(*req.DPoP)
		if err != nil {
			return nil, err
		}
	}

	switch req.GrantType {
	case GrantAuthorizationCode:
		return s.tokenAuthorizationCode(ctx, client, req, thumbprint)
	case GrantRefreshToken:
		return s.tokenRefresh(ctx, client, req, thumbprint)
	default:
		return nil, kerrors.New(kerrors.ErrUnsupportedGrantType,
			fmt.Sprintf("grant type %q not supported", req.GrantType))
	}
}

func (s *Service) tokenAuthorizationCode(ctx context.Context, client *RegisteredClient, req *TokenRequest, thumbprint string) (*TokenResponse, error) {
	// Consume deletes first: the code is burned regardless of how the
	// rest of this exchange goes.
	code, err := s.store.ConsumeAuthorizationCode(ctx, req.Code)
	if err != nil {
		return nil, kerrors.New(kerrors.ErrInvalidGrant, "authorization code is invalid or expired")
	}

	// A code exactly at its expiry is already expired.
	if !s.now().Before(code.ExpiresAt) {
		return nil, kerrors.New(kerrors.ErrInvalidGrant, "authorization code is invalid or expired")
	}
	if code.ClientID != client.ClientID {
		return nil, kerrors.New(kerrors.ErrInvalidGrant, "authorization code was issued to another client")
	}
	if code.RedirectURI != req.RedirectURI {
		return nil, kerrors.New(kerrors.ErrInvalidGrant, "redirect_uri mismatch")
	}
	if !VerifyPKCE(req.CodeVerifier, code.CodeChallenge) {
		return nil, kerrors.New(kerrors.ErrInvalidGrant, "PKCE verification failed")
	}
	if code.DPoPKeyThumbprint != "" && code.DPoPKeyThumbprint != thumbprint {
		return nil, kerrors.New(kerrors.ErrInvalidGrant, "DPoP key does not match the one bound at authorization")
	}
	if thumbprint == "" {
		thumbprint = code.DPoPKeyThumbprint
	}

	family := uuid.New().String()
	access, refresh := s.mintPair(client.ClientID, code.UserID, code.Scope, family, 0, thumbprint)

	if err := s.store.PutRefreshToken(ctx, refresh); err != nil {
		return nil, kerrors.Wrap(kerrors.ErrInternal, "storing refresh token", err)
	}
	if err := s.store.PutAccessToken(ctx, access); err != nil {
		return nil, kerrors.Wrap(kerrors.ErrInternal, "storing access token", err)
	}

	return s.tokenResponse(access, refresh), nil
}

func (s *Service) tokenRefresh(ctx context.Context, client *RegisteredClient, req *TokenRequest, thumbprint string) (*TokenResponse, error) {
	rt, err := s.store.GetRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrRotated) {
			// Replay of a rotated token: the whole family is burned.
			if old, terr := s.store.RotatedToken(ctx, req.RefreshToken); terr == nil {
				s.handleReuse(ctx, old)
			}
			return nil, kerrors.New(kerrors.ErrInvalidGrant, "refresh token is invalid")
		}
		return nil, kerrors.New(kerrors.ErrInvalidGrant, "refresh token is invalid")
	}

	revoked, err := s.store.IsFamilyRevoked(ctx, rt.Family)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.ErrInternal, "checking token family", err)
	}
	if revoked {
		s.handleReuse(ctx, rt)
		return nil, kerrors.New(kerrors.ErrInvalidGrant, "refresh token is invalid")
	}

	if !s.now().Before(rt.ExpiresAt) {
		return nil, kerrors.New(kerrors.ErrInvalidGrant, "refresh token expired")
	}
	if rt.ClientID != client.ClientID {
		return nil, kerrors.New(kerrors.ErrInvalidGrant, "refresh token was issued to another client")
	}

	// Narrowing only: the access token may carry fewer scopes, never
	// more; the successor refresh token keeps the full set.
	grantScope := rt.Scope
	if len(req.Scope) > 0 {
		for _, sc := range req.Scope {
			if !slices.Contains(rt.Scope, sc) {
				return nil, kerrors.New(kerrors.ErrInvalidScope, "requested scope exceeds the refresh token grant")
			}
		}
		grantScope = req.Scope
	}

	access, successor := s.mintPair(client.ClientID, rt.UserID, grantScope, rt.Family, rt.RotationCounter+1, thumbprint)
	successor.Scope = slices.Clone(rt.Scope)

	if err := s.store.RotateRefreshToken(ctx, rt, successor); err != nil {
		return nil, kerrors.Wrap(kerrors.ErrInternal, "rotating refresh token", err)
	}
	if err := s.store.PutAccessToken(ctx, access); err != nil {
		return nil, kerrors.Wrap(kerrors.ErrInternal, "storing access token", err)
	}

	return s.tokenResponse(access, successor), nil
}

// handleReuse revokes the family and raises the alarms. Called on any
// presentation of a rotated or family-revoked refresh token.
func (s *Service) handleReuse(ctx context.Context, rt *RefreshToken) {
	if err := s.store.RevokeFamily(ctx, rt.Family); err != nil {
		logger.Errorf("revoking token family %s: %v", rt.Family, err)
	}

	if s.recorder != nil {
		if err := s.recorder.RecordCritical(ctx, &audit.Entry{
			Action: audit.ActionReuseAttempt,
			Actor:  rt.UserID,
			UserID: rt.UserID,
		}); err != nil {
			logger.Errorf("recording reuse attempt: %v", err)
		}
	}

	if s.bus != nil {
		_, err := s.bus.Publish(ctx, TopicSecurity, SecurityEvent{
			Kind:     "refresh_token_reuse",
			ClientID: rt.ClientID,
			UserID:   rt.UserID,
			Family:   rt.Family,
			Detail:   "rotated refresh token presented again; family revoked",
		}, nil)
		if err != nil {
			logger.Errorf("publishing reuse event: %v", err)
		}
	}

	logger.Warnw("refresh token reuse detected",
		"client_id", rt.ClientID, "user_id", rt.UserID, "family", rt.Family)
}

func (s *Service) mintPair(clientID, userID string, scope []string, family string, counter int, thumbprint string) (*AccessToken, *RefreshToken) {
	now := s.now()

	tokenType := TokenTypeBearer
	if thumbprint != "" {
		tokenType = TokenTypeDPoP
	}

	access := &AccessToken{
		Token:             randomToken(tokenBytes),
		TokenType:         tokenType,
		ClientID:          clientID,
		UserID:            userID,
		Scope:             slices.Clone(scope),
		IssuedAt:          now,
		ExpiresAt:         now.Add(s.cfg.AccessTokenTTL),
		DPoPKeyThumbprint: thumbprint,
	}
	refresh := &RefreshToken{
		Token:           randomToken(tokenBytes),
		ClientID:        clientID,
		UserID:          userID,
		Scope:           slices.Clone(scope),
		IssuedAt:        now,
		ExpiresAt:       now.Add(s.cfg.RefreshTokenTTL),
		RotationCounter: counter,
		Family:          family,
	}
	return access, refresh
}

func (s *Service) tokenResponse(access *AccessToken, refresh *RefreshToken) *TokenResponse {
	return &TokenResponse{
		AccessToken:  access.Token,
		TokenType:    access.TokenType,
		ExpiresIn:    int64(s.cfg.AccessTokenTTL.Seconds()),
		RefreshToken: refresh.Token,
		Scope:        strings.Join(access.Scope, " "),
	}
}

// ValidateAccessToken authenticates a resource request. When the token
// is DPoP-bound, a matching proof must accompany it.
func (s *Service) ValidateAccessToken(ctx context.Context, token string, proof *DPoPProof) (*AccessToken, error) {
	at, err := s.store.GetAccessToken(ctx, token)
	if err != nil {
		return nil, kerrors.New(kerrors.ErrInvalidGrant, "access token is invalid")
	}
	if !s.now().Before(at.ExpiresAt) {
		return nil, kerrors.New(kerrors.ErrInvalidGrant, "access token expired")
	}

	if at.DPoPKeyThumbprint != "" {
		if proof == nil {
			return nil, kerrors.New(kerrors.ErrInvalidDPoPProof, "DPoP proof required")
		}
		proof.AccessToken = token
		thumbprint, err := s.dpop.Verify(*proof)
		if err != nil {
			return nil, err
		}
		if subtle.ConstantTimeCompare([]byte(thumbprint), []byte(at.DPoPKeyThumbprint)) != 1 {
			return nil, kerrors.New(kerrors.ErrInvalidDPoPProof, "proof key does not match the bound key")
		}
	}
	return at, nil
}

// Introspect reports token metadata per RFC 7662. Unknown, expired, and
// family-revoked tokens all yield active=false with no detail.
func (s *Service) Introspect(ctx context.Context, token string) *Introspection {
	if at, err := s.store.GetAccessToken(ctx, token); err == nil {
		if s.now().Before(at.ExpiresAt) {
			return &Introspection{
				Active:    true,
				Scope:     strings.Join(at.Scope, " "),
				ClientID:  at.ClientID,
				Username:  at.UserID,
				TokenType: at.TokenType,
				Exp:       at.ExpiresAt.Unix(),
				Iat:       at.IssuedAt.Unix(),
			}
		}
	}

	if rt, err := s.store.GetRefreshToken(ctx, token); err == nil {
		revoked, rerr := s.store.IsFamilyRevoked(ctx, rt.Family)
		if rerr == nil && !revoked && s.now().Before(rt.ExpiresAt) {
			return &Introspection{
				Active:    true,
				Scope:     strings.Join(rt.Scope, " "),
				ClientID:  rt.ClientID,
				Username:  rt.UserID,
				TokenType: "refresh_token",
				Exp:       rt.ExpiresAt.Unix(),
				Iat:       rt.IssuedAt.Unix(),
			}
		}
	}

	return &Introspection{Active: false}
}

// Revoke invalidates a token per RFC 7009. Revoking a refresh token
// burns its entire family; revoking an unknown token is a no-op, never
// an error.
func (s *Service) Revoke(ctx context.Context, token string) error {
	if _, err := s.store.GetAccessToken(ctx, token); err == nil {
		if err := s.store.DeleteAccessToken(ctx, token); err != nil {
			return kerrors.Wrap(kerrors.ErrInternal, "revoking access token", err)
		}
		return nil
	}

	rt, err := s.store.GetRefreshToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrRotated) {
			if old, terr := s.store.RotatedToken(ctx, token); terr == nil {
				rt = old
			}
		}
	}
	if rt == nil {
		return nil
	}

	if err := s.store.RevokeFamily(ctx, rt.Family); err != nil {
		return kerrors.Wrap(kerrors.ErrInternal, "revoking token family", err)
	}
	s.record(ctx, &audit.Entry{
		Action: audit.ActionTokenRevoke,
		Actor:  rt.UserID,
		UserID: rt.UserID,
	})
	return nil
}

func (s *Service) record(ctx context.Context, e *audit.Entry) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Record(ctx, e); err != nil {
		logger.Errorf("recording audit entry: %v", err)
	}
}

// intersectScopes returns the members of a that also appear in b,
// preserving a's order.
func intersectScopes(a, b []string) []string {
	var out []string
	for _, sc := range a {
		if slices.Contains(b, sc) {
			out = append(out, sc)
		}
	}
	return out
}

// SPDX-License-Identifier: Apache-2.0

package oauth

import "strings"

// ServerMetadata is the RFC 8414 authorization server metadata
// document, served at /.well-known/oauth-authorization-server.
type ServerMetadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RegistrationEndpoint          string   `json:"registration_endpoint"`
	IntrospectionEndpoint         string   `json:"introspection_endpoint"`
	RevocationEndpoint            string   `json:"revocation_endpoint"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported        []string `json:"response_types_supported"`
	GrantTypesSupported           []string `json:"grant_types_supported"`
	TokenEndpointAuthMethods      []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
	DPoPSigningAlgValues          []string `json:"dpop_signing_alg_values_supported,omitempty"`
}

// Metadata builds the discovery document from the service config.
func (s *Service) Metadata() *ServerMetadata {
	issuer := strings.TrimSuffix(s.cfg.Issuer, "/")

	md := &ServerMetadata{
		Issuer:                 issuer,
		AuthorizationEndpoint:  issuer + "/oauth/authorize",
		TokenEndpoint:          issuer + "/oauth/token",
		RegistrationEndpoint:   issuer + "/oauth/register",
		IntrospectionEndpoint:  issuer + "/oauth/introspect",
		RevocationEndpoint:     issuer + "/oauth/revoke",
		ScopesSupported:        s.cfg.AllowedScopes,
		ResponseTypesSupported: []string{ResponseTypeCode},
		GrantTypesSupported:    []string{GrantAuthorizationCode, GrantRefreshToken},
		TokenEndpointAuthMethods: []string{
			AuthMethodNone, AuthMethodSecretBasic, AuthMethodSecretPost,
		},
		CodeChallengeMethodsSupported: []string{CodeChallengeMethodS256},
	}
	if s.cfg.DPoPEnabled {
		md.DPoPSigningAlgValues = s.dpop.algorithms
	}
	return md
}

// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"

	"golang.org/x/oauth2"
)

// CodeChallengeMethodS256 is the only challenge method the server
// accepts; "plain" is rejected outright.
const CodeChallengeMethodS256 = "S256"

// GeneratePKCEVerifier returns a fresh high-entropy code verifier.
func GeneratePKCEVerifier() string {
	return oauth2.GenerateVerifier()
}

// PKCEChallengeS256 derives the S256 challenge of a verifier.
func PKCEChallengeS256(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// VerifyPKCE reports whether SHA-256(verifier), base64url-encoded,
// equals the stored challenge. The comparison is constant-time so a
// network observer cannot narrow the challenge byte by byte.
func VerifyPKCE(verifier, challenge string) bool {
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifyPKCERoundTrip(t *testing.T) {
	t.Parallel()

	verifier := GeneratePKCEVerifier()
	challenge := PKCEChallengeS256(verifier)

	assert.True(t, VerifyPKCE(verifier, challenge))
}

func TestVerifyPKCERejectsWrongVerifier(t *testing.T) {
	t.Parallel()

	challenge := PKCEChallengeS256(GeneratePKCEVerifier())

	assert.False(t, VerifyPKCE(GeneratePKCEVerifier(), challenge))
	assert.False(t, VerifyPKCE("", challenge))
}

func TestVerifyPKCERejectsPlainChallenge(t *testing.T) {
	t.Parallel()

	// A challenge that is the verifier itself ("plain" method) never
	// verifies; only S256 derivations do.
	verifier := GeneratePKCEVerifier()
	assert.False(t, VerifyPKCE(verifier, verifier))
}

// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/kiln-dev/kiln/pkg/errors"
)

var dpopTestNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestVerifier() *DPoPVerifier {
	return &DPoPVerifier{
		algorithms: []string{"ES256", "RS256"},
		now:        func() time.Time { return dpopTestNow },
	}
}

// signProof builds a DPoP proof JWT with the public half of key embedded
// in the jwk header. mutate can tweak the header before signing.
func signProof(t *testing.T, method jwt.SigningMethod, key any, public any, claims jwt.MapClaims, mutate func(header map[string]any)) string {
	t.Helper()

	tok := jwt.NewWithClaims(method, claims)
	tok.Header["typ"] = dpopTyp

	pub, err := jwk.Import(public)
	require.NoError(t, err)
	raw, err := json.Marshal(pub)
	require.NoError(t, err)
	var hdr map[string]any
	require.NoError(t, json.Unmarshal(raw, &hdr))
	tok.Header["jwk"] = hdr

	if mutate != nil {
		mutate(tok.Header)
	}

	signed, err := tok.SignedString(key)
	require.NoError(t, err)
	return signed
}

func baseClaims(iat time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"jti": "proof-1",
		"htm": "POST",
		"htu": "https://auth.example.com/oauth/token",
		"iat": iat.Unix(),
	}
}

func TestDPoPVerifyES256(t *testing.T) {
	t.Parallel()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	v := newTestVerifier()

	proof := signProof(t, jwt.SigningMethodES256, key, &key.PublicKey, baseClaims(dpopTestNow), nil)

	thumbprint, err := v.Verify(DPoPProof{
		Proof:  proof,
		Method: "POST",
		URI:    "https://auth.example.com/oauth/token",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, thumbprint)

	// The thumbprint is a stable function of the key.
	proof2 := signProof(t, jwt.SigningMethodES256, key, &key.PublicKey, baseClaims(dpopTestNow), nil)
	thumbprint2, err := v.Verify(DPoPProof{
		Proof:  proof2,
		Method: "POST",
		URI:    "https://auth.example.com/oauth/token",
	})
	require.NoError(t, err)
	assert.Equal(t, thumbprint, thumbprint2)
}

func TestDPoPVerifyRS256(t *testing.T) {
	t.Parallel()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	v := newTestVerifier()

	proof := signProof(t, jwt.SigningMethodRS256, key, &key.PublicKey, baseClaims(dpopTestNow), nil)

	thumbprint, err := v.Verify(DPoPProof{
		Proof:  proof,
		Method: "POST",
		URI:    "https://auth.example.com/oauth/token",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, thumbprint)
}

func TestDPoPIatAcceptanceWindow(t *testing.T) {
	t.Parallel()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	v := newTestVerifier()

	verify := func(iat time.Time) error {
		proof := signProof(t, jwt.SigningMethodES256, key, &key.PublicKey, baseClaims(iat), nil)
		_, err := v.Verify(DPoPProof{
			Proof:  proof,
			Method: "POST",
			URI:    "https://auth.example.com/oauth/token",
		})
		return err
	}

	// Exactly at the window edge is accepted; one second past is not.
	assert.NoError(t, verify(dpopTestNow.Add(-300*time.Second)))
	assert.NoError(t, verify(dpopTestNow.Add(300*time.Second)))

	err = verify(dpopTestNow.Add(-301 * time.Second))
	assert.True(t, kerrors.IsCode(err, kerrors.ErrInvalidDPoPProof))

	err = verify(dpopTestNow.Add(301 * time.Second))
	assert.True(t, kerrors.IsCode(err, kerrors.ErrInvalidDPoPProof))
}

func TestDPoPVerifyRejections(t *testing.T) {
	t.Parallel()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	v := newTestVerifier()

	tests := []struct {
		name   string
		claims jwt.MapClaims
		mutate func(map[string]any)
		proof  DPoPProof
	}{
		{
			name:   "wrong typ header",
			claims: baseClaims(dpopTestNow),
			mutate: func(h map[string]any) { h["typ"] = "JWT" },
			proof:  DPoPProof{Method: "POST", URI: "https://auth.example.com/oauth/token"},
		},
		{
			name:   "missing jwk header",
			claims: baseClaims(dpopTestNow),
			mutate: func(h map[string]any) { delete(h, "jwk") },
			proof:  DPoPProof{Method: "POST", URI: "https://auth.example.com/oauth/token"},
		},
		{
			name:   "htm mismatch",
			claims: baseClaims(dpopTestNow),
			proof:  DPoPProof{Method: "GET", URI: "https://auth.example.com/oauth/token"},
		},
		{
			name:   "htu mismatch",
			claims: baseClaims(dpopTestNow),
			proof:  DPoPProof{Method: "POST", URI: "https://other.example.com/oauth/token"},
		},
		{
			name: "missing iat",
			claims: jwt.MapClaims{
				"jti": "proof-1",
				"htm": "POST",
				"htu": "https://auth.example.com/oauth/token",
			},
			proof: DPoPProof{Method: "POST", URI: "https://auth.example.com/oauth/token"},
		},
		{
			name:   "nonce mismatch",
			claims: baseClaims(dpopTestNow),
			proof: DPoPProof{
				Method: "POST",
				URI:    "https://auth.example.com/oauth/token",
				Nonce:  "expected-nonce",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			proof := signProof(t, jwt.SigningMethodES256, key, &key.PublicKey, tt.claims, tt.mutate)
			p := tt.proof
			p.Proof = proof
			_, err := v.Verify(p)
			assert.True(t, kerrors.IsCode(err, kerrors.ErrInvalidDPoPProof), "got %v", err)
		})
	}
}

func TestDPoPVerifyAccessTokenHash(t *testing.T) {
	t.Parallel()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	v := newTestVerifier()

	const accessToken = "token-material"
	sum := sha256.Sum256([]byte(accessToken))

	claims := baseClaims(dpopTestNow)
	claims["ath"] = base64.RawURLEncoding.EncodeToString(sum[:])
	proof := signProof(t, jwt.SigningMethodES256, key, &key.PublicKey, claims, nil)

	_, err = v.Verify(DPoPProof{
		Proof:       proof,
		Method:      "POST",
		URI:         "https://auth.example.com/oauth/token",
		AccessToken: accessToken,
	})
	require.NoError(t, err)

	_, err = v.Verify(DPoPProof{
		Proof:       proof,
		Method:      "POST",
		URI:         "https://auth.example.com/oauth/token",
		AccessToken: "different-token",
	})
	assert.True(t, kerrors.IsCode(err, kerrors.ErrInvalidDPoPProof))
}

func TestDPoPVerifyRejectsUnlistedAlgorithm(t *testing.T) {
	t.Parallel()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	v := &DPoPVerifier{
		algorithms: []string{"ES256"},
		now:        func() time.Time { return dpopTestNow },
	}

	proof := signProof(t, jwt.SigningMethodRS256, key, &key.PublicKey, baseClaims(dpopTestNow), nil)
	_, err = v.Verify(DPoPProof{
		Proof:  proof,
		Method: "POST",
		URI:    "https://auth.example.com/oauth/token",
	})
	assert.True(t, kerrors.IsCode(err, kerrors.ErrInvalidDPoPProof))
}

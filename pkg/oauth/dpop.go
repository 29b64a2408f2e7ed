// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"

	kerrors "github.com/kiln-dev/kiln/pkg/errors"
)

// dpopTyp is the required JOSE typ header of a DPoP proof.
const dpopTyp = "dpop+jwt"

// DPoPMaxClockSkew is the accepted window around the proof's iat claim.
// Exactly at the boundary is accepted; one second past is not.
const DPoPMaxClockSkew = 300 * time.Second

// DPoPVerifier validates DPoP proofs per RFC 9449.
type DPoPVerifier struct {
	algorithms []string
	now        func() time.Time
}

// NewDPoPVerifier creates a verifier accepting the given JWS algorithms.
func NewDPoPVerifier(algorithms []string) *DPoPVerifier {
	if len(algorithms) == 0 {
		algorithms = []string{"ES256", "RS256"}
	}
	return &DPoPVerifier{algorithms: algorithms, now: time.Now}
}

// DPoPProof is the request material a proof is checked against.
type DPoPProof struct {
	// Proof is the value of the DPoP header.
	Proof string

	// Method and URI are the HTTP method and absolute URI of the
	// request carrying the proof.
	Method string
	URI    string

	// AccessToken, when set, must be hashed into the proof's ath claim.
	AccessToken string

	// Nonce, when set, must equal the proof's nonce claim.
	Nonce string
}

// Verify checks the proof and returns the base64url SHA-256 thumbprint
// of its embedded public key. Every failure carries the
// invalid_dpop_proof tag.
func (v *DPoPVerifier) Verify(p DPoPProof) (string, error) {
	var proofKey jwk.Key

	parser := jwt.NewParser(jwt.WithValidMethods(v.algorithms))
	token, err := parser.Parse(p.Proof, func(t *jwt.Token) (any, error) {
		typ, _ := t.Header["typ"].(string)
		if typ != dpopTyp {
			return nil, fmt.Errorf("typ must be %s", dpopTyp)
		}

		rawJWK, ok := t.Header["jwk"]
		if !ok {
			return nil, fmt.Errorf("missing embedded jwk header")
		}
		jwkJSON, err := json.Marshal(rawJWK)
		if err != nil {
			return nil, fmt.Errorf("malformed jwk header: %w", err)
		}
		key, err := jwk.ParseKey(jwkJSON)
		if err != nil {
			return nil, fmt.Errorf("parsing jwk header: %w", err)
		}

		var rawKey any
		if err := jwk.Export(key, &rawKey); err != nil {
			return nil, fmt.Errorf("exporting jwk: %w", err)
		}
		// The embedded key must be public; a private key in the header
		// is malformed at best.
		switch rawKey.(type) {
		case *ecdsa.PublicKey, *rsa.PublicKey:
		default:
			return nil, fmt.Errorf("embedded jwk is not a public key")
		}

		proofKey = key
		return rawKey, nil
	})
	if err != nil {
		return "", kerrors.Wrap(kerrors.ErrInvalidDPoPProof, "proof validation failed", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", kerrors.New(kerrors.ErrInvalidDPoPProof, "unexpected claims shape")
	}

	if htm, _ := claims["htm"].(string); htm != p.Method {
		return "", kerrors.New(kerrors.ErrInvalidDPoPProof, "htm mismatch")
	}
	if htu, _ := claims["htu"].(string); htu != p.URI {
		return "", kerrors.New(kerrors.ErrInvalidDPoPProof, "htu mismatch")
	}

	iatRaw, ok := claims["iat"].(float64)
	if !ok {
		return "", kerrors.New(kerrors.ErrInvalidDPoPProof, "missing iat claim")
	}
	skew := v.now().Unix() - int64(iatRaw)
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > DPoPMaxClockSkew {
		return "", kerrors.New(kerrors.ErrInvalidDPoPProof, "iat outside acceptance window")
	}

	if p.AccessToken != "" {
		sum := sha256.Sum256([]byte(p.AccessToken))
		want := base64.RawURLEncoding.EncodeToString(sum[:])
		if ath, _ := claims["ath"].(string); ath != want {
			return "", kerrors.New(kerrors.ErrInvalidDPoPProof, "ath mismatch")
		}
	}

	if p.Nonce != "" {
		if nonce, _ := claims["nonce"].(string); nonce != p.Nonce {
			return "", kerrors.New(kerrors.ErrInvalidDPoPProof, "nonce mismatch")
		}
	}

	thumbprint, err := proofKey.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", kerrors.Wrap(kerrors.ErrInvalidDPoPProof, "computing thumbprint", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}

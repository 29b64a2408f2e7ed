// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	kerrors "github.com/kiln-dev/kiln/pkg/errors"
	"github.com/kiln-dev/kiln/pkg/oauth"
)

// userHeader carries the pre-authenticated resource owner. End-user
// login lives in front of the kernel, not inside it.
const userHeader = "X-Forwarded-User"

func (s *Server) handleMetadata(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.oauth.Metadata())
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req oauth.ClientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, kerrors.Wrap(kerrors.ErrInvalidRequest, "malformed registration body", err))
		return
	}

	client, err := s.oauth.RegisterClient(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, client)
}

func (s *Server) handleDeleteClient(w http.ResponseWriter, r *http.Request) {
	if err := s.oauth.DeleteClient(r.Context(), chi.URLParam(r, "clientID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	user := r.Header.Get(userHeader)
	if user == "" {
		user = q.Get("user_id")
	}
	if user == "" {
		writeError(w, kerrors.New(kerrors.ErrInvalidRequest, "no authenticated user"))
		return
	}

	resp, err := s.oauth.Authorize(r.Context(), &oauth.AuthorizeRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               splitScope(q.Get("scope")),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Nonce:               q.Get("nonce"),
		DPoPKeyThumbprint:   q.Get("dpop_jkt"),
		UserID:              user,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	redirect, perr := url.Parse(q.Get("redirect_uri"))
	if perr != nil {
		writeError(w, kerrors.New(kerrors.ErrInvalidRequest, "malformed redirect_uri"))
		return
	}
	rq := redirect.Query()
	rq.Set("code", resp.Code)
	if resp.State != "" {
		rq.Set("state", resp.State)
	}
	redirect.RawQuery = rq.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, kerrors.Wrap(kerrors.ErrInvalidRequest, "malformed form body", err))
		return
	}

	clientID, clientSecret := clientCredentials(r)

	req := &oauth.TokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
		Scope:        splitScope(r.PostFormValue("scope")),
		DPoP:         dpopProofFromRequest(r),
	}

	resp, err := s.oauth.Token(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, kerrors.Wrap(kerrors.ErrInvalidRequest, "malformed form body", err))
		return
	}
	writeJSON(w, http.StatusOK, s.oauth.Introspect(r.Context(), r.PostFormValue("token")))
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, kerrors.Wrap(kerrors.ErrInvalidRequest, "malformed form body", err))
		return
	}
	if err := s.oauth.Revoke(r.Context(), r.PostFormValue("token")); err != nil {
		writeError(w, err)
		return
	}
	// RFC 7009: revocation always answers 200, even for unknown tokens.
	w.WriteHeader(http.StatusOK)
}

// clientCredentials reads client auth from Basic auth or the form body.
func clientCredentials(r *http.Request) (string, string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret")
}

// dpopProofFromRequest lifts the DPoP header, if present, into the
// verifier's input shape.
func dpopProofFromRequest(r *http.Request) *oauth.DPoPProof {
	proof := r.Header.Get("DPoP")
	if proof == "" {
		return nil
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}

	return &oauth.DPoPProof{
		Proof:  proof,
		Method: r.Method,
		URI:    scheme + "://" + r.Host + r.URL.Path,
	}
}

func splitScope(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}

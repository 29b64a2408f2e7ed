// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	kerrors "github.com/kiln-dev/kiln/pkg/errors"
	"github.com/kiln-dev/kiln/pkg/oauth"
	"github.com/kiln-dev/kiln/pkg/sandbox"
)

// authenticate validates the bearer or DPoP access token on a resource
// request and returns its record.
func (s *Server) authenticate(r *http.Request) (*oauth.AccessToken, error) {
	authz := r.Header.Get("Authorization")
	var token string
	switch {
	case strings.HasPrefix(authz, "Bearer "):
		token = strings.TrimPrefix(authz, "Bearer ")
	case strings.HasPrefix(authz, "DPoP "):
		token = strings.TrimPrefix(authz, "DPoP ")
	default:
		return nil, kerrors.New(kerrors.ErrInvalidGrant, "missing access token")
	}

	return s.oauth.ValidateAccessToken(r.Context(), token, dpopProofFromRequest(r))
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	at, err := s.authenticate(r)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	var req sandbox.ExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, kerrors.Wrap(kerrors.ErrSandboxInvalidRequest, "malformed execution body", err))
		return
	}

	// The authenticated principal wins over whatever the body claims.
	req.UserID = at.UserID

	result, err := s.orch.Execute(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		writeAuthError(w, err)
		return
	}

	if err := s.orch.Cancel(r.Context(), chi.URLParam(r, "executionID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

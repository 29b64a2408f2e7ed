// SPDX-License-Identifier: Apache-2.0

// Package api exposes the kernel over HTTP: the OAuth endpoints, the
// sandbox execution API, discovery metadata, health, and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	crt "github.com/kiln-dev/kiln/pkg/container/runtime"
	kerrors "github.com/kiln-dev/kiln/pkg/errors"
	"github.com/kiln-dev/kiln/pkg/logger"
	"github.com/kiln-dev/kiln/pkg/oauth"
	"github.com/kiln-dev/kiln/pkg/ratelimit"
	"github.com/kiln-dev/kiln/pkg/sandbox"
	"github.com/kiln-dev/kiln/pkg/telemetry"
)

// Server wires the kernel components behind a chi router.
type Server struct {
	oauth   *oauth.Service
	orch    *sandbox.Orchestrator
	runtime crt.Runtime
	limiter *ratelimit.Limiter
	metrics *telemetry.Metrics
}

// NewServer creates the HTTP surface. limiter and metrics may be nil;
// the corresponding middleware and endpoint are then skipped.
func NewServer(oauthSvc *oauth.Service, orch *sandbox.Orchestrator, rt crt.Runtime, limiter *ratelimit.Limiter, metrics *telemetry.Metrics) *Server {
	return &Server{
		oauth:   oauthSvc,
		orch:    orch,
		runtime: rt,
		limiter: limiter,
		metrics: metrics,
	}
}

// Router builds the route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Minute))

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Get("/.well-known/oauth-authorization-server", s.handleMetadata)

	r.Route("/oauth", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Delete("/register/{clientID}", s.handleDeleteClient)
		r.Get("/authorize", s.handleAuthorize)

		r.Group(func(r chi.Router) {
			if s.limiter != nil {
				r.Use(s.limiter.Middleware(ratelimit.RemoteAddrKey))
			}
			r.Post("/token", s.handleToken)
		})

		r.Post("/introspect", s.handleIntrospect)
		r.Post("/revoke", s.handleRevoke)
	})

	r.Route("/v1/executions", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware(ratelimit.RemoteAddrKey))
		}
		r.Post("/", s.handleExecute)
		r.Delete("/{executionID}", s.handleCancelExecution)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok"}
	if s.runtime != nil {
		status["runtime_available"] = s.runtime.IsAvailable(r.Context())
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Debugf("response encode failed: %v", err)
	}
}

// errorBody is the RFC 6749 error shape, reused for sandbox errors.
type errorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// writeError maps a kernel error onto a status code and the wire body.
func writeError(w http.ResponseWriter, err error) {
	code := kerrors.CodeOf(err)
	description := ""
	var kerr *kerrors.Error
	if errors.As(err, &kerr) {
		description = kerr.Message
	}

	status := http.StatusBadRequest
	switch code {
	case kerrors.ErrInvalidClient, kerrors.ErrInvalidDPoPProof:
		status = http.StatusUnauthorized
	case kerrors.ErrTooManyExecutions:
		status = http.StatusTooManyRequests
	case kerrors.ErrRuntimeNotAvailable:
		status = http.StatusServiceUnavailable
	case kerrors.ErrImageNotFound, kerrors.ErrImagePullFailed,
		kerrors.ErrContainerCreateFailed, kerrors.ErrContainerStartFailed:
		status = http.StatusBadGateway
	case kerrors.ErrInternal:
		status = http.StatusInternalServerError
	}

	writeJSON(w, status, errorBody{Error: code, Description: description})
}

// writeAuthError reports a failed resource-request authentication per
// RFC 6750: 401 plus a challenge header.
func writeAuthError(w http.ResponseWriter, err error) {
	description := ""
	var kerr *kerrors.Error
	if errors.As(err, &kerr) {
		description = kerr.Message
	}
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	writeJSON(w, http.StatusUnauthorized, errorBody{Error: kerrors.CodeOf(err), Description: description})
}

// ListenAndServe runs the server until ctx is canceled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

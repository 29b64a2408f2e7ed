// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-dev/kiln/pkg/audit"
	"github.com/kiln-dev/kiln/pkg/config"
	crt "github.com/kiln-dev/kiln/pkg/container/runtime"
	"github.com/kiln-dev/kiln/pkg/events"
	"github.com/kiln-dev/kiln/pkg/oauth"
	"github.com/kiln-dev/kiln/pkg/sandbox"
)

// stubRuntime always runs an instant exit-0 container.
type stubRuntime struct{}

func (stubRuntime) IsAvailable(context.Context) bool                 { return true }
func (stubRuntime) HasImage(context.Context, string) (bool, error)   { return true, nil }
func (stubRuntime) PullImage(context.Context, string) error          { return nil }
func (stubRuntime) StartContainer(context.Context, string) error     { return nil }
func (stubRuntime) RemoveContainer(context.Context, string) error    { return nil }
func (stubRuntime) ListManaged(context.Context) ([]crt.Info, error)  { return nil, nil }
func (stubRuntime) StopContainer(context.Context, string, time.Duration) error {
	return nil
}
func (stubRuntime) CreateContainer(context.Context, crt.CreateOptions) (string, error) {
	return "ctr-1", nil
}
func (stubRuntime) WaitForExit(context.Context, string, time.Duration) (crt.ExitResult, error) {
	return crt.ExitResult{ExitCode: 0}, nil
}
func (stubRuntime) GetLogs(context.Context, string) (crt.Logs, error) {
	return crt.Logs{Stdout: []byte("done\n")}, nil
}
func (stubRuntime) GetStats(context.Context, string) (crt.Stats, error) {
	return crt.Stats{MemoryUsedBytes: 4096}, nil
}
func (stubRuntime) Reap(context.Context, time.Duration) (int, error) { return 0, nil }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	bus := events.NewBus(events.DefaultOptions())
	t.Cleanup(func() { _ = bus.Shutdown(context.Background()) })

	store := oauth.NewMemoryStore(oauth.WithCleanupInterval(time.Hour))
	t.Cleanup(func() { _ = store.Close() })

	recorder := audit.NewRecorder(audit.NewMemoryStore(100), bus, false)

	oauthCfg := config.Default().OAuth
	oauthCfg.Issuer = "http://kiln.test"
	svc := oauth.NewService(oauthCfg, store, recorder, bus, nil)

	rt := stubRuntime{}
	orch := sandbox.NewOrchestrator(config.Default().Sandbox, rt, recorder, bus, nil)

	srv := httptest.NewServer(NewServer(svc, orch, rt, nil, nil).Router())
	t.Cleanup(srv.Close)
	return srv
}

// registerAndAuthorize drives registration plus the authorization
// redirect and returns the client ID, code, and PKCE verifier.
func registerAndAuthorize(t *testing.T, srv *httptest.Server) (string, string, string) {
	t.Helper()

	body := `{"clientName":"demo","redirectUris":["https://app.test/cb"],"tokenEndpointAuthMethod":"none"}`
	resp, err := http.Post(srv.URL+"/oauth/register", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var client oauth.RegisteredClient
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&client))
	require.NotEmpty(t, client.ClientID)

	verifier := oauth.GeneratePKCEVerifier()
	authURL := srv.URL + "/oauth/authorize?" + url.Values{
		"response_type":         {"code"},
		"client_id":             {client.ClientID},
		"redirect_uri":          {"https://app.test/cb"},
		"scope":                 {"read write"},
		"state":                 {"xyz"},
		"code_challenge":        {oauth.PKCEChallengeS256(verifier)},
		"code_challenge_method": {"S256"},
	}.Encode()

	httpClient := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	req, err := http.NewRequest(http.MethodGet, authURL, nil)
	require.NoError(t, err)
	req.Header.Set("X-Forwarded-User", "user-1")

	authResp, err := httpClient.Do(req)
	require.NoError(t, err)
	defer authResp.Body.Close()
	require.Equal(t, http.StatusFound, authResp.StatusCode)

	location, err := url.Parse(authResp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "xyz", location.Query().Get("state"))
	code := location.Query().Get("code")
	require.NotEmpty(t, code)

	return client.ClientID, code, verifier
}

func redeemCode(t *testing.T, srv *httptest.Server, clientID, code, verifier string) (*http.Response, map[string]any) {
	t.Helper()

	resp, err := http.PostForm(srv.URL+"/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {clientID},
		"code":          {code},
		"redirect_uri":  {"https://app.test/cb"},
		"code_verifier": {verifier},
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["runtime_available"])
}

func TestMetadataEndpoint(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/.well-known/oauth-authorization-server")
	require.NoError(t, err)
	defer resp.Body.Close()

	var md oauth.ServerMetadata
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&md))
	assert.Equal(t, "http://kiln.test", md.Issuer)
	assert.Equal(t, []string{"code"}, md.ResponseTypesSupported)
}

func TestAuthorizationCodeFlowOverHTTP(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	clientID, code, verifier := registerAndAuthorize(t, srv)

	resp, body := redeemCode(t, srv, clientID, code, verifier)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["access_token"])
	assert.NotEmpty(t, body["refresh_token"])
	assert.Equal(t, "Bearer", body["token_type"])
	assert.Equal(t, "read write", body["scope"])

	// A code is one-shot; the second redemption fails on the wire.
	resp2, body2 := redeemCode(t, srv, clientID, code, verifier)
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
	assert.Equal(t, "invalid_grant", body2["error"])
}

func TestExecuteRequiresAccessToken(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	resp, err := http.Post(srv.URL+"/v1/executions/", "application/json",
		strings.NewReader(`{"language":"python","code":"print(1)"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")
}

func TestExecuteOverHTTP(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	clientID, code, verifier := registerAndAuthorize(t, srv)
	resp, tokens := redeemCode(t, srv, clientID, code, verifier)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	accessToken, _ := tokens["access_token"].(string)
	require.NotEmpty(t, accessToken)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/executions/",
		strings.NewReader(`{"language":"python","code":"print(1)"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	execResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer execResp.Body.Close()
	require.Equal(t, http.StatusOK, execResp.StatusCode)

	var result sandbox.ExecutionResult
	require.NoError(t, json.NewDecoder(execResp.Body).Decode(&result))
	assert.True(t, result.Success)
	assert.Equal(t, "done\n", result.Stdout)
	assert.Equal(t, "ctr-1", result.ContainerID)
}

func TestRevokeAlwaysAnswersOK(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	resp, err := http.PostForm(srv.URL+"/oauth/revoke", url.Values{"token": {"unknown"}})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

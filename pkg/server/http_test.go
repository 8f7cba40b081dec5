package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantagepay/agentmesh/internal/a2a"
	"github.com/vantagepay/agentmesh/internal/audit"
	"github.com/vantagepay/agentmesh/internal/config"
	meshcrypto "github.com/vantagepay/agentmesh/internal/crypto"
	"github.com/vantagepay/agentmesh/internal/mtls"
	"github.com/vantagepay/agentmesh/internal/oauth"
	"github.com/vantagepay/agentmesh/internal/service"
)

// newTestServer stands up the HTTP surface for an orchestrator agent
// registered with itself, so inbound envelopes can be verified.
func newTestServer(t *testing.T) (http.Handler, string) {
	t.Helper()

	cfg := &config.Config{
		AgentID: "orchestrator",
		OAuth: config.OAuthConfig{
			Issuer:                "https://auth.test.local",
			AuthorizationEndpoint: "https://auth.test.local/oauth/authorize",
			AccessTokenTTL:        time.Hour,
			RefreshTokenTTL:       24 * time.Hour,
			AuthCodeTTL:           10 * time.Minute,
			CleanupInterval:       time.Minute,
		},
		MTLS: config.MTLSConfig{
			CertPath:     t.TempDir(),
			ValidityDays: 365,
			KeyBits:      2048,
			CACommonName: "Test Root CA",
		},
		Security: config.SecurityConfig{RequestsPerMinute: 1000, RequestsPerHour: 10000, RequestsPerDay: 100000},
		Comm:     config.CommConfig{RequestTimeout: 5 * time.Second, MaxRetries: 1, RetryDelay: 10 * time.Millisecond},
	}

	keys, err := oauth.LoadOrGenerateKeyManager(filepath.Join(t.TempDir(), "signing.key"), 2048)
	require.NoError(t, err)
	oauthProvider := oauth.NewProvider(cfg.OAuth, keys, nil)
	t.Cleanup(oauthProvider.Close)

	mtlsProvider, err := mtls.NewProvider(cfg.MTLS, nil)
	require.NoError(t, err)

	comm := a2a.NewCommunicator(cfg.Comm, "orchestrator", oauthProvider, mtlsProvider, nil, nil)
	svc := service.New(cfg, oauthProvider, mtlsProvider, comm, audit.NewLog(nil, nil, nil), nil)

	reg := svc.RegisterAgent(context.Background(), service.AgentRegistration{
		AgentID: "orchestrator",
		Name:    "Orchestrator",
		BaseURL: "https://orchestrator.test.local",
	})
	require.True(t, reg.Success, "registration failed: %s", reg.Error)

	return New(svc, comm, nil).Handler(), reg.ClientSecret
}

func signedEnvelope(t *testing.T, secret string, msgType a2a.MessageType) *a2a.Envelope {
	t.Helper()
	key, err := meshcrypto.DeriveKey(secret, "a2a-signing")
	require.NoError(t, err)

	env := &a2a.Envelope{
		ID:        uuid.New().String(),
		From:      "payments-agent",
		To:        "orchestrator",
		Type:      msgType,
		Payload:   json.RawMessage(`{"probe":"ping"}`),
		Timestamp: time.Now(),
	}
	env.Sign(key)
	return env
}

func postEnvelope(t *testing.T, handler http.Handler, env *a2a.Envelope) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(env)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/a2a/messages", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestMessageEndpointAcceptsSignedEnvelope(t *testing.T) {
	handler, secret := newTestServer(t)

	rec := postEnvelope(t, handler, signedEnvelope(t, secret, a2a.TypeHealthCheck))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result a2a.ReceiveResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.MessageID)
}

func TestMessageEndpointRejectsBadSignature(t *testing.T) {
	handler, secret := newTestServer(t)

	env := signedEnvelope(t, secret, a2a.TypeHealthCheck)
	env.Signature = "deadbeef"

	rec := postEnvelope(t, handler, env)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMessageEndpointRejectsReplay(t *testing.T) {
	handler, secret := newTestServer(t)
	env := signedEnvelope(t, secret, a2a.TypeHealthCheck)

	first := postEnvelope(t, handler, env)
	require.Equal(t, http.StatusOK, first.Code)

	second := postEnvelope(t, handler, env)
	assert.Equal(t, http.StatusConflict, second.Code)
}

func TestMessageEndpointRejectsUnknownType(t *testing.T) {
	handler, secret := newTestServer(t)

	rec := postEnvelope(t, handler, signedEnvelope(t, secret, a2a.MessageType("telemetry_dump")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessageEndpointRejectsMalformedBody(t *testing.T) {
	handler, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/a2a/messages", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessageEndpointRejectsGet(t *testing.T) {
	handler, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/a2a/messages", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealthzEndpoint(t *testing.T) {
	handler, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestSecurityMetricsEndpoint(t *testing.T) {
	handler, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics/security", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var metrics service.SecurityMetrics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &metrics))
	// Registration during setup already produced audit traffic.
	assert.GreaterOrEqual(t, metrics.TotalRequests, 1)
}

func TestCORSPreflight(t *testing.T) {
	handler, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/a2a/messages", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

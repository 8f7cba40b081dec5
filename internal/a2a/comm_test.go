package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantagepay/agentmesh/internal/config"
	meshcrypto "github.com/vantagepay/agentmesh/internal/crypto"
	"github.com/vantagepay/agentmesh/internal/mtls"
	"github.com/vantagepay/agentmesh/internal/oauth"
)

// mesh is a two-agent harness: an orchestrator sending to a payments
// agent whose inbound endpoint is a live httptest server.
type mesh struct {
	sender   *Communicator
	receiver *Communicator
	peer     Peer
	server   *httptest.Server
	requests atomic.Int64
}

func commConfig() config.CommConfig {
	return config.CommConfig{
		RequestTimeout: 5 * time.Second,
		MaxRetries:     2,
		RetryDelay:     10 * time.Millisecond,
	}
}

func newMesh(t *testing.T) *mesh {
	t.Helper()

	keys, err := oauth.LoadOrGenerateKeyManager(filepath.Join(t.TempDir(), "signing.key"), 2048)
	require.NoError(t, err)
	oauthProvider := oauth.NewProvider(config.OAuthConfig{
		Issuer:                "https://auth.test.local",
		AuthorizationEndpoint: "https://auth.test.local/oauth/authorize",
		AccessTokenTTL:        time.Hour,
		RefreshTokenTTL:       24 * time.Hour,
		AuthCodeTTL:           10 * time.Minute,
		CleanupInterval:       time.Minute,
	}, keys, nil)
	t.Cleanup(oauthProvider.Close)

	mtlsProvider, err := mtls.NewProvider(config.MTLSConfig{
		CertPath:     t.TempDir(),
		ValidityDays: 365,
		KeyBits:      2048,
		CACommonName: "Test Root CA",
	}, nil)
	require.NoError(t, err)

	client, err := oauthProvider.RegisterClient(oauth.ClientRegistration{
		Name:         "payments-agent",
		RedirectURIs: []string{"https://payments.test.local/oauth/callback"},
	})
	require.NoError(t, err)

	m := &mesh{
		receiver: NewCommunicator(commConfig(), "payments-agent", oauthProvider, mtlsProvider, nil, nil),
	}

	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.requests.Add(1)
		var env Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		result, err := m.receiver.ReceiveMessage(r.Context(), &env)
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	}))
	t.Cleanup(m.server.Close)

	m.peer = Peer{
		AgentID:      "payments-agent",
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		BaseURL:      m.server.URL,
	}
	m.receiver.RegisterPeer(m.peer)

	m.sender = NewCommunicator(commConfig(), "orchestrator", oauthProvider, mtlsProvider, nil, nil)
	m.sender.RegisterPeer(m.peer)

	return m
}

func TestInitializeConnectionStandard(t *testing.T) {
	m := newMesh(t)

	conn, err := m.sender.InitializeConnection(context.Background(), "payments-agent", LevelStandard)
	require.NoError(t, err)

	assert.True(t, conn.IsActive)
	assert.NotEmpty(t, conn.OAuthToken)
	assert.False(t, conn.HasTLS())
	assert.Equal(t, m.server.URL, conn.BaseURL)

	status, ok := m.sender.ConnectionStatus("payments-agent")
	require.True(t, ok)
	assert.Equal(t, LevelStandard, status.SecurityLevel)
}

func TestInitializeConnectionHighCarriesTLS(t *testing.T) {
	m := newMesh(t)

	conn, err := m.sender.InitializeConnection(context.Background(), "payments-agent", LevelHigh)
	require.NoError(t, err)

	assert.True(t, conn.HasTLS())
	assert.Equal(t, LevelHigh, conn.SecurityLevel)
}

func TestInitializeConnectionUnknownPeer(t *testing.T) {
	m := newMesh(t)

	_, err := m.sender.InitializeConnection(context.Background(), "no-such-agent", LevelStandard)
	var unknown *UnknownPeerError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "no-such-agent", unknown.AgentID)
}

func TestSendMessageWithoutConnection(t *testing.T) {
	m := newMesh(t)

	_, err := m.sender.SendMessage(context.Background(), "payments-agent", TypePaymentRequest, map[string]int{"amount": 100}, nil)
	var noConn *NoActiveConnectionError
	assert.ErrorAs(t, err, &noConn)
}

func TestSendMessageDelivers(t *testing.T) {
	m := newMesh(t)

	_, err := m.sender.InitializeConnection(context.Background(), "payments-agent", LevelStandard)
	require.NoError(t, err)

	result, err := m.sender.SendMessage(context.Background(), "payments-agent", TypePaymentRequest, map[string]int{"amount": 100}, nil)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.NotEmpty(t, result.MessageID)
	assert.False(t, result.Encrypted)
	assert.Contains(t, string(result.Response), "accepted")

	status, ok := m.sender.ConnectionStatus("payments-agent")
	require.True(t, ok)
	assert.Equal(t, int64(1), status.MessageCount)
}

func TestSendMessageEncryptedRoundTrip(t *testing.T) {
	m := newMesh(t)

	var got map[string]interface{}
	m.receiver.RegisterHandler(TypeCustomerQuery, func(_ context.Context, env *Envelope, payload []byte) (interface{}, error) {
		if err := json.Unmarshal(payload, &got); err != nil {
			return nil, err
		}
		return map[string]string{"status": "ok"}, nil
	})

	_, err := m.sender.InitializeConnection(context.Background(), "payments-agent", LevelStandard)
	require.NoError(t, err)

	result, err := m.sender.SendMessage(context.Background(), "payments-agent", TypeCustomerQuery,
		map[string]interface{}{"customerId": "cust-42"}, &SendOptions{Encrypt: true})
	require.NoError(t, err)

	assert.True(t, result.Encrypted)
	assert.Equal(t, "cust-42", got["customerId"])
}

func TestReceiveMessageRejectsBadSignature(t *testing.T) {
	m := newMesh(t)

	env := &Envelope{
		ID:        uuid.New().String(),
		From:      "orchestrator",
		To:        "payments-agent",
		Type:      TypeHealthCheck,
		Payload:   json.RawMessage(`{}`),
		Signature: "deadbeef",
		Timestamp: time.Now(),
	}
	_, err := m.receiver.ReceiveMessage(context.Background(), env)
	assert.ErrorIs(t, err, ErrInvalidMessageSignature)
}

func TestReceiveMessageRejectsWrongRecipient(t *testing.T) {
	m := newMesh(t)

	key, err := meshcrypto.DeriveKey(m.peer.ClientSecret, signingPurpose)
	require.NoError(t, err)

	env := &Envelope{
		ID:        uuid.New().String(),
		From:      "orchestrator",
		To:        "billing-agent",
		Type:      TypeHealthCheck,
		Payload:   json.RawMessage(`{}`),
		Timestamp: time.Now(),
	}
	env.Sign(key)

	_, err = m.receiver.ReceiveMessage(context.Background(), env)
	assert.ErrorIs(t, err, ErrInvalidMessageSignature)
}

func TestReceiveMessageRejectsReplay(t *testing.T) {
	m := newMesh(t)

	key, err := meshcrypto.DeriveKey(m.peer.ClientSecret, signingPurpose)
	require.NoError(t, err)

	env := &Envelope{
		ID:        uuid.New().String(),
		From:      "orchestrator",
		To:        "payments-agent",
		Type:      TypeHealthCheck,
		Payload:   json.RawMessage(`{}`),
		Timestamp: time.Now(),
	}
	env.Sign(key)

	_, err = m.receiver.ReceiveMessage(context.Background(), env)
	require.NoError(t, err)

	_, err = m.receiver.ReceiveMessage(context.Background(), env)
	var replay *ReplayError
	require.ErrorAs(t, err, &replay)
	assert.Equal(t, env.ID, replay.MessageID)
}

func TestReceiveMessageRejectsUnknownType(t *testing.T) {
	m := newMesh(t)

	key, err := meshcrypto.DeriveKey(m.peer.ClientSecret, signingPurpose)
	require.NoError(t, err)

	env := &Envelope{
		ID:        uuid.New().String(),
		From:      "orchestrator",
		To:        "payments-agent",
		Type:      MessageType("telemetry_dump"),
		Payload:   json.RawMessage(`{}`),
		Timestamp: time.Now(),
	}
	env.Sign(key)

	_, err = m.receiver.ReceiveMessage(context.Background(), env)
	var unknown *UnknownMessageTypeError
	assert.ErrorAs(t, err, &unknown)
}

func TestReceiveMessageSurfacesHandlerError(t *testing.T) {
	m := newMesh(t)

	handlerErr := errors.New("ledger unavailable")
	m.receiver.RegisterHandler(TypePaymentRequest, func(context.Context, *Envelope, []byte) (interface{}, error) {
		return nil, handlerErr
	})

	key, err := meshcrypto.DeriveKey(m.peer.ClientSecret, signingPurpose)
	require.NoError(t, err)

	env := &Envelope{
		ID:        uuid.New().String(),
		From:      "orchestrator",
		To:        "payments-agent",
		Type:      TypePaymentRequest,
		Payload:   json.RawMessage(`{}`),
		Timestamp: time.Now(),
	}
	env.Sign(key)

	_, err = m.receiver.ReceiveMessage(context.Background(), env)
	assert.ErrorIs(t, err, handlerErr)
}

func TestDeliverRetriesServerErrors(t *testing.T) {
	m := newMesh(t)

	var calls atomic.Int64
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var env Envelope
		json.NewDecoder(r.Body).Decode(&env)
		result, err := m.receiver.ReceiveMessage(r.Context(), &env)
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(result)
	}))
	defer flaky.Close()

	peer := m.peer
	peer.BaseURL = flaky.URL
	m.sender.RegisterPeer(peer)

	_, err := m.sender.InitializeConnection(context.Background(), "payments-agent", LevelStandard)
	require.NoError(t, err)

	result, err := m.sender.SendMessage(context.Background(), "payments-agent", TypeHealthCheck, map[string]string{}, nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, int64(2), calls.Load())
}

func TestDeliverDoesNotRetryClientErrors(t *testing.T) {
	m := newMesh(t)

	var calls atomic.Int64
	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer rejecting.Close()

	peer := m.peer
	peer.BaseURL = rejecting.URL
	m.sender.RegisterPeer(peer)

	_, err := m.sender.InitializeConnection(context.Background(), "payments-agent", LevelStandard)
	require.NoError(t, err)

	_, err = m.sender.SendMessage(context.Background(), "payments-agent", TypeHealthCheck, map[string]string{}, nil)
	require.Error(t, err)
	assert.Equal(t, int64(1), calls.Load())
}

func TestHealthCheckDefaultHandler(t *testing.T) {
	m := newMesh(t)

	_, err := m.sender.InitializeConnection(context.Background(), "payments-agent", LevelStandard)
	require.NoError(t, err)

	result, err := m.sender.SendMessage(context.Background(), "payments-agent", TypeHealthCheck, map[string]string{"probe": "ping"}, nil)
	require.NoError(t, err)

	assert.Contains(t, string(result.Response), "healthy")
	assert.Contains(t, string(result.Response), "payments-agent")
}

func TestCloseConnection(t *testing.T) {
	m := newMesh(t)

	_, err := m.sender.InitializeConnection(context.Background(), "payments-agent", LevelStandard)
	require.NoError(t, err)

	m.sender.CloseConnection("payments-agent")
	_, ok := m.sender.ConnectionStatus("payments-agent")
	assert.False(t, ok)

	// Closing again is a no-op.
	m.sender.CloseConnection("payments-agent")
}

package a2a

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vantagepay/agentmesh/internal/config"
	meshcrypto "github.com/vantagepay/agentmesh/internal/crypto"
	"github.com/vantagepay/agentmesh/internal/logging"
	"github.com/vantagepay/agentmesh/internal/mtls"
	"github.com/vantagepay/agentmesh/internal/oauth"
)

// SecurityLevel selects the per-connection trust policy.
type SecurityLevel string

const (
	LevelStandard SecurityLevel = "standard" // OAuth token only
	LevelHigh     SecurityLevel = "high"     // OAuth token + mTLS
)

const (
	signingPurpose    = "a2a-signing"
	encryptionPurpose = "a2a-encryption"
)

// Peer is a known remote agent: its OAuth credentials and delivery
// endpoint.
type Peer struct {
	AgentID      string
	ClientID     string
	ClientSecret string
	BaseURL      string
}

// Connection is the per-target state established by
// InitializeConnection and mutated on every successful send.
type Connection struct {
	TargetAgentID string        `json:"target_agent_id"`
	OAuthToken    string        `json:"-"`
	TLSConfig     *tls.Config   `json:"-"`
	SecurityLevel SecurityLevel `json:"security_level"`
	IsActive      bool          `json:"is_active"`
	EstablishedAt time.Time     `json:"established_at"`
	LastActivity  time.Time     `json:"last_activity"`
	MessageCount  int64         `json:"message_count"`
	BaseURL       string        `json:"base_url"`

	httpClient *http.Client
}

// HasTLS reports whether the connection carries a mutual-TLS context.
func (c *Connection) HasTLS() bool { return c.TLSConfig != nil }

// SendOptions tune an outbound message.
type SendOptions struct {
	Encrypt bool
}

// SendResult reports a delivered message.
type SendResult struct {
	Success   bool            `json:"success"`
	MessageID string          `json:"message_id"`
	Timestamp time.Time       `json:"timestamp"`
	Response  json.RawMessage `json:"response,omitempty"`
	Encrypted bool            `json:"encrypted"`
}

// ReceiveResult reports a processed inbound envelope.
type ReceiveResult struct {
	Success   bool        `json:"success"`
	MessageID string      `json:"message_id"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// Handler processes one decrypted inbound payload for a message type.
type Handler func(ctx context.Context, env *Envelope, payload []byte) (interface{}, error)

// Communicator owns A2A connections and the envelope protocol: OAuth
// (plus optional mTLS) handshakes outbound, signature/replay checks and
// type dispatch inbound.
type Communicator struct {
	cfg          config.CommConfig
	localAgentID string
	oauth        *oauth.Provider
	mtls         *mtls.Provider
	replay       ReplayCache
	logger       *zap.SugaredLogger
	httpClient   *http.Client
	startedAt    time.Time

	mu          sync.RWMutex
	peers       map[string]Peer
	localSecret string
	conns       map[string]*Connection
	handlers    map[MessageType]Handler
}

// NewCommunicator wires the providers together for the named local
// agent. The replay cache may be nil, in which case an in-memory one is
// used.
func NewCommunicator(cfg config.CommConfig, localAgentID string, oauthProvider *oauth.Provider, mtlsProvider *mtls.Provider, replay ReplayCache, logger *zap.SugaredLogger) *Communicator {
	if logger == nil {
		logger = logging.Nop()
	}
	if replay == nil {
		replay = NewMemoryReplayCache(time.Hour)
	}
	c := &Communicator{
		cfg:          cfg,
		localAgentID: localAgentID,
		oauth:        oauthProvider,
		mtls:         mtlsProvider,
		replay:       replay,
		logger:       logger,
		httpClient:   &http.Client{Timeout: cfg.RequestTimeout},
		startedAt:    time.Now(),
		peers:        make(map[string]Peer),
		conns:        make(map[string]*Connection),
		handlers:     make(map[MessageType]Handler),
	}
	c.registerDefaultHandlers()
	return c
}

// RegisterPeer records a remote agent's credentials and endpoint.
// Registering the local agent itself captures the secret used to verify
// inbound envelopes.
func (c *Communicator) RegisterPeer(peer Peer) {
	c.mu.Lock()
	c.peers[peer.AgentID] = peer
	if peer.AgentID == c.localAgentID {
		c.localSecret = peer.ClientSecret
	}
	c.mu.Unlock()
}

// RegisterHandler overrides the handler for a message type.
func (c *Communicator) RegisterHandler(t MessageType, h Handler) {
	c.mu.Lock()
	c.handlers[t] = h
	c.mu.Unlock()
}

// InitializeConnection performs the OAuth handshake against the
// embedded provider and, for high security, the certificate handshake.
// Any failure propagates and no connection is stored.
func (c *Communicator) InitializeConnection(ctx context.Context, targetAgentID string, level SecurityLevel) (*Connection, error) {
	c.mu.RLock()
	peer, ok := c.peers[targetAgentID]
	c.mu.RUnlock()
	if !ok {
		return nil, &UnknownPeerError{AgentID: targetAgentID}
	}

	client := c.oauth.GetClient(peer.ClientID)
	if client == nil || len(client.RedirectURIs) == 0 {
		return nil, oauth.ErrInvalidClient
	}
	redirectURI := client.RedirectURIs[0]

	verifier, err := oauth.RandomString(32)
	if err != nil {
		return nil, fmt.Errorf("generating code verifier: %w", err)
	}

	grant, err := c.oauth.GenerateAuthorizationURL(oauth.AuthorizationRequest{
		ClientID:     peer.ClientID,
		RedirectURI:  redirectURI,
		CodeVerifier: verifier,
	})
	if err != nil {
		c.logger.Errorw("oauth authorization failed", "targetAgentId", targetAgentID, "error", err)
		return nil, err
	}

	pair, err := c.oauth.ExchangeCodeForToken(grant.Code, peer.ClientID, peer.ClientSecret, redirectURI, verifier)
	if err != nil {
		c.logger.Errorw("oauth code exchange failed", "targetAgentId", targetAgentID, "error", err)
		return nil, err
	}

	conn := &Connection{
		TargetAgentID: targetAgentID,
		OAuthToken:    pair.AccessToken,
		SecurityLevel: level,
		IsActive:      true,
		EstablishedAt: time.Now(),
		LastActivity:  time.Now(),
		BaseURL:       peer.BaseURL,
		httpClient:    c.httpClient,
	}

	if level == LevelHigh {
		cert, err := c.mtls.IssueAgentCertificate(targetAgentID, mtls.AgentInfo{})
		if err != nil {
			c.logger.Errorw("certificate issuance failed", "targetAgentId", targetAgentID, "error", err)
			return nil, err
		}
		if !c.mtls.ValidateAgentCertificate(cert.CertificatePEM, targetAgentID) {
			err := &mtls.InvalidCertificateError{AgentID: targetAgentID}
			c.logger.Errorw("certificate validation failed", "targetAgentId", targetAgentID, "error", err)
			return nil, err
		}
		tlsCfg, err := c.mtls.TLSConfig(cert)
		if err != nil {
			c.logger.Errorw("tls context build failed", "targetAgentId", targetAgentID, "error", err)
			return nil, err
		}
		conn.TLSConfig = tlsCfg
		conn.httpClient = &http.Client{
			Timeout:   c.cfg.RequestTimeout,
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		}
	}

	c.mu.Lock()
	c.conns[targetAgentID] = conn
	c.mu.Unlock()

	c.logger.Infow("secure connection established",
		"targetAgentId", targetAgentID, "securityLevel", level, "hasTLS", conn.HasTLS())
	return conn, nil
}

// SendMessage signs (and optionally encrypts) a payload and delivers it
// to the target's endpoint. Transport failures are retried up to the
// configured bound; protocol failures are not.
func (c *Communicator) SendMessage(ctx context.Context, targetAgentID string, msgType MessageType, payload interface{}, opts *SendOptions) (*SendResult, error) {
	c.mu.RLock()
	conn, ok := c.conns[targetAgentID]
	c.mu.RUnlock()
	if !ok || !conn.IsActive {
		return nil, &NoActiveConnectionError{AgentID: targetAgentID}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}

	encrypt := opts != nil && opts.Encrypt
	if encrypt {
		key, err := c.peerKey(targetAgentID, encryptionPurpose)
		if err != nil {
			return nil, err
		}
		ciphertext, err := meshcrypto.Encrypt(body, key)
		if err != nil {
			return nil, fmt.Errorf("encrypting payload: %w", err)
		}
		body, err = json.Marshal(encryptedPayload{Ciphertext: ciphertext, Algorithm: "AES-256-GCM"})
		if err != nil {
			return nil, err
		}
	}

	env := &Envelope{
		ID:        uuid.New().String(),
		From:      c.localAgentID,
		To:        targetAgentID,
		Type:      msgType,
		Payload:   body,
		Timestamp: time.Now(),
		Encrypted: encrypt,
	}

	signKey, err := c.peerKey(targetAgentID, signingPurpose)
	if err != nil {
		return nil, err
	}
	env.Sign(signKey)

	response, err := c.deliver(ctx, conn, env)
	if err != nil {
		c.logger.Errorw("message delivery failed",
			"targetAgentId", targetAgentID, "messageId", env.ID, "type", msgType, "error", err)
		return nil, err
	}

	c.mu.Lock()
	conn.LastActivity = time.Now()
	conn.MessageCount++
	c.mu.Unlock()

	c.logger.Debugw("message sent",
		"targetAgentId", targetAgentID, "messageId", env.ID, "type", msgType, "encrypted", encrypt)

	return &SendResult{
		Success:   true,
		MessageID: env.ID,
		Timestamp: time.Now(),
		Response:  response,
		Encrypted: encrypt,
	}, nil
}

// deliver POSTs the envelope with bounded retry on transport errors and
// 5xx responses.
func (c *Communicator) deliver(ctx context.Context, conn *Connection, env *Envelope) (json.RawMessage, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	endpoint := conn.BaseURL + "/a2a/messages"
	var lastErr error
	attempts := c.cfg.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.cfg.RetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+conn.OAuthToken)

		resp, err := conn.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("remote agent returned %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("remote agent rejected message: %d %s", resp.StatusCode, bytes.TrimSpace(respBody))
		}
		return respBody, nil
	}
	return nil, fmt.Errorf("delivery to %s failed after %d attempts: %w", conn.TargetAgentID, attempts, lastErr)
}

// ReceiveMessage verifies, deduplicates, decrypts, and dispatches an
// inbound envelope. The signature is checked before anything else.
func (c *Communicator) ReceiveMessage(ctx context.Context, env *Envelope) (*ReceiveResult, error) {
	key, err := c.localKey(signingPurpose)
	if err != nil {
		return nil, err
	}
	if env.To != c.localAgentID || !env.VerifySignature(key) {
		c.logger.Warnw("rejected message with invalid signature", "messageId", env.ID, "from", env.From)
		return nil, ErrInvalidMessageSignature
	}

	seen, err := c.replay.MarkSeen(ctx, env.ID)
	if err != nil {
		return nil, fmt.Errorf("replay check: %w", err)
	}
	if seen {
		c.logger.Warnw("rejected replayed message", "messageId", env.ID, "from", env.From)
		return nil, &ReplayError{MessageID: env.ID}
	}

	payload := []byte(env.Payload)
	if env.Encrypted {
		var sealed encryptedPayload
		if err := json.Unmarshal(env.Payload, &sealed); err != nil {
			c.logger.Errorw("failed to parse encrypted payload", "messageId", env.ID, "from", env.From, "error", err)
			return nil, fmt.Errorf("parsing encrypted payload: %w", err)
		}
		encKey, err := c.localKey(encryptionPurpose)
		if err != nil {
			return nil, err
		}
		payload, err = meshcrypto.Decrypt(sealed.Ciphertext, encKey)
		if err != nil {
			c.logger.Errorw("failed to decrypt payload", "messageId", env.ID, "from", env.From, "error", err)
			return nil, fmt.Errorf("decrypting payload: %w", err)
		}
	}

	c.mu.RLock()
	handler, ok := c.handlers[env.Type]
	c.mu.RUnlock()
	if !ok {
		return nil, &UnknownMessageTypeError{Type: env.Type}
	}

	result, err := handler(ctx, env, payload)
	if err != nil {
		c.logger.Errorw("message handler failed", "messageId", env.ID, "from", env.From, "type", env.Type, "error", err)
		return nil, err
	}

	return &ReceiveResult{
		Success:   true,
		MessageID: env.ID,
		Timestamp: time.Now(),
		Payload:   result,
	}, nil
}

// CloseConnection removes the stored connection. Closing an absent
// connection is a no-op.
func (c *Communicator) CloseConnection(targetAgentID string) {
	c.mu.Lock()
	delete(c.conns, targetAgentID)
	c.mu.Unlock()
}

// ConnectionStatus returns a snapshot of the connection, or ok false.
func (c *Communicator) ConnectionStatus(targetAgentID string) (Connection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conn, ok := c.conns[targetAgentID]
	if !ok {
		return Connection{}, false
	}
	return *conn, true
}

// ListConnections returns snapshots of all stored connections.
func (c *Communicator) ListConnections() []Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Connection, 0, len(c.conns))
	for _, conn := range c.conns {
		out = append(out, *conn)
	}
	return out
}

func (c *Communicator) peerKey(agentID, purpose string) ([]byte, error) {
	c.mu.RLock()
	peer, ok := c.peers[agentID]
	c.mu.RUnlock()
	if !ok {
		return nil, &UnknownPeerError{AgentID: agentID}
	}
	return meshcrypto.DeriveKey(peer.ClientSecret, purpose)
}

func (c *Communicator) localKey(purpose string) ([]byte, error) {
	c.mu.RLock()
	secret := c.localSecret
	c.mu.RUnlock()
	if secret == "" {
		return nil, fmt.Errorf("local agent %s has no registered credentials", c.localAgentID)
	}
	return meshcrypto.DeriveKey(secret, purpose)
}

func (c *Communicator) registerDefaultHandlers() {
	c.handlers[TypeHealthCheck] = func(_ context.Context, _ *Envelope, _ []byte) (interface{}, error) {
		return map[string]interface{}{
			"status":    "healthy",
			"timestamp": time.Now(),
			"agentId":   c.localAgentID,
			"uptime":    time.Since(c.startedAt).Seconds(),
		}, nil
	}
	c.handlers[TypePaymentRequest] = func(_ context.Context, env *Envelope, _ []byte) (interface{}, error) {
		return map[string]interface{}{
			"status":    "accepted",
			"agentId":   c.localAgentID,
			"reference": env.ID,
		}, nil
	}
	c.handlers[TypePaymentResponse] = func(_ context.Context, _ *Envelope, _ []byte) (interface{}, error) {
		return map[string]interface{}{"status": "acknowledged", "agentId": c.localAgentID}, nil
	}
	c.handlers[TypeCustomerQuery] = func(_ context.Context, _ *Envelope, _ []byte) (interface{}, error) {
		return map[string]interface{}{"status": "queued", "agentId": c.localAgentID}, nil
	}
	c.handlers[TypeWebhookNotification] = func(_ context.Context, _ *Envelope, _ []byte) (interface{}, error) {
		return map[string]interface{}{"status": "delivered", "agentId": c.localAgentID}, nil
	}
}

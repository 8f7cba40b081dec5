package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vantagepay/agentmesh/internal/a2a"
	"github.com/vantagepay/agentmesh/internal/audit"
	"github.com/vantagepay/agentmesh/internal/config"
	"github.com/vantagepay/agentmesh/internal/logging"
	"github.com/vantagepay/agentmesh/internal/mtls"
	"github.com/vantagepay/agentmesh/internal/oauth"
)

// OAuthClientConfig is the credential bundle handed back to a newly
// registered agent so it can drive the authorization flow itself.
type OAuthClientConfig struct {
	ClientID              string   `json:"client_id"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	Scopes                []string `json:"scopes"`
}

// RegisterResult reports the outcome of one agent registration.
type RegisterResult struct {
	Success      bool                   `json:"success"`
	AgentID      string                 `json:"agent_id"`
	ClientSecret string                 `json:"client_secret,omitempty"`
	Certificate  *mtls.AgentCertificate `json:"certificate,omitempty"`
	OAuthConfig  *OAuthClientConfig     `json:"oauth_config,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

// AuthResult reports the outcome of one authentication attempt.
type AuthResult struct {
	Success   bool                  `json:"success"`
	Identity  *oauth.AgentIdentity  `json:"identity,omitempty"`
	SessionID string                `json:"session_id,omitempty"`
	Error     string                `json:"error,omitempty"`
}

// SendOutcome reports a message send. Transport failures come back as
// an unsuccessful outcome rather than an error; only pre-flight
// rejections (no connection, rate limit) surface as errors.
type SendOutcome struct {
	Success   bool            `json:"success"`
	MessageID string          `json:"message_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Response  json.RawMessage `json:"response,omitempty"`
	Encrypted bool            `json:"encrypted"`
	Error     string          `json:"error,omitempty"`
}

// HealthStatus is the result of probing a peer agent.
type HealthStatus struct {
	Service      string        `json:"service"`
	Status       string        `json:"status"`
	ResponseTime time.Duration `json:"response_time"`
	LastCheck    time.Time     `json:"last_check"`
}

// AgentRegistration is the input to RegisterAgent.
type AgentRegistration struct {
	AgentID string
	Name    string
	BaseURL string
	Scopes  []string
}

// Service ties the OAuth provider, certificate authority, and A2A
// transport together behind the operations agents actually call, with
// rate limiting and audit logging around every one of them.
type Service struct {
	cfg     *config.Config
	oauth   *oauth.Provider
	mtls    *mtls.Provider
	comm    *a2a.Communicator
	audit   *audit.Log
	limiter *RateLimiter
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	clients map[string]string // agentID -> clientID
}

// New wires the service from already-constructed providers.
func New(cfg *config.Config, oauthProvider *oauth.Provider, mtlsProvider *mtls.Provider, comm *a2a.Communicator, auditLog *audit.Log, logger *zap.SugaredLogger) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Service{
		cfg:     cfg,
		oauth:   oauthProvider,
		mtls:    mtlsProvider,
		comm:    comm,
		audit:   auditLog,
		limiter: NewRateLimiter(cfg.Security),
		logger:  logger,
		clients: make(map[string]string),
	}
}

// RegisterAgent provisions OAuth credentials and an mTLS certificate
// for a new agent and records it as a reachable peer. Failures come
// back inside the result, never as an error.
func (s *Service) RegisterAgent(ctx context.Context, reg AgentRegistration) *RegisterResult {
	if reg.AgentID == "" {
		return s.failRegistration(reg.AgentID, "agent id is required")
	}

	name := reg.Name
	if name == "" {
		name = reg.AgentID
	}
	baseURL := reg.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s.agentmesh.local", reg.AgentID)
	}

	client, err := s.oauth.RegisterClient(oauth.ClientRegistration{
		Name:         name,
		RedirectURIs: []string{baseURL + "/oauth/callback"},
		Scopes:       reg.Scopes,
	})
	if err != nil {
		return s.failRegistration(reg.AgentID, fmt.Sprintf("oauth client registration failed: %v", err))
	}

	cert, err := s.mtls.IssueAgentCertificate(reg.AgentID, mtls.AgentInfo{Organization: name})
	if err != nil {
		s.oauth.DeactivateClient(client.ClientID)
		return s.failRegistration(reg.AgentID, fmt.Sprintf("certificate issuance failed: %v", err))
	}

	s.comm.RegisterPeer(a2a.Peer{
		AgentID:      reg.AgentID,
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		BaseURL:      baseURL,
	})

	s.mu.Lock()
	s.clients[reg.AgentID] = client.ClientID
	s.mu.Unlock()

	s.audit.Append(audit.Entry{
		AgentID:  reg.AgentID,
		Action:   "agent_registered",
		Resource: "agent",
		Success:  true,
		Details:  map[string]interface{}{"clientId": client.ClientID, "baseUrl": baseURL},
	})
	s.logger.Infow("agent registered", "agentId", reg.AgentID, "clientId", client.ClientID)

	return &RegisterResult{
		Success:      true,
		AgentID:      reg.AgentID,
		ClientSecret: client.ClientSecret,
		Certificate:  cert,
		OAuthConfig: &OAuthClientConfig{
			ClientID:              client.ClientID,
			AuthorizationEndpoint: s.cfg.OAuth.AuthorizationEndpoint,
			Scopes:                client.Scopes,
		},
	}
}

func (s *Service) failRegistration(agentID, reason string) *RegisterResult {
	s.audit.Append(audit.Entry{
		AgentID:  agentID,
		Action:   "agent_registered",
		Resource: "agent",
		Success:  false,
		Details:  map[string]interface{}{"error": reason},
	})
	s.logger.Warnw("agent registration failed", "agentId", agentID, "error", reason)
	return &RegisterResult{Success: false, AgentID: agentID, Error: reason}
}

// AuthenticateAgent runs the full authorization-code flow for a
// registered agent and validates the issued access token. Bad
// credentials come back inside the result.
func (s *Service) AuthenticateAgent(ctx context.Context, agentID, clientSecret string) *AuthResult {
	s.mu.Lock()
	clientID, ok := s.clients[agentID]
	s.mu.Unlock()
	if !ok {
		return s.failAuthentication(agentID, "unknown agent")
	}

	client := s.oauth.GetClient(clientID)
	if client == nil || len(client.RedirectURIs) == 0 {
		return s.failAuthentication(agentID, "oauth client missing")
	}
	redirectURI := client.RedirectURIs[0]

	verifier, err := oauth.RandomString(32)
	if err != nil {
		return s.failAuthentication(agentID, fmt.Sprintf("generating code verifier: %v", err))
	}

	grant, err := s.oauth.GenerateAuthorizationURL(oauth.AuthorizationRequest{
		ClientID:     clientID,
		RedirectURI:  redirectURI,
		CodeVerifier: verifier,
	})
	if err != nil {
		return s.failAuthentication(agentID, err.Error())
	}

	pair, err := s.oauth.ExchangeCodeForToken(grant.Code, clientID, clientSecret, redirectURI, verifier)
	if err != nil {
		return s.failAuthentication(agentID, err.Error())
	}

	identity, err := s.oauth.ValidateToken(pair.AccessToken)
	if err != nil {
		return s.failAuthentication(agentID, err.Error())
	}

	sessionID := uuid.New().String()
	s.audit.Append(audit.Entry{
		AgentID:  agentID,
		Action:   "authentication_success",
		Resource: "session",
		Success:  true,
		Details:  map[string]interface{}{"sessionId": sessionID},
	})
	s.logger.Infow("agent authenticated", "agentId", agentID, "sessionId", sessionID)

	return &AuthResult{Success: true, Identity: identity, SessionID: sessionID}
}

func (s *Service) failAuthentication(agentID, reason string) *AuthResult {
	s.audit.Append(audit.Entry{
		AgentID:  agentID,
		Action:   "authentication_failed",
		Resource: "session",
		Success:  false,
		Details:  map[string]interface{}{"error": reason},
	})
	s.logger.Warnw("agent authentication failed", "agentId", agentID, "error", reason)
	return &AuthResult{Success: false, Error: reason}
}

// EstablishSecureChannel opens an A2A connection to the target agent.
// Handshake failures propagate as errors.
func (s *Service) EstablishSecureChannel(ctx context.Context, targetAgentID string, level a2a.SecurityLevel) (*a2a.Connection, error) {
	conn, err := s.comm.InitializeConnection(ctx, targetAgentID, level)
	if err != nil {
		s.audit.Append(audit.Entry{
			AgentID:  targetAgentID,
			Action:   "channel_failed",
			Resource: "channel",
			Success:  false,
			Details:  map[string]interface{}{"error": err.Error(), "securityLevel": string(level)},
		})
		return nil, err
	}

	s.audit.Append(audit.Entry{
		AgentID:  targetAgentID,
		Action:   "channel_established",
		Resource: "channel",
		Success:  true,
		Details:  map[string]interface{}{"securityLevel": string(level), "hasTls": conn.HasTLS()},
	})
	return conn, nil
}

// SendSecureMessage delivers a payload over an established channel.
// The rate limiter is consulted before any transport work; a rate-limit
// rejection or missing connection is an error, while a delivery failure
// is an unsuccessful outcome.
func (s *Service) SendSecureMessage(ctx context.Context, targetAgentID string, msgType a2a.MessageType, payload interface{}, opts *a2a.SendOptions) (*SendOutcome, error) {
	if err := s.limiter.Allow(targetAgentID); err != nil {
		s.audit.Append(audit.Entry{
			AgentID:  targetAgentID,
			Action:   "message_rate_limited",
			Resource: "message",
			Success:  false,
			Details:  map[string]interface{}{"type": string(msgType)},
		})
		s.logger.Warnw("message blocked by rate limiter", "targetAgentId", targetAgentID, "type", msgType)
		return nil, err
	}

	result, err := s.comm.SendMessage(ctx, targetAgentID, msgType, payload, opts)
	if err != nil {
		s.audit.Append(audit.Entry{
			AgentID:  targetAgentID,
			Action:   "message_failed",
			Resource: "message",
			Success:  false,
			Details:  map[string]interface{}{"type": string(msgType), "error": err.Error()},
		})
		var noConn *a2a.NoActiveConnectionError
		if errors.As(err, &noConn) {
			return nil, err
		}
		return &SendOutcome{Success: false, Timestamp: time.Now(), Error: err.Error()}, nil
	}

	s.audit.Append(audit.Entry{
		AgentID:  targetAgentID,
		Action:   "message_sent",
		Resource: "message",
		Success:  true,
		Details:  map[string]interface{}{"type": string(msgType), "messageId": result.MessageID, "encrypted": result.Encrypted},
	})

	return &SendOutcome{
		Success:   true,
		MessageID: result.MessageID,
		Timestamp: result.Timestamp,
		Response:  result.Response,
		Encrypted: result.Encrypted,
	}, nil
}

// PerformHealthCheck probes the target over the established channel and
// measures wall-clock round-trip time.
func (s *Service) PerformHealthCheck(ctx context.Context, targetAgentID string) *HealthStatus {
	start := time.Now()
	outcome, err := s.SendSecureMessage(ctx, targetAgentID, a2a.TypeHealthCheck, map[string]interface{}{"probe": "ping"}, nil)
	elapsed := time.Since(start)

	status := "healthy"
	if err != nil || !outcome.Success {
		status = "unhealthy"
	}

	s.audit.Append(audit.Entry{
		AgentID:  targetAgentID,
		Action:   "health_check",
		Resource: "agent",
		Success:  status == "healthy",
		Details:  map[string]interface{}{"responseTimeMs": elapsed.Milliseconds()},
	})

	return &HealthStatus{
		Service:      targetAgentID,
		Status:       status,
		ResponseTime: elapsed,
		LastCheck:    time.Now(),
	}
}

// SecurityMetrics aggregates the audit trail into the metrics view.
func (s *Service) SecurityMetrics() SecurityMetrics {
	return ComputeMetrics(s.audit.Snapshot())
}

// RateLimitStatus exposes an agent's current window state.
func (s *Service) RateLimitStatus(agentID string) (RateLimitInfo, bool) {
	return s.limiter.Status(agentID)
}

// BlockAgent rejects all traffic to the agent until UnblockAgent.
func (s *Service) BlockAgent(agentID string) {
	s.limiter.Block(agentID)
	s.audit.Append(audit.Entry{
		AgentID:  agentID,
		Action:   "agent_blocked",
		Resource: "rate_limit",
		Success:  true,
	})
}

// UnblockAgent lifts a block.
func (s *Service) UnblockAgent(agentID string) {
	s.limiter.Unblock(agentID)
	s.audit.Append(audit.Entry{
		AgentID:  agentID,
		Action:   "agent_unblocked",
		Resource: "rate_limit",
		Success:  true,
	})
}

// AuditLog exposes the underlying audit trail.
func (s *Service) AuditLog() *audit.Log { return s.audit }

// Close releases provider resources.
func (s *Service) Close() {
	s.oauth.Close()
}

package oauth

import (
	"crypto/subtle"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vantagepay/agentmesh/internal/config"
	"github.com/vantagepay/agentmesh/internal/logging"
)

var (
	defaultScopes     = []string{"read", "write"}
	defaultGrantTypes = []string{"authorization_code", "refresh_token"}
)

// Provider is the embedded OAuth2 authorization server: client
// registry, PKCE authorization codes, and the access/refresh token
// stores. All state is in-memory for the process lifetime.
type Provider struct {
	cfg    config.OAuthConfig
	keys   *KeyManager
	logger *zap.SugaredLogger

	mu            sync.Mutex
	clients       map[string]*Client
	codes         map[string]*AuthorizationCode
	accessTokens  map[string]*tokenRecord
	refreshTokens map[string]*tokenRecord

	done      chan struct{}
	closeOnce sync.Once
}

// NewProvider builds a provider and starts the expiry sweep. Close must
// be called on shutdown to stop it.
func NewProvider(cfg config.OAuthConfig, keys *KeyManager, logger *zap.SugaredLogger) *Provider {
	if logger == nil {
		logger = logging.Nop()
	}
	p := &Provider{
		cfg:           cfg,
		keys:          keys,
		logger:        logger,
		clients:       make(map[string]*Client),
		codes:         make(map[string]*AuthorizationCode),
		accessTokens:  make(map[string]*tokenRecord),
		refreshTokens: make(map[string]*tokenRecord),
		done:          make(chan struct{}),
	}
	go p.cleanupLoop()
	return p
}

// Close stops the cleanup sweep. Safe to call more than once.
func (p *Provider) Close() {
	p.closeOnce.Do(func() { close(p.done) })
}

func (p *Provider) cleanupLoop() {
	interval := p.cfg.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.removeExpired()
		case <-p.done:
			return
		}
	}
}

func (p *Provider) removeExpired() {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for code, record := range p.codes {
		if now.After(record.ExpiresAt) {
			delete(p.codes, code)
			removed++
		}
	}
	for token, record := range p.accessTokens {
		if now.After(record.ExpiresAt) {
			delete(p.accessTokens, token)
			removed++
		}
	}
	for token, record := range p.refreshTokens {
		if now.After(record.ExpiresAt) {
			delete(p.refreshTokens, token)
			removed++
		}
	}

	if removed > 0 {
		p.logger.Debugw("expired oauth state removed", "count", removed)
	}
}

// RegisterClient creates a new client with generated credentials.
// Scopes and grant types default when omitted.
func (p *Provider) RegisterClient(reg ClientRegistration) (*Client, error) {
	clientID, err := RandomString(18)
	if err != nil {
		return nil, fmt.Errorf("generating client_id: %w", err)
	}
	clientSecret, err := RandomString(48)
	if err != nil {
		return nil, fmt.Errorf("generating client_secret: %w", err)
	}

	scopes := reg.Scopes
	if len(scopes) == 0 {
		scopes = append([]string(nil), defaultScopes...)
	}
	grantTypes := reg.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = append([]string(nil), defaultGrantTypes...)
	}

	client := &Client{
		ClientID:     "client_" + clientID,
		ClientSecret: clientSecret,
		Name:         reg.Name,
		RedirectURIs: append([]string(nil), reg.RedirectURIs...),
		Scopes:       scopes,
		GrantTypes:   grantTypes,
		IsActive:     true,
		CreatedAt:    time.Now(),
	}

	p.mu.Lock()
	p.clients[client.ClientID] = client
	p.mu.Unlock()

	p.logger.Infow("oauth client registered", "clientId", client.ClientID, "name", client.Name)
	return client, nil
}

// GetClient returns the client record, or nil when unknown.
func (p *Provider) GetClient(clientID string) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clients[clientID]
}

// DeactivateClient flips IsActive off. Unknown clients are a no-op.
func (p *Provider) DeactivateClient(clientID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if client, ok := p.clients[clientID]; ok {
		client.IsActive = false
	}
}

// GenerateAuthorizationURL validates the request, persists a one-time
// code bound to the PKCE challenge, and returns the authorization URL
// together with the code.
func (p *Provider) GenerateAuthorizationURL(req AuthorizationRequest) (*AuthorizationGrant, error) {
	p.mu.Lock()
	client, ok := p.clients[req.ClientID]
	p.mu.Unlock()
	if !ok || !client.IsActive {
		return nil, ErrInvalidClient
	}

	if !contains(client.RedirectURIs, req.RedirectURI) {
		return nil, ErrInvalidRedirectURI
	}

	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = client.Scopes
	}

	code, err := RandomString(32)
	if err != nil {
		return nil, fmt.Errorf("generating authorization code: %w", err)
	}

	record := &AuthorizationCode{
		Code:          code,
		ClientID:      req.ClientID,
		RedirectURI:   req.RedirectURI,
		Scope:         append([]string(nil), scopes...),
		CodeChallenge: ChallengeS256(req.CodeVerifier),
		ExpiresAt:     time.Now().Add(p.cfg.AuthCodeTTL),
	}

	p.mu.Lock()
	p.codes[code] = record
	p.mu.Unlock()

	q := url.Values{}
	q.Set("client_id", req.ClientID)
	q.Set("response_type", "code")
	q.Set("scope", strings.Join(scopes, " "))
	q.Set("code_challenge_method", "S256")
	if req.State != "" {
		q.Set("state", req.State)
	}

	return &AuthorizationGrant{
		AuthorizationURL: p.cfg.AuthorizationEndpoint + "?" + q.Encode(),
		Code:             code,
		ExpiresAt:        record.ExpiresAt,
	}, nil
}

// ExchangeCodeForToken consumes a one-time authorization code and
// issues an access/refresh token pair. The code is deleted whether or
// not the remaining checks pass, so it can never be replayed.
func (p *Provider) ExchangeCodeForToken(code, clientID, clientSecret, redirectURI, codeVerifier string) (*TokenPair, error) {
	p.mu.Lock()
	client, ok := p.clients[clientID]
	if !ok || !client.IsActive {
		p.mu.Unlock()
		return nil, ErrInvalidClient
	}
	if subtle.ConstantTimeCompare([]byte(client.ClientSecret), []byte(clientSecret)) != 1 {
		p.mu.Unlock()
		return nil, ErrInvalidClientSecret
	}

	record, ok := p.codes[code]
	if ok {
		delete(p.codes, code)
	}
	p.mu.Unlock()

	if !ok || time.Now().After(record.ExpiresAt) {
		return nil, ErrInvalidOrExpiredCode
	}
	if record.ClientID != clientID {
		return nil, ErrInvalidOrExpiredCode
	}
	if record.RedirectURI != redirectURI {
		return nil, ErrInvalidRedirectURI
	}
	if ChallengeS256(codeVerifier) != record.CodeChallenge {
		return nil, ErrInvalidCodeVerifier
	}

	return p.issueTokens(clientID, record.Scope)
}

// RefreshAccessToken rotates the refresh token: the prior token is
// invalidated immediately and a fresh pair is issued.
func (p *Provider) RefreshAccessToken(refreshToken string) (*TokenPair, error) {
	p.mu.Lock()
	record, ok := p.refreshTokens[refreshToken]
	if ok {
		delete(p.refreshTokens, refreshToken)
	}
	p.mu.Unlock()

	if !ok || time.Now().After(record.ExpiresAt) {
		return nil, ErrInvalidRefreshToken
	}

	return p.issueTokens(record.ClientID, record.Scope)
}

// ValidateToken checks an access token against the store. Expiry is
// checked before anything else about the token's content matters.
func (p *Provider) ValidateToken(accessToken string) (*AgentIdentity, error) {
	p.mu.Lock()
	record, ok := p.accessTokens[accessToken]
	var client *Client
	if ok {
		client = p.clients[record.ClientID]
	}
	p.mu.Unlock()

	if !ok {
		return nil, ErrInvalidToken
	}
	if time.Now().After(record.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	identity := &AgentIdentity{
		ClientID:  record.ClientID,
		Scopes:    append([]string(nil), record.Scope...),
		IssuedAt:  record.IssuedAt,
		ExpiresAt: record.ExpiresAt,
	}
	if client != nil {
		identity.Name = client.Name
	}
	return identity, nil
}

// RevokeToken removes a token from both stores. Unknown tokens are not
// an error.
func (p *Provider) RevokeToken(token string) {
	p.mu.Lock()
	delete(p.accessTokens, token)
	delete(p.refreshTokens, token)
	p.mu.Unlock()
}

func (p *Provider) issueTokens(clientID string, scope []string) (*TokenPair, error) {
	now := time.Now()
	accessExpiry := now.Add(p.cfg.AccessTokenTTL)

	claims := jwt.MapClaims{
		"iss":       p.cfg.Issuer,
		"sub":       clientID,
		"iat":       now.Unix(),
		"exp":       accessExpiry.Unix(),
		"jti":       uuid.New().String(),
		"scope":     strings.Join(scope, " "),
		"client_id": clientID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = p.keys.KID()

	accessToken, err := token.SignedString(p.keys.PrivateKey())
	if err != nil {
		return nil, fmt.Errorf("signing access token: %w", err)
	}

	refreshToken, err := RandomString(48)
	if err != nil {
		return nil, fmt.Errorf("generating refresh token: %w", err)
	}

	p.mu.Lock()
	p.accessTokens[accessToken] = &tokenRecord{
		ClientID:  clientID,
		Scope:     append([]string(nil), scope...),
		IssuedAt:  now,
		ExpiresAt: accessExpiry,
	}
	p.refreshTokens[refreshToken] = &tokenRecord{
		ClientID:  clientID,
		Scope:     append([]string(nil), scope...),
		IssuedAt:  now,
		ExpiresAt: now.Add(p.cfg.RefreshTokenTTL),
	}
	p.mu.Unlock()

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(p.cfg.AccessTokenTTL.Seconds()),
		Scope:        append([]string(nil), scope...),
	}, nil
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

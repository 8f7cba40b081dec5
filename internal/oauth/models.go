package oauth

import "time"

// Client represents a registered OAuth client. Immutable after
// registration except for IsActive.
type Client struct {
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret"`
	Name         string    `json:"name"`
	RedirectURIs []string  `json:"redirect_uris"`
	Scopes       []string  `json:"scopes"`
	GrantTypes   []string  `json:"grant_types"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuthorizationCode is a one-time code pending exchange.
type AuthorizationCode struct {
	Code          string
	ClientID      string
	RedirectURI   string
	Scope         []string
	CodeChallenge string
	ExpiresAt     time.Time
}

// tokenRecord is the authoritative in-memory state for an issued access
// or refresh token, keyed by the opaque token string.
type tokenRecord struct {
	ClientID  string
	Scope     []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// AgentIdentity is returned by ValidateToken for a live access token.
type AgentIdentity struct {
	ClientID  string    `json:"client_id"`
	Name      string    `json:"name"`
	Scopes    []string  `json:"scopes"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenPair is the result of a code exchange or refresh.
type TokenPair struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	ExpiresIn    int      `json:"expires_in"`
	Scope        []string `json:"scope"`
}

// ClientRegistration carries caller-supplied registration fields.
// Scopes and GrantTypes default when omitted.
type ClientRegistration struct {
	Name         string
	RedirectURIs []string
	Scopes       []string
	GrantTypes   []string
}

// AuthorizationRequest asks for a one-time code bound to a PKCE
// verifier.
type AuthorizationRequest struct {
	ClientID     string
	RedirectURI  string
	Scopes       []string
	State        string
	CodeVerifier string
}

// AuthorizationGrant is the result of GenerateAuthorizationURL: the
// browser-facing URL plus the code the embedded flow hands straight to
// the exchange step.
type AuthorizationGrant struct {
	AuthorizationURL string
	Code             string
	ExpiresAt        time.Time
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full agent-server configuration.
type Config struct {
	AgentID    string
	ListenAddr string
	LogLevel   string

	OAuth    OAuthConfig
	MTLS     MTLSConfig
	Security SecurityConfig
	Comm     CommConfig
	Audit    AuditConfig
	Redis    RedisConfig
}

// OAuthConfig holds authorization-server settings.
type OAuthConfig struct {
	Issuer                string
	AuthorizationEndpoint string
	AccessTokenTTL        time.Duration
	RefreshTokenTTL       time.Duration
	AuthCodeTTL           time.Duration
	CleanupInterval       time.Duration
	SigningKeyPath        string
	SigningKeyBits        int
}

// MTLSConfig holds certificate-authority settings.
type MTLSConfig struct {
	CertPath         string
	ValidityDays     int
	KeyBits          int
	CACommonName     string
	ExpiryWarnWindow time.Duration
}

// SecurityConfig holds per-agent rate-limit thresholds and request
// filtering lists.
type SecurityConfig struct {
	RequestsPerMinute int
	RequestsPerHour   int
	RequestsPerDay    int
	AllowedIPs        []string
	AllowedUserAgents []string
}

// CommConfig holds outbound A2A transport settings.
type CommConfig struct {
	RequestTimeout time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
}

// AuditConfig holds optional audit archive and event fanout settings.
// Empty values disable the corresponding backend.
type AuditConfig struct {
	PostgresURL  string
	AMQPURL      string
	AMQPExchange string
}

// RedisConfig holds the optional Redis backend for the replay cache.
type RedisConfig struct {
	URL string
}

// Load builds the configuration from environment variables, then applies
// the optional YAML overlay named by AGENTMESH_CONFIG_FILE.
func Load() (*Config, error) {
	agentID := strings.TrimSpace(os.Getenv("AGENTMESH_AGENT_ID"))
	if agentID == "" {
		return nil, fmt.Errorf("AGENTMESH_AGENT_ID is required")
	}

	issuer := strings.TrimSpace(os.Getenv("OAUTH_ISSUER"))
	if issuer == "" {
		issuer = "https://auth.agentmesh.local"
	}
	issuer = strings.TrimRight(issuer, "/")

	cfg := &Config{
		AgentID:    agentID,
		ListenAddr: envString("AGENTMESH_LISTEN_ADDR", ":8443"),
		LogLevel:   envString("AGENTMESH_LOG_LEVEL", "info"),
		OAuth: OAuthConfig{
			Issuer:                issuer,
			AuthorizationEndpoint: envString("OAUTH_AUTHORIZATION_ENDPOINT", issuer+"/oauth/authorize"),
			AccessTokenTTL:        envDuration("OAUTH_ACCESS_TOKEN_TTL", time.Hour),
			RefreshTokenTTL:       envDuration("OAUTH_REFRESH_TOKEN_TTL", 30*24*time.Hour),
			AuthCodeTTL:           envDuration("OAUTH_AUTH_CODE_TTL", 10*time.Minute),
			CleanupInterval:       envDuration("OAUTH_CLEANUP_INTERVAL", 5*time.Minute),
			SigningKeyPath:        os.Getenv("OAUTH_SIGNING_KEY_PATH"),
			SigningKeyBits:        envInt("OAUTH_SIGNING_KEY_BITS", 2048),
		},
		MTLS: MTLSConfig{
			CertPath:         envString("MTLS_CERT_PATH", "./certs"),
			ValidityDays:     envInt("MTLS_CERT_VALIDITY_DAYS", 365),
			KeyBits:          envInt("MTLS_KEY_BITS", 2048),
			CACommonName:     envString("MTLS_CA_COMMON_NAME", "AgentMesh Root CA"),
			ExpiryWarnWindow: envDuration("MTLS_EXPIRY_WARN_WINDOW", 7*24*time.Hour),
		},
		Security: SecurityConfig{
			RequestsPerMinute: envInt("SECURITY_REQUESTS_PER_MINUTE", 60),
			RequestsPerHour:   envInt("SECURITY_REQUESTS_PER_HOUR", 1000),
			RequestsPerDay:    envInt("SECURITY_REQUESTS_PER_DAY", 10000),
			AllowedIPs:        envList("SECURITY_ALLOWED_IPS"),
			AllowedUserAgents: envList("SECURITY_ALLOWED_USER_AGENTS"),
		},
		Comm: CommConfig{
			RequestTimeout: envDuration("A2A_REQUEST_TIMEOUT", 30*time.Second),
			MaxRetries:     envInt("A2A_MAX_RETRIES", 3),
			RetryDelay:     envDuration("A2A_RETRY_DELAY", time.Second),
		},
		Audit: AuditConfig{
			PostgresURL:  os.Getenv("AUDIT_DATABASE_URL"),
			AMQPURL:      os.Getenv("AUDIT_AMQP_URL"),
			AMQPExchange: envString("AUDIT_AMQP_EXCHANGE", "agentmesh.audit"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
	}

	if path := os.Getenv("AGENTMESH_CONFIG_FILE"); path != "" {
		if err := applyOverlay(cfg, path); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// overlay mirrors the subset of Config that may be tuned from a YAML
// file. Pointers distinguish "absent" from zero values.
type overlay struct {
	ListenAddr *string `yaml:"listen_addr"`
	LogLevel   *string `yaml:"log_level"`
	Security   struct {
		RequestsPerMinute *int     `yaml:"requests_per_minute"`
		RequestsPerHour   *int     `yaml:"requests_per_hour"`
		RequestsPerDay    *int     `yaml:"requests_per_day"`
		AllowedIPs        []string `yaml:"allowed_ips"`
		AllowedUserAgents []string `yaml:"allowed_user_agents"`
	} `yaml:"security"`
	Comm struct {
		// Durations arrive as strings ("30s", "250ms").
		RequestTimeout *string `yaml:"request_timeout"`
		MaxRetries     *int    `yaml:"max_retries"`
		RetryDelay     *string `yaml:"retry_delay"`
	} `yaml:"communication"`
}

func applyOverlay(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config overlay %s: %w", path, err)
	}

	var o overlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return fmt.Errorf("parsing config overlay %s: %w", path, err)
	}

	if o.ListenAddr != nil {
		cfg.ListenAddr = *o.ListenAddr
	}
	if o.LogLevel != nil {
		cfg.LogLevel = *o.LogLevel
	}
	if o.Security.RequestsPerMinute != nil {
		cfg.Security.RequestsPerMinute = *o.Security.RequestsPerMinute
	}
	if o.Security.RequestsPerHour != nil {
		cfg.Security.RequestsPerHour = *o.Security.RequestsPerHour
	}
	if o.Security.RequestsPerDay != nil {
		cfg.Security.RequestsPerDay = *o.Security.RequestsPerDay
	}
	if len(o.Security.AllowedIPs) > 0 {
		cfg.Security.AllowedIPs = o.Security.AllowedIPs
	}
	if len(o.Security.AllowedUserAgents) > 0 {
		cfg.Security.AllowedUserAgents = o.Security.AllowedUserAgents
	}
	if o.Comm.RequestTimeout != nil {
		dur, err := time.ParseDuration(*o.Comm.RequestTimeout)
		if err != nil {
			return fmt.Errorf("parsing request_timeout in %s: %w", path, err)
		}
		cfg.Comm.RequestTimeout = dur
	}
	if o.Comm.MaxRetries != nil {
		cfg.Comm.MaxRetries = *o.Comm.MaxRetries
	}
	if o.Comm.RetryDelay != nil {
		dur, err := time.ParseDuration(*o.Comm.RetryDelay)
		if err != nil {
			return fmt.Errorf("parsing retry_delay in %s: %w", path, err)
		}
		cfg.Comm.RetryDelay = dur
	}
	return nil
}

func envString(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if dur, err := time.ParseDuration(val); err == nil {
			return dur
		}
	}
	return fallback
}

func envList(key string) []string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

package mtls

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vantagepay/agentmesh/internal/config"
	"github.com/vantagepay/agentmesh/internal/logging"
)

// CertStatus classifies a stored agent certificate.
type CertStatus string

const (
	StatusValid        CertStatus = "valid"
	StatusExpiringSoon CertStatus = "expiring_soon"
	StatusExpired      CertStatus = "expired"
)

// AgentCertificate is the full issued record for one agent.
type AgentCertificate struct {
	AgentID           string    `json:"agent_id"`
	PrivateKeyPEM     string    `json:"private_key_pem"`
	CertificatePEM    string    `json:"certificate_pem"`
	CACertificatePEM  string    `json:"ca_certificate_pem"`
	IssuedAt          time.Time `json:"issued_at"`
	ExpiresAt         time.Time `json:"expires_at"`
	SerialNumber      int64     `json:"serial_number"`
	OrganizationName  string    `json:"organization_name,omitempty"`
}

// AgentInfo carries optional subject fields for issuance.
type AgentInfo struct {
	Organization string
}

// Provider issues, validates, and revokes per-agent certificates signed
// by the embedded CA, and builds TLS configs from them.
type Provider struct {
	cfg    config.MTLSConfig
	ca     Authority
	logger *zap.SugaredLogger

	mu    sync.Mutex
	certs map[string]*AgentCertificate
	order []string
}

// NewProvider loads or creates the CA under cfg.CertPath. CA failures
// are fatal.
func NewProvider(cfg config.MTLSConfig, logger *zap.SugaredLogger) (*Provider, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	ca, err := loadOrCreateCA(cfg.CertPath, cfg.CACommonName, cfg.KeyBits)
	if err != nil {
		return nil, err
	}
	return &Provider{
		cfg:    cfg,
		ca:     ca,
		logger: logger,
		certs:  make(map[string]*AgentCertificate),
	}, nil
}

// IssueAgentCertificate returns the stored certificate when one exists
// and has not expired, otherwise signs a new one. Key generation runs
// outside the store lock so unrelated callers are not blocked; when two
// callers race for the same agent the first stored record wins.
func (p *Provider) IssueAgentCertificate(agentID string, info AgentInfo) (*AgentCertificate, error) {
	p.mu.Lock()
	if existing, ok := p.certs[agentID]; ok && time.Now().Before(existing.ExpiresAt) {
		p.mu.Unlock()
		p.logger.Debugw("using existing agent certificate", "agentId", agentID, "serial", existing.SerialNumber)
		return existing, nil
	}
	p.mu.Unlock()

	key, err := rsa.GenerateKey(rand.Reader, p.cfg.KeyBits)
	if err != nil {
		return nil, &AgentCertificateError{AgentID: agentID, Err: err}
	}

	subject := pkix.Name{CommonName: agentID}
	if info.Organization != "" {
		subject.Organization = []string{info.Organization}
	}

	notBefore := time.Now()
	notAfter := notBefore.AddDate(0, 0, p.cfg.ValidityDays)
	der, serial, err := p.ca.Issue(subject, &key.PublicKey, notBefore, notAfter)
	if err != nil {
		return nil, &AgentCertificateError{AgentID: agentID, Err: err}
	}

	record := &AgentCertificate{
		AgentID:          agentID,
		PrivateKeyPEM:    string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})),
		CertificatePEM:   string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		CACertificatePEM: string(p.ca.CertificatePEM()),
		IssuedAt:         notBefore,
		ExpiresAt:        notAfter,
		SerialNumber:     serial,
		OrganizationName: info.Organization,
	}

	p.mu.Lock()
	if racing, ok := p.certs[agentID]; ok && time.Now().Before(racing.ExpiresAt) {
		p.mu.Unlock()
		return racing, nil
	}
	if _, ok := p.certs[agentID]; !ok {
		p.order = append(p.order, agentID)
	}
	p.certs[agentID] = record
	p.mu.Unlock()

	if err := p.persist(record); err != nil {
		p.logger.Warnw("failed to persist agent certificate", "agentId", agentID, "error", err)
	}

	p.logger.Infow("agent certificate issued", "agentId", agentID, "serial", serial, "expiresAt", notAfter)
	return record, nil
}

// ValidateAgentCertificate reports whether the supplied PEM is a live
// certificate this CA issued to the named agent. Expected failures
// return false, never an error.
func (p *Provider) ValidateAgentCertificate(certificatePEM, agentID string) bool {
	block, _ := pem.Decode([]byte(certificatePEM))
	if block == nil {
		p.logger.Warnw("certificate validation failed", "agentId", agentID, "reason", "invalid PEM")
		return false
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		p.logger.Warnw("certificate validation failed", "agentId", agentID, "reason", "parse error", "error", err)
		return false
	}

	if !p.ca.VerifyChain(cert) {
		return false
	}
	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return false
	}
	if cert.Subject.CommonName != agentID {
		return false
	}

	p.mu.Lock()
	stored, ok := p.certs[agentID]
	p.mu.Unlock()
	if ok && stored.CertificatePEM != certificatePEM {
		return false
	}
	return true
}

// RevokeAgentCertificate drops the stored record and removes its files.
// Revoking an unknown agent is a no-op.
func (p *Provider) RevokeAgentCertificate(agentID string) error {
	p.mu.Lock()
	_, ok := p.certs[agentID]
	if ok {
		delete(p.certs, agentID)
		for i, id := range p.order {
			if id == agentID {
				p.order = append(p.order[:i], p.order[i+1:]...)
				break
			}
		}
	}
	p.mu.Unlock()

	if !ok {
		return nil
	}

	if err := os.RemoveAll(p.agentDir(agentID)); err != nil {
		return fmt.Errorf("removing certificate files for %s: %w", agentID, err)
	}
	p.logger.Infow("agent certificate revoked", "agentId", agentID)
	return nil
}

// CertificateStatus classifies the stored certificate, or returns ok
// false when none exists.
func (p *Provider) CertificateStatus(agentID string) (CertStatus, bool) {
	p.mu.Lock()
	record, ok := p.certs[agentID]
	p.mu.Unlock()
	if !ok {
		return "", false
	}

	now := time.Now()
	warnWindow := p.cfg.ExpiryWarnWindow
	if warnWindow <= 0 {
		warnWindow = 7 * 24 * time.Hour
	}
	switch {
	case now.After(record.ExpiresAt):
		return StatusExpired, true
	case record.ExpiresAt.Sub(now) <= warnWindow:
		return StatusExpiringSoon, true
	default:
		return StatusValid, true
	}
}

// TLSConfig builds a mutual-TLS config keyed to the certificate, with
// the CA as the trust root for both directions.
func (p *Provider) TLSConfig(record *AgentCertificate) (*tls.Config, error) {
	pair, err := tls.X509KeyPair([]byte(record.CertificatePEM), []byte(record.PrivateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("building key pair for %s: %w", record.AgentID, err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(record.CACertificatePEM)) {
		return nil, fmt.Errorf("loading CA certificate for %s", record.AgentID)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		RootCAs:      pool,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ListCertificates returns a snapshot in issuance order.
func (p *Provider) ListCertificates() []*AgentCertificate {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*AgentCertificate, 0, len(p.order))
	for _, id := range p.order {
		if record, ok := p.certs[id]; ok {
			out = append(out, record)
		}
	}
	return out
}

// CACertificatePEM exposes the root certificate for distribution.
func (p *Provider) CACertificatePEM() string {
	return string(p.ca.CertificatePEM())
}

func (p *Provider) agentDir(agentID string) string {
	return filepath.Join(p.cfg.CertPath, "agents", agentID)
}

func (p *Provider) persist(record *AgentCertificate) error {
	dir := p.agentDir(record.AgentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "agent.key"), []byte(record.PrivateKeyPEM), 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "agent.crt"), []byte(record.CertificatePEM), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "ca.crt"), []byte(record.CACertificatePEM), 0o644)
}

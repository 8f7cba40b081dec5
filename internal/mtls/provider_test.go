package mtls

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509/pkix"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantagepay/agentmesh/internal/config"
)

func testMTLSConfig(dir string) config.MTLSConfig {
	return config.MTLSConfig{
		CertPath:         dir,
		ValidityDays:     365,
		KeyBits:          2048,
		CACommonName:     "Test Root CA",
		ExpiryWarnWindow: 7 * 24 * time.Hour,
	}
}

func newTestMTLS(t *testing.T) *Provider {
	t.Helper()
	p, err := NewProvider(testMTLSConfig(t.TempDir()), nil)
	require.NoError(t, err)
	return p
}

func TestIssueAgentCertificate(t *testing.T) {
	p := newTestMTLS(t)

	cert, err := p.IssueAgentCertificate("payments-agent", AgentInfo{Organization: "VantagePay"})
	require.NoError(t, err)

	assert.Equal(t, "payments-agent", cert.AgentID)
	assert.Equal(t, "VantagePay", cert.OrganizationName)
	assert.GreaterOrEqual(t, cert.SerialNumber, int64(1))
	assert.Contains(t, cert.PrivateKeyPEM, "RSA PRIVATE KEY")
	assert.Contains(t, cert.CertificatePEM, "CERTIFICATE")
	assert.Equal(t, p.CACertificatePEM(), cert.CACertificatePEM)
	assert.True(t, cert.ExpiresAt.After(time.Now().AddDate(0, 0, 364)))
}

func TestIssueReturnsStoredCertificate(t *testing.T) {
	p := newTestMTLS(t)

	first, err := p.IssueAgentCertificate("payments-agent", AgentInfo{})
	require.NoError(t, err)
	second, err := p.IssueAgentCertificate("payments-agent", AgentInfo{})
	require.NoError(t, err)

	assert.Equal(t, first.SerialNumber, second.SerialNumber)
	assert.Equal(t, first.CertificatePEM, second.CertificatePEM)
}

func TestIssueReplacesExpiredCertificate(t *testing.T) {
	p := newTestMTLS(t)

	first, err := p.IssueAgentCertificate("payments-agent", AgentInfo{})
	require.NoError(t, err)

	p.mu.Lock()
	p.certs["payments-agent"].ExpiresAt = time.Now().Add(-time.Hour)
	p.mu.Unlock()

	second, err := p.IssueAgentCertificate("payments-agent", AgentInfo{})
	require.NoError(t, err)
	assert.Greater(t, second.SerialNumber, first.SerialNumber)
	assert.NotEqual(t, first.CertificatePEM, second.CertificatePEM)
}

func TestValidateAgentCertificate(t *testing.T) {
	p := newTestMTLS(t)

	cert, err := p.IssueAgentCertificate("payments-agent", AgentInfo{})
	require.NoError(t, err)

	assert.True(t, p.ValidateAgentCertificate(cert.CertificatePEM, "payments-agent"))
}

func TestValidateRejectsWrongAgent(t *testing.T) {
	p := newTestMTLS(t)

	cert, err := p.IssueAgentCertificate("payments-agent", AgentInfo{})
	require.NoError(t, err)

	assert.False(t, p.ValidateAgentCertificate(cert.CertificatePEM, "billing-agent"))
}

func TestValidateRejectsGarbagePEM(t *testing.T) {
	p := newTestMTLS(t)

	assert.False(t, p.ValidateAgentCertificate("not a certificate", "payments-agent"))
}

func TestValidateRejectsForeignCA(t *testing.T) {
	p := newTestMTLS(t)
	other := newTestMTLS(t)

	foreign, err := other.IssueAgentCertificate("payments-agent", AgentInfo{})
	require.NoError(t, err)

	assert.False(t, p.ValidateAgentCertificate(foreign.CertificatePEM, "payments-agent"))
}

// mintCert signs a certificate directly against the provider's CA with
// an arbitrary validity window.
func mintCert(t *testing.T, p *Provider, agentID string, notBefore, notAfter time.Time) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, _, err := p.ca.Issue(pkix.Name{CommonName: agentID}, &key.PublicKey, notBefore, notAfter)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

func TestValidateRejectsNotYetValidCertificate(t *testing.T) {
	p := newTestMTLS(t)

	certPEM := mintCert(t, p, "payments-agent", time.Now().Add(time.Hour), time.Now().Add(48*time.Hour))
	assert.False(t, p.ValidateAgentCertificate(certPEM, "payments-agent"))
}

func TestValidateRejectsExpiredCertificate(t *testing.T) {
	p := newTestMTLS(t)

	certPEM := mintCert(t, p, "payments-agent", time.Now().Add(-48*time.Hour), time.Now().Add(-time.Hour))
	assert.False(t, p.ValidateAgentCertificate(certPEM, "payments-agent"))
}

func TestValidateRejectsSupersededCertificate(t *testing.T) {
	p := newTestMTLS(t)

	old, err := p.IssueAgentCertificate("payments-agent", AgentInfo{})
	require.NoError(t, err)

	require.NoError(t, p.RevokeAgentCertificate("payments-agent"))
	_, err = p.IssueAgentCertificate("payments-agent", AgentInfo{})
	require.NoError(t, err)

	// The old certificate still chains to the CA and is inside its
	// validity window, but it no longer matches the stored record.
	assert.False(t, p.ValidateAgentCertificate(old.CertificatePEM, "payments-agent"))
}

func TestRevokeAgentCertificate(t *testing.T) {
	dir := t.TempDir()
	p, err := NewProvider(testMTLSConfig(dir), nil)
	require.NoError(t, err)

	_, err = p.IssueAgentCertificate("payments-agent", AgentInfo{})
	require.NoError(t, err)

	agentDir := filepath.Join(dir, "agents", "payments-agent")
	_, err = os.Stat(agentDir)
	require.NoError(t, err)

	require.NoError(t, p.RevokeAgentCertificate("payments-agent"))

	_, ok := p.CertificateStatus("payments-agent")
	assert.False(t, ok)
	_, err = os.Stat(agentDir)
	assert.True(t, os.IsNotExist(err))
}

func TestRevokeUnknownAgentIsNoop(t *testing.T) {
	p := newTestMTLS(t)
	assert.NoError(t, p.RevokeAgentCertificate("never-registered"))
}

func TestCertificateStatus(t *testing.T) {
	p := newTestMTLS(t)

	_, err := p.IssueAgentCertificate("payments-agent", AgentInfo{})
	require.NoError(t, err)

	status, ok := p.CertificateStatus("payments-agent")
	require.True(t, ok)
	assert.Equal(t, StatusValid, status)

	p.mu.Lock()
	p.certs["payments-agent"].ExpiresAt = time.Now().Add(time.Hour)
	p.mu.Unlock()
	status, _ = p.CertificateStatus("payments-agent")
	assert.Equal(t, StatusExpiringSoon, status)

	p.mu.Lock()
	p.certs["payments-agent"].ExpiresAt = time.Now().Add(-time.Hour)
	p.mu.Unlock()
	status, _ = p.CertificateStatus("payments-agent")
	assert.Equal(t, StatusExpired, status)
}

func TestTLSConfig(t *testing.T) {
	p := newTestMTLS(t)

	cert, err := p.IssueAgentCertificate("payments-agent", AgentInfo{})
	require.NoError(t, err)

	cfg, err := p.TLSConfig(cert)
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
	assert.Equal(t, tls.RequireAndVerifyClientCert, cfg.ClientAuth)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.NotNil(t, cfg.RootCAs)
	assert.NotNil(t, cfg.ClientCAs)
}

func TestCAReloadsFromDisk(t *testing.T) {
	dir := t.TempDir()

	first, err := NewProvider(testMTLSConfig(dir), nil)
	require.NoError(t, err)
	second, err := NewProvider(testMTLSConfig(dir), nil)
	require.NoError(t, err)

	assert.Equal(t, first.CACertificatePEM(), second.CACertificatePEM())
}

func TestSerialNumbersContinueAcrossReload(t *testing.T) {
	dir := t.TempDir()

	first, err := NewProvider(testMTLSConfig(dir), nil)
	require.NoError(t, err)
	certA, err := first.IssueAgentCertificate("alpha", AgentInfo{})
	require.NoError(t, err)

	second, err := NewProvider(testMTLSConfig(dir), nil)
	require.NoError(t, err)
	certB, err := second.IssueAgentCertificate("bravo", AgentInfo{})
	require.NoError(t, err)

	assert.Greater(t, certB.SerialNumber, certA.SerialNumber)
}

func TestListCertificatesIssuanceOrder(t *testing.T) {
	p := newTestMTLS(t)

	for _, id := range []string{"alpha", "bravo", "charlie"} {
		_, err := p.IssueAgentCertificate(id, AgentInfo{})
		require.NoError(t, err)
	}

	list := p.ListCertificates()
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].AgentID)
	assert.Equal(t, "bravo", list[1].AgentID)
	assert.Equal(t, "charlie", list[2].AgentID)
}

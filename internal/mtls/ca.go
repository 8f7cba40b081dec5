package mtls

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Authority is the minimal surface the rest of the package needs from a
// certificate authority, so the signing backend can be swapped.
type Authority interface {
	// Issue signs a certificate for the given subject and public key,
	// allocating the next serial number.
	Issue(subject pkix.Name, pub *rsa.PublicKey, notBefore, notAfter time.Time) ([]byte, int64, error)
	// VerifyChain reports whether the certificate was signed by this
	// authority. Time-window checks are the caller's concern.
	VerifyChain(cert *x509.Certificate) bool
	// Certificate returns the CA's own certificate.
	Certificate() *x509.Certificate
	// CertificatePEM returns the CA certificate in PEM form.
	CertificatePEM() []byte
}

// certificateAuthority is a self-signed RSA root with a monotonically
// incrementing serial counter, persisted under certPath/ca. The counter
// is written alongside the CA files so serials stay unique across
// restarts.
type certificateAuthority struct {
	key        *rsa.PrivateKey
	cert       *x509.Certificate
	certPEM    []byte
	serialPath string

	mu     sync.Mutex
	serial int64
}

const (
	caKeyFile    = "ca.key"
	caCertFile   = "ca.crt"
	caSerialFile = "ca.serial"
)

// loadOrCreateCA loads the CA key/cert pair from certPath/ca when both
// files exist, otherwise generates a new self-signed root and persists
// it. The serial counter restarts at 1 for a fresh CA.
func loadOrCreateCA(certPath, commonName string, keyBits int) (*certificateAuthority, error) {
	caDir := filepath.Join(certPath, "ca")
	keyPath := filepath.Join(caDir, caKeyFile)
	certFile := filepath.Join(caDir, caCertFile)
	serialPath := filepath.Join(caDir, caSerialFile)

	keyData, keyErr := os.ReadFile(keyPath)
	certData, certErr := os.ReadFile(certFile)
	if keyErr == nil && certErr == nil {
		ca, err := parseCA(keyData, certData)
		if err != nil {
			return nil, err
		}
		ca.serialPath = serialPath
		ca.serial = loadSerial(serialPath)
		return ca, nil
	}

	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("%w: generating key: %v", ErrCAGeneration, err)
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName, Organization: []string{"AgentMesh"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("%w: self-signing root: %v", ErrCAGeneration, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing root: %v", ErrCAGeneration, err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	if err := os.MkdirAll(caDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCAGeneration, err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("%w: persisting key: %v", ErrCAGeneration, err)
	}
	if err := os.WriteFile(certFile, certPEM, 0o644); err != nil {
		return nil, fmt.Errorf("%w: persisting certificate: %v", ErrCAGeneration, err)
	}

	return &certificateAuthority{key: key, cert: cert, certPEM: certPEM, serialPath: serialPath, serial: 1}, nil
}

func parseCA(keyPEM, certPEM []byte) (*certificateAuthority, error) {
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("%w: invalid key PEM", ErrCAGeneration)
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing key: %v", ErrCAGeneration, err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("%w: invalid certificate PEM", ErrCAGeneration)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing certificate: %v", ErrCAGeneration, err)
	}

	return &certificateAuthority{key: key, cert: cert, certPEM: certPEM, serial: 1}, nil
}

// loadSerial reads the persisted counter, falling back to 1 when the
// file is missing or unreadable. Falling back never reuses a serial
// within the current process.
func loadSerial(path string) int64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func (ca *certificateAuthority) Issue(subject pkix.Name, pub *rsa.PublicKey, notBefore, notAfter time.Time) ([]byte, int64, error) {
	ca.mu.Lock()
	ca.serial++
	serial := ca.serial
	if ca.serialPath != "" {
		if err := os.WriteFile(ca.serialPath, []byte(strconv.FormatInt(serial, 10)), 0o600); err != nil {
			ca.mu.Unlock()
			return nil, 0, fmt.Errorf("persisting serial counter: %w", err)
		}
	}
	ca.mu.Unlock()

	template := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      subject,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, pub, ca.key)
	if err != nil {
		return nil, 0, err
	}
	return der, serial, nil
}

func (ca *certificateAuthority) VerifyChain(cert *x509.Certificate) bool {
	if cert.Issuer.CommonName != ca.cert.Subject.CommonName {
		return false
	}
	return cert.CheckSignatureFrom(ca.cert) == nil
}

func (ca *certificateAuthority) Certificate() *x509.Certificate { return ca.cert }

func (ca *certificateAuthority) CertificatePEM() []byte { return ca.certPEM }

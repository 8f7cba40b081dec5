package oauth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// KeyManager holds the RSA key that signs access tokens, plus its JWKS
// key ID.
type KeyManager struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	kid        string
}

// LoadOrGenerateKeyManager parses the PEM key at path when present,
// otherwise generates a fresh key and persists it there. An empty path
// keeps the generated key in memory only.
func LoadOrGenerateKeyManager(path string, bits int) (*KeyManager, error) {
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			return newKeyManagerFromPEM(data)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading signing key %s: %w", path, err)
		}
	}

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}

	if path != "" {
		block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
			return nil, fmt.Errorf("persisting signing key %s: %w", path, err)
		}
	}

	return newKeyManager(key)
}

func newKeyManagerFromPEM(data []byte) (*KeyManager, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("invalid signing key PEM")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return newKeyManager(key)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("unable to parse RSA signing key")
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key is not RSA")
	}
	return newKeyManager(key)
}

func newKeyManager(key *rsa.PrivateKey) (*KeyManager, error) {
	pub := &key.PublicKey
	kid, err := computeKID(pub)
	if err != nil {
		return nil, err
	}
	return &KeyManager{privateKey: key, publicKey: pub, kid: kid}, nil
}

func (k *KeyManager) PrivateKey() *rsa.PrivateKey { return k.privateKey }

func (k *KeyManager) PublicKey() *rsa.PublicKey { return k.publicKey }

func (k *KeyManager) KID() string { return k.kid }

func computeKID(pub *rsa.PublicKey) (string, error) {
	derBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	sum := sha256.Sum256(derBytes)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

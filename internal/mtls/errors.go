package mtls

import (
	"errors"
	"fmt"
)

// ErrCAGeneration wraps fatal failures while creating or loading the
// root CA material.
var ErrCAGeneration = errors.New("ca certificate generation failed")

// AgentCertificateError reports a failed issuance for a specific agent.
type AgentCertificateError struct {
	AgentID string
	Err     error
}

func (e *AgentCertificateError) Error() string {
	return fmt.Sprintf("agent certificate generation failed for %s: %v", e.AgentID, e.Err)
}

func (e *AgentCertificateError) Unwrap() error { return e.Err }

// InvalidCertificateError reports a certificate that failed validation
// during a trust-sensitive operation.
type InvalidCertificateError struct {
	AgentID string
}

func (e *InvalidCertificateError) Error() string {
	return fmt.Sprintf("invalid certificate for agent %s", e.AgentID)
}

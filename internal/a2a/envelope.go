package a2a

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// MessageType enumerates the routable envelope types.
type MessageType string

const (
	TypePaymentRequest      MessageType = "payment_request"
	TypePaymentResponse     MessageType = "payment_response"
	TypeHealthCheck         MessageType = "health_check"
	TypeCustomerQuery       MessageType = "customer_query"
	TypeWebhookNotification MessageType = "webhook_notification"
)

// Envelope is the A2A wire message. Payload holds the ciphertext
// structure when Encrypted is set.
type Envelope struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
	Timestamp time.Time       `json:"timestamp"`
	Encrypted bool            `json:"encrypted,omitempty"`
}

// canonicalBytes is the byte string the HMAC covers. Field order is
// fixed; the signature field itself is excluded.
func (e *Envelope) canonicalBytes() []byte {
	header := fmt.Sprintf("%s|%s|%s|%s|%d|%t|", e.ID, e.From, e.To, e.Type, e.Timestamp.UnixNano(), e.Encrypted)
	return append([]byte(header), e.Payload...)
}

// Sign computes the envelope signature with the given key.
func (e *Envelope) Sign(key []byte) {
	mac := hmac.New(sha256.New, key)
	mac.Write(e.canonicalBytes())
	e.Signature = hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the signature with the given key. An empty
// signature never verifies.
func (e *Envelope) VerifySignature(key []byte) bool {
	if e.Signature == "" {
		return false
	}
	expected, err := hex.DecodeString(e.Signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(e.canonicalBytes())
	return hmac.Equal(mac.Sum(nil), expected)
}

// encryptedPayload is the Payload shape of an encrypted envelope. The
// GCM auth tag travels inside the sealed blob.
type encryptedPayload struct {
	Ciphertext string `json:"ciphertext"`
	Algorithm  string `json:"algorithm"`
}

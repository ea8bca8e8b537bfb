package line

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// SignatureHeader carries the request signature on webhook calls.
const SignatureHeader = "X-Line-Signature"

// ErrInvalidSignature is returned when a webhook body doesn't match its signature.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Event types handled by the service.
const (
	EventFollow   = "follow"
	EventUnfollow = "unfollow"
	EventMessage  = "message"
)

// Payload is a webhook request body.
type Payload struct {
	Destination string  `json:"destination"`
	Events      []Event `json:"events"`
}

// Event is a single webhook event.
type Event struct {
	Message    *Message `json:"message,omitempty"`
	Type       string   `json:"type"`
	ReplyToken string   `json:"replyToken,omitempty"`
	Source     Source   `json:"source"`
	Timestamp  int64    `json:"timestamp"`
}

// Source identifies who triggered an event.
type Source struct {
	Type   string `json:"type"`
	UserID string `json:"userId,omitempty"`
}

// Message is the message attached to a message event.
type Message struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Sign returns the base64 HMAC-SHA256 of body under the channel secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches body. The comparison is constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// ParseWebhook verifies and decodes a webhook body.
func ParseWebhook(secret string, body []byte, signature string) (*Payload, error) {
	if !VerifySignature(secret, body, signature) {
		return nil, ErrInvalidSignature
	}
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	return &p, nil
}

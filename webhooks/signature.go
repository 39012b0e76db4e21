package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Delivery headers.
const (
	HeaderSignature = "X-Autopay-Signature"
	HeaderTimestamp = "X-Autopay-Timestamp"
	HeaderEvent     = "X-Autopay-Event"
	HeaderDelivery  = "X-Autopay-Delivery"
)

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrStaleTimestamp   = errors.New("stale webhook timestamp")
)

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign. Receivers must pass the raw
// request body, not a re-encoded one.
func Verify(secret, signature string, body []byte) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return ErrMissingSignature
	}
	expected := Sign(secret, body)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyTimestamp rejects deliveries whose timestamp header is further than
// tolerance from now. Receivers use it to bound replays.
func VerifyTimestamp(header string, now time.Time, tolerance time.Duration) error {
	if header == "" {
		return ErrMissingSignature
	}
	ts, err := time.Parse(time.RFC3339, header)
	if err != nil {
		return ErrInvalidSignature
	}
	if now.Sub(ts) > tolerance || ts.Sub(now) > tolerance {
		return ErrStaleTimestamp
	}
	return nil
}

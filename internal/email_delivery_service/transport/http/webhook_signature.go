package http

import (
	"crypto/hmac"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"
)

var (
	ErrInvalidTimestamp       = errors.New("invalid webhook timestamp")
	ErrTimestampOutsideWindow = errors.New("webhook timestamp outside allowed window")
	ErrInvalidSignature       = errors.New("invalid webhook signature")
)

// SignatureWindow bounds how far a webhook timestamp may drift from the receiver's clock.
const SignatureWindow = 5 * time.Minute

// VerifyWebhookSignature checks a hex HMAC-SHA3-256 over "<timestamp>.<body>", where
// timestamp is the Unix seconds value of the timestamp header.
func VerifyWebhookSignature(secret, timestampHeader, signatureHeader string, body []byte, now time.Time) error {
	ts := strings.TrimSpace(timestampHeader)
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}
	sent := time.Unix(unix, 0).UTC()
	now = now.UTC()
	if sent.Before(now.Add(-SignatureWindow)) || sent.After(now.Add(SignatureWindow)) {
		return ErrTimestampOutsideWindow
	}

	provided, err := hex.DecodeString(strings.TrimSpace(signatureHeader))
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(provided, webhookMAC(secret, ts, body)) {
		return ErrInvalidSignature
	}
	return nil
}

// SignWebhook returns the hex signature a sender must put in the signature header.
func SignWebhook(secret, timestampHeader string, body []byte) string {
	return hex.EncodeToString(webhookMAC(secret, strings.TrimSpace(timestampHeader), body))
}

func webhookMAC(secret, ts string, body []byte) []byte {
	mac := hmac.New(sha3.New256, []byte(secret))
	_, _ = mac.Write([]byte(ts))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}

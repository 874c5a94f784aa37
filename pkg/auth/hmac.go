// Package auth implements symmetric request authentication for the outbox
// transport: an HMAC-SHA256 signature over "<unix_ts>.<raw body>" carried in
// request headers, verified before any store mutation.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Header names for the signature scheme.
const (
	HeaderSignature = "X-Outbox-Signature"
	HeaderTimestamp = "X-Outbox-Timestamp"
)

// DefaultSkew is how stale a signed request may be before it is rejected.
const DefaultSkew = 180 * time.Second

// Sign computes the hex HMAC-SHA256 of "<ts>.<body>" under secret.
func Sign(secret string, body []byte, ts string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature against the body and timestamp. Requests older
// (or newer) than skew are rejected regardless of the signature. An empty
// secret disables verification, for dev and private hosts.
func Verify(secret string, body []byte, ts, sig string, skew time.Duration, now time.Time) bool {
	if secret == "" {
		return true
	}
	tsInt, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	age := now.Unix() - tsInt
	if age < 0 {
		age = -age
	}
	if age > int64(skew.Seconds()) {
		return false
	}
	expected := Sign(secret, body, ts)
	return hmac.Equal([]byte(expected), []byte(sig))
}

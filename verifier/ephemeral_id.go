package verifier

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"time"
)

// EphemeralIDValidity is how long a generated ephemeral ID stays usable.
// Status-polling URLs embed a fresh one on every poll, so the window can be
// short; it only needs to cover the redirect to the wallet.
const EphemeralIDValidity = 10 * time.Second

// GenerateEphemeralID computes HMAC-SHA256(secret, "<token>|<RFC3339 time>").
// Carrying the HMAC instead of the bare token in polling URLs keeps session
// tokens out of reach of an observer who can only see the URL.
func GenerateEphemeralID(secret []byte, token SessionToken, t time.Time) []byte {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s|%s", token, t.Format(time.RFC3339))
	return mac.Sum(nil)
}

// VerifyEphemeralID recomputes the HMAC for the claimed token and timestamp.
// Staleness is checked first: it is cheap, and rejecting expired IDs before
// the HMAC comparison limits what an abuser can make the server compute.
func VerifyEphemeralID(secret []byte, token SessionToken, ephemeralID []byte, t, now time.Time) error {
	if now.Sub(t) > EphemeralIDValidity {
		return ErrExpiredEphemeralID
	}
	if !hmac.Equal(ephemeralID, GenerateEphemeralID(secret, token, t)) {
		return ErrInvalidEphemeralID
	}
	return nil
}

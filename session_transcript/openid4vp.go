// Package session_transcript builds the canonical session transcript bytes
// that verifier and holder independently recompute and sign or MAC over
// (ISO/IEC 18013-5 9.1.5.1, ISO/IEC 18013-7 B.4.4). Any divergence between
// the two computations makes every signature fail closed.
package session_transcript

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

func sha256Sum(b []byte) []byte {
	hash := sha256.Sum256(b)
	return hash[:]
}

// OID4VPHandover builds the OpenID4VP session transcript:
// [null, null, [sha256(cbor([clientID, mdocNonce])), sha256(cbor([responseURI, mdocNonce])), nonce]].
// apu carries the holder's per-session mdoc generated nonce, base64url
// without padding (taken from the response JWE header).
func OID4VPHandover(nonce []byte, clientID, responseURI, apu string) ([]byte, error) {
	if len(nonce) == 0 {
		return nil, fmt.Errorf("nonce cannot be empty")
	}
	if clientID == "" {
		return nil, fmt.Errorf("clientID cannot be empty")
	}
	if responseURI == "" {
		return nil, fmt.Errorf("responseURI cannot be empty")
	}
	if apu == "" {
		return nil, fmt.Errorf("apu cannot be empty")
	}

	// nonce and mdocGeneratedNonce are tstr in the handover structure.
	nonceStr := string(nonce)

	mdocGeneratedNonce, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(apu)
	if err != nil {
		return nil, fmt.Errorf("failed to decode mdocGeneratedNonce: %w", err)
	}
	mdocGeneratedNonceStr := string(mdocGeneratedNonce)

	clientIDToHash, err := cbor.Marshal([]interface{}{clientID, mdocGeneratedNonceStr})
	if err != nil {
		return nil, fmt.Errorf("failed to encode clientID for hashing: %w", err)
	}

	responseURIToHash, err := cbor.Marshal([]interface{}{responseURI, mdocGeneratedNonceStr})
	if err != nil {
		return nil, fmt.Errorf("failed to encode responseURI for hashing: %w", err)
	}

	oid4vpHandover := []interface{}{
		nil, // DeviceEngagementBytes
		nil, // EReaderKeyBytes
		[]interface{}{ // OID4VPHandover
			sha256Sum(clientIDToHash),
			sha256Sum(responseURIToHash),
			nonceStr,
		},
	}

	transcript, err := cbor.Marshal(oid4vpHandover)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session transcript: %w", err)
	}
	return transcript, nil
}

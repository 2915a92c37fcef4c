package walletsim

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/kouzoh/kokukuma-disclosure/mdoc"
	"github.com/kouzoh/kokukuma-disclosure/openid4vp"
	"github.com/kouzoh/kokukuma-disclosure/session_transcript"
)

// WalletSession is the wallet's view of one authorization request: the parsed
// request object, the verifier's ephemeral encryption key, and the mdoc
// generated nonce this wallet minted for the exchange.
type WalletSession struct {
	Request   *openid4vp.RequestObject
	EncKey    *ecdsa.PublicKey
	MdocNonce string // base64url, no padding
}

// ParseAuthorizationRequest decodes a signed request object without verifying
// its signature (the simulated wallet trusts its verifier) and draws a fresh
// mdoc generated nonce.
func ParseAuthorizationRequest(jws string) (*WalletSession, error) {
	request := &openid4vp.RequestObject{}
	if _, _, err := jwt.NewParser().ParseUnverified(jws, request); err != nil {
		return nil, fmt.Errorf("failed to parse request object: %w", err)
	}

	jwks := request.ClientMetadata.JWKS
	if jwks == nil || len(jwks.Keys) == 0 {
		return nil, fmt.Errorf("request object carries no encryption key")
	}
	encKey, ok := jwks.Keys[0].Key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("encryption key is not an EC public key")
	}

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return &WalletSession{
		Request:   request,
		EncKey:    encKey,
		MdocNonce: base64.RawURLEncoding.EncodeToString(nonce),
	}, nil
}

// Transcript computes the OID4VP handover transcript both sides must agree
// on.
func (s *WalletSession) Transcript() ([]byte, error) {
	return session_transcript.OID4VPHandover(
		[]byte(s.Request.Nonce), s.Request.ClientID, s.Request.ResponseURI, s.MdocNonce)
}

// Respond encodes the device response as a vp_token and encrypts the
// authorization response to the verifier's ephemeral key, echoing the request
// state and carrying the mdoc generated nonce as apu.
func (s *WalletSession) Respond(deviceResponse *mdoc.DeviceResponse) (string, error) {
	responseBytes, err := cbor.Marshal(deviceResponse)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(openid4vp.AuthorizationResponse{
		VPToken: base64.RawURLEncoding.EncodeToString(responseBytes),
		State:   s.Request.State,
	})
	if err != nil {
		return "", err
	}

	apv := base64.RawURLEncoding.EncodeToString([]byte(s.Request.Nonce))
	return EncryptAuthorizationResponse(payload, s.EncKey, s.MdocNonce, apv)
}

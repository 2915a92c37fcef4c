// Package openid4vp implements the OpenID4VP envelope handling on the
// verifier side: the signed authorization request (JAR), the encrypted
// direct_post.jwt response, and the wallet's structured error objects.
// https://openid.net/specs/openid-4-verifiable-presentations-1_0.html
package openid4vp

import (
	"github.com/kouzoh/kokukuma-disclosure/document"
	"gopkg.in/square/go-jose.v2"
)

type AuthorizationRequest struct {
	ClientID               string                          `json:"client_id"`
	ClientIDScheme         string                          `json:"client_id_scheme"`
	ResponseType           string                          `json:"response_type"`
	ResponseMode           string                          `json:"response_mode"`
	ResponseURI            string                          `json:"response_uri"`
	Nonce                  string                          `json:"nonce"`
	State                  string                          `json:"state,omitempty"`
	PresentationDefinition document.PresentationDefinition `json:"presentation_definition"`
	ClientMetadata         ClientMetadata                  `json:"client_metadata"`
}

type ClientMetadata struct {
	AuthorizationEncryptedResponseAlg string              `json:"authorization_encrypted_response_alg"`
	AuthorizationEncryptedResponseEnc string              `json:"authorization_encrypted_response_enc"`
	JWKS                              *jose.JSONWebKeySet `json:"jwks,omitempty"`
	VPFormats                         map[string]any      `json:"vp_formats,omitempty"`
}

// NewClientMetadata advertises the ephemeral encryption key the wallet must
// encrypt its response to.
func NewClientMetadata(encryptionKey *jose.JSONWebKey) ClientMetadata {
	return ClientMetadata{
		AuthorizationEncryptedResponseAlg: "ECDH-ES",
		AuthorizationEncryptedResponseEnc: "A128CBC-HS256",
		JWKS: &jose.JSONWebKeySet{
			Keys: []jose.JSONWebKey{*encryptionKey},
		},
		VPFormats: map[string]any{
			"mso_mdoc": map[string]any{"alg": []string{"ES256"}},
		},
	}
}

type AuthorizationResponse struct {
	VPToken                string                           `json:"vp_token"`
	State                  string                           `json:"state"`
	PresentationSubmission *document.PresentationSubmission `json:"presentation_submission,omitempty"`

	// Agreement PartyUInfo / PartyVInfo from the response JWE protected
	// headers, https://datatracker.ietf.org/doc/html/rfc7518#section-4.6.1.2.
	// APU carries the holder's mdoc generated nonce.
	APU string `json:"-"`
	APV string `json:"-"`
}

// ErrorResponse is the structured error a wallet may post instead of a
// response JWE.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// ErrorAccessDenied is sent when the user refused disclosure.
const ErrorAccessDenied = "access_denied"

// WalletResponse is what arrives at the response_uri: exactly one of the
// response JWE or a structured error.
type WalletResponse struct {
	Response string
	Error    *ErrorResponse
}

// IsUserRefusal reports whether the wallet reported that the user refused to
// disclose.
func (w *WalletResponse) IsUserRefusal() bool {
	return w.Error != nil && w.Error.Error == ErrorAccessDenied
}

// VpResponse is returned to the wallet after the response was processed,
// carrying the redirect URI when the use case configures one.
type VpResponse struct {
	RedirectURI string `json:"redirect_uri,omitempty"`
}

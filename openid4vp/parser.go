package openid4vp

import (
	"crypto/ecdsa"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/kouzoh/kokukuma-disclosure/mdoc"
	"gopkg.in/square/go-jose.v2"
)

const formContentType = "application/x-www-form-urlencoded"

// ParseWalletResponse reads the form body POSTed to the response_uri and
// splits it into the response JWE or the wallet's structured error. A wallet
// that reports an error still gets a well-formed reply, so malformed input is
// the only parse failure.
func ParseWalletResponse(r *http.Request) (*WalletResponse, error) {
	if r == nil {
		return nil, fmt.Errorf("nil request")
	}

	contentType := strings.ToLower(r.Header.Get("Content-Type"))
	if !strings.HasPrefix(contentType, formContentType) {
		return nil, fmt.Errorf("invalid content type: %s", contentType)
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	defer r.Body.Close()

	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse form body: %w", err)
	}

	if errCode := values.Get("error"); errCode != "" {
		return &WalletResponse{
			Error: &ErrorResponse{
				Error:            errCode,
				ErrorDescription: values.Get("error_description"),
			},
		}, nil
	}

	response := values.Get("response")
	if response == "" {
		return nil, fmt.Errorf("response parameter is missing")
	}
	return &WalletResponse{Response: response}, nil
}

// DecryptAuthorizationResponse decrypts the direct_post.jwt JWE with the
// session's ephemeral private key and checks the echoed state in constant
// time. The apu/apv JWE headers are carried along; apu holds the mdoc
// generated nonce needed for the session transcript.
func DecryptAuthorizationResponse(jweString string, encKey *ecdsa.PrivateKey, expectedState string) (*AuthorizationResponse, error) {
	if encKey == nil {
		return nil, fmt.Errorf("nil encryption key")
	}

	jwe, err := jose.ParseEncrypted(jweString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse encrypted response: %w", err)
	}

	decrypted, err := jwe.Decrypt(encKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt response: %w", err)
	}

	var msg AuthorizationResponse
	if err := json.Unmarshal(decrypted, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse decrypted response: %w", err)
	}

	if expectedState != "" && !secureCompare(msg.State, expectedState) {
		return nil, fmt.Errorf("state mismatch")
	}

	if apu, ok := jwe.Header.ExtraHeaders["apu"].(string); ok {
		msg.APU = apu
	}
	if apv, ok := jwe.Header.ExtraHeaders["apv"].(string); ok {
		msg.APV = apv
	}

	return &msg, nil
}

// ParseDeviceResponse decodes the vp_token into an mdoc device response.
// EUDIW wallets encode without padding, the identity credential API with, so
// both are accepted.
func ParseDeviceResponse(ar *AuthorizationResponse) (*mdoc.DeviceResponse, error) {
	if ar == nil {
		return nil, fmt.Errorf("nil authorization response")
	}

	decoded, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(ar.VPToken)
	if err != nil {
		decoded, err = base64.URLEncoding.WithPadding(base64.StdPadding).DecodeString(ar.VPToken)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 vp_token: %w", err)
		}
	}

	var resp mdoc.DeviceResponse
	if err := cbor.Unmarshal(decoded, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device response: %w", err)
	}
	return &resp, nil
}

func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

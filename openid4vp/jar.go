package openid4vp

import (
	"crypto/ecdsa"
	"fmt"
	"net/url"

	"github.com/golang-jwt/jwt/v5"
)

// JWTSecuredAuthorizeRequest renders the universal link that points the
// wallet at the request_uri (JAR by reference, RFC 9101).
type JWTSecuredAuthorizeRequest struct {
	AuthorizeEndpoint string
	ClientID          string `json:"client_id"`
	RequestURI        string `json:"request_uri"`
}

func (a *JWTSecuredAuthorizeRequest) String() string {
	v := url.Values{}
	v.Set("client_id", a.ClientID)
	v.Set("request_uri", a.RequestURI)
	return fmt.Sprintf("%s?%s", a.AuthorizeEndpoint, v.Encode())
}

// RequestObject is the authorization request as a signed JWT.
type RequestObject struct {
	AuthorizationRequest
	jwt.RegisteredClaims
}

// Sign produces the ES256 request object JWT with the RP certificate chain in
// the x5c header, so the wallet can pin client_id to the certificate's DNS
// SAN (client_id_scheme x509_san_dns).
func (c *RequestObject) Sign(sigKey *ecdsa.PrivateKey, certChain []string) (string, error) {
	if sigKey == nil {
		return "", fmt.Errorf("signing key is nil")
	}
	if len(certChain) == 0 {
		return "", fmt.Errorf("certificate chain is empty")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, c)
	token.Header["typ"] = "oauth-authz-req+jwt"
	token.Header["x5c"] = certChain

	return token.SignedString(sigKey)
}

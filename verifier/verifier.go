// Package verifier implements the relying party side of an attribute
// disclosure session: a typestate session machine over a pluggable store,
// driven by the holder's OpenID4VP round trips and backed by the mdoc
// verification in the mdoc package.
package verifier

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/kouzoh/kokukuma-disclosure/mdoc"
	"github.com/kouzoh/kokukuma-disclosure/openid4vp"
	"github.com/kouzoh/kokukuma-disclosure/session_transcript"
	"gopkg.in/square/go-jose.v2"
)

const (
	paramSessionType = "session_type"
	paramEphemeralID = "ephemeral_id"
	paramTime        = "time"

	clientIDSchemeX509SanDNS = "x509_san_dns"
	responseTypeVPToken      = "vp_token"
	responseModeDirectPost   = "direct_post.jwt"
)

// Verifier drives disclosure sessions. It holds no per-session state itself;
// everything lives in the session store.
type Verifier struct {
	useCases          UseCases
	store             SessionStore
	trustAnchors      *x509.CertPool
	ephemeralIDSecret []byte
	publicURL         *url.URL
	now               func() time.Time
}

type Option func(*Verifier)

// WithClock fixes the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

// New builds a Verifier. publicURL is the externally reachable base under
// which the request_uri and response_uri endpoints are served.
func New(useCases UseCases, store SessionStore, trustAnchors *x509.CertPool, ephemeralIDSecret []byte, publicURL string, opts ...Option) (*Verifier, error) {
	if len(useCases) == 0 {
		return nil, errors.New("verifier: no use cases configured")
	}
	if store == nil {
		return nil, errors.New("verifier: session store is required")
	}
	if len(ephemeralIDSecret) == 0 {
		return nil, errors.New("verifier: ephemeral ID secret is required")
	}
	base, err := url.Parse(publicURL)
	if err != nil {
		return nil, fmt.Errorf("verifier: invalid public URL: %w", err)
	}

	v := &Verifier{
		useCases:          useCases,
		store:             store,
		trustAnchors:      trustAnchors,
		ephemeralIDSecret: ephemeralIDSecret,
		publicURL:         base,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// NewSession starts a disclosure session in the Created phase. The return URL
// template must be present exactly when the use case's policy calls for one.
func (v *Verifier) NewSession(ctx context.Context, itemsRequests mdoc.ItemsRequests, usecaseID, returnURLTemplate string) (SessionToken, error) {
	if len(itemsRequests) == 0 {
		return "", ErrNoItemsRequests
	}

	useCase, ok := v.useCases[usecaseID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownUseCase, usecaseID)
	}

	wantsReturnURL := useCase.ReturnURL != ReturnURLNeither
	if wantsReturnURL != (returnURLTemplate != "") {
		return "", ErrReturnURLConfigurationMismatch
	}

	token := NewSessionToken()
	state := NewSessionState(token, Created{
		ItemsRequests:     itemsRequests,
		UseCaseID:         usecaseID,
		ClientID:          useCase.ClientID,
		ReturnURLTemplate: returnURLTemplate,
	}, v.now())

	if err := v.store.Write(ctx, state, true); err != nil {
		return "", err
	}
	return token, nil
}

// ProcessGetRequest handles the holder fetching the authorization request.
// The ephemeral ID is verified before the session is even loaded, so forged
// or stale links are rejected at HMAC cost; an ephemeral ID failure leaves
// the session in Created and the user can scan a fresh link. Every failure
// after that is terminal for the session.
func (v *Verifier) ProcessGetRequest(ctx context.Context, token SessionToken, query url.Values) (string, error) {
	sessionType, ephemeralID, issuedAt, err := parseEphemeralParams(query)
	if err != nil {
		return "", err
	}
	if err := VerifyEphemeralID(v.ephemeralIDSecret, token, ephemeralID, issuedAt, v.now()); err != nil {
		return "", err
	}

	state, err := v.getSession(ctx, token)
	if err != nil {
		return "", err
	}
	created, ok := state.Data.(Created)
	if !ok {
		return "", ErrUnexpectedState{Phase: state.Data.phase()}
	}

	jws, waiting, err := v.buildAuthorizationRequest(token, created, sessionType)
	if err != nil {
		v.failSession(ctx, state, created.Fail(err))
		return "", err
	}

	if err := v.store.Write(ctx, state.With(waiting, v.now()), false); err != nil {
		return "", err
	}
	return jws, nil
}

func (v *Verifier) buildAuthorizationRequest(token SessionToken, created Created, sessionType SessionType) (string, WaitingForResponse, error) {
	useCase, ok := v.useCases[created.UseCaseID]
	if !ok {
		return "", WaitingForResponse{}, fmt.Errorf("%w: %s", ErrUnknownUseCase, created.UseCaseID)
	}

	encKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", WaitingForResponse{}, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	encKeyDER, err := x509.MarshalECPrivateKey(encKey)
	if err != nil {
		return "", WaitingForResponse{}, fmt.Errorf("failed to encode encryption key: %w", err)
	}

	nonce, err := randomToken()
	if err != nil {
		return "", WaitingForResponse{}, err
	}
	requestState := uuid.New().String()
	responseURI := v.endpoint(token, "response_uri").String()

	var redirectURI *RedirectURI
	if useCase.ReturnURL.AppliesTo(sessionType) && created.ReturnURLTemplate != "" {
		redirectURI, err = newRedirectURI(created.ReturnURLTemplate, token)
		if err != nil {
			return "", WaitingForResponse{}, err
		}
	}

	request := openid4vp.AuthorizationRequest{
		ClientID:       created.ClientID,
		ClientIDScheme: clientIDSchemeX509SanDNS,
		ResponseType:   responseTypeVPToken,
		ResponseMode:   responseModeDirectPost,
		ResponseURI:    responseURI,
		Nonce:          nonce,
		State:          requestState,
		PresentationDefinition: openid4vp.PresentationDefinitionFromItemsRequests(
			uuid.New().String(), created.ItemsRequests),
		ClientMetadata: openid4vp.NewClientMetadata(&jose.JSONWebKey{
			Key:   &encKey.PublicKey,
			KeyID: string(token),
			Use:   "enc",
		}),
	}

	requestObject := openid4vp.RequestObject{
		AuthorizationRequest: request,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(v.now()),
		},
	}
	jws, err := requestObject.Sign(useCase.KeyPair.PrivateKey, useCase.KeyPair.Chain)
	if err != nil {
		return "", WaitingForResponse{}, fmt.Errorf("failed to sign authorization request: %w", err)
	}

	return jws, WaitingForResponse{
		AuthorizationRequest: jws,
		EncryptionKey:        encKeyDER,
		Nonce:                nonce,
		State:                requestState,
		ClientID:             created.ClientID,
		ResponseURI:          responseURI,
		ItemsRequests:        created.ItemsRequests,
		RedirectURI:          redirectURI,
	}, nil
}

// ProcessAuthorizationResponse handles the wallet's POST to the response_uri.
// A holder-reported error still gets an HTTP-success reply carrying the
// redirect URI: the error round trip itself must succeed so the wallet can
// hand the user back. Verification failures fail the session and surface the
// structured error to the caller; only its string rendering is stored.
func (v *Verifier) ProcessAuthorizationResponse(ctx context.Context, token SessionToken, walletResponse *openid4vp.WalletResponse) (*openid4vp.VpResponse, error) {
	state, err := v.getSession(ctx, token)
	if err != nil {
		return nil, err
	}
	waiting, ok := state.Data.(WaitingForResponse)
	if !ok {
		return nil, ErrUnexpectedState{Phase: state.Data.phase()}
	}

	vpResponse := &openid4vp.VpResponse{}
	if waiting.RedirectURI != nil {
		vpResponse.RedirectURI = waiting.RedirectURI.URI
	}

	if walletResponse.Error != nil {
		if walletResponse.IsUserRefusal() {
			if err := v.store.Write(ctx, state.With(waiting.Cancel(), v.now()), false); err != nil {
				return nil, err
			}
		} else {
			cause := fmt.Errorf("wallet error: %s: %s", walletResponse.Error.Error, walletResponse.Error.ErrorDescription)
			if err := v.store.Write(ctx, state.With(waiting.Fail(cause), v.now()), false); err != nil {
				return nil, err
			}
		}
		return vpResponse, nil
	}

	attrs, err := v.verifyWalletResponse(waiting, walletResponse.Response)
	if err != nil {
		v.failSession(ctx, state, waiting.Fail(err))
		return nil, err
	}

	if err := v.store.Write(ctx, state.With(waiting.Finish(attrs), v.now()), false); err != nil {
		return nil, err
	}
	return vpResponse, nil
}

func (v *Verifier) verifyWalletResponse(waiting WaitingForResponse, jwe string) (mdoc.DisclosedAttributes, error) {
	decryptionKey, err := waiting.DecryptionKey()
	if err != nil {
		return nil, err
	}
	authResponse, err := openid4vp.DecryptAuthorizationResponse(jwe, decryptionKey, waiting.State)
	if err != nil {
		return nil, err
	}

	deviceResponse, err := openid4vp.ParseDeviceResponse(authResponse)
	if err != nil {
		return nil, err
	}

	transcript, err := session_transcript.OID4VPHandover(
		[]byte(waiting.Nonce), waiting.ClientID, waiting.ResponseURI, authResponse.APU)
	if err != nil {
		return nil, err
	}

	readerKey, err := waiting.ReaderKey()
	if err != nil {
		return nil, err
	}

	attrs, err := mdoc.NewVerifier(v.trustAnchors, mdoc.WithCurrentTime(v.now())).
		VerifyDeviceResponse(deviceResponse, readerKey, transcript)
	if err != nil {
		return nil, err
	}

	if err := waiting.ItemsRequests.MatchAgainstResponse(deviceResponse); err != nil {
		return nil, err
	}
	return attrs, nil
}

// StatusResponse is the read path the frontend polls. For a Created session
// it also renders the universal link the wallet is pointed at, with a fresh
// ephemeral ID embedded in the request_uri.
type StatusResponse struct {
	Status        Status `json:"status"`
	UniversalLink string `json:"universal_link,omitempty"`
}

func (v *Verifier) StatusResponse(ctx context.Context, token SessionToken, sessionType SessionType, ulBase *url.URL) (*StatusResponse, error) {
	state, err := v.getSession(ctx, token)
	if err != nil {
		return nil, err
	}

	response := &StatusResponse{Status: state.Status()}
	if created, ok := state.Data.(Created); ok && ulBase != nil {
		response.UniversalLink = v.formatUniversalLink(token, created.ClientID, sessionType, ulBase)
	}
	return response, nil
}

func (v *Verifier) formatUniversalLink(token SessionToken, clientID string, sessionType SessionType, ulBase *url.URL) string {
	now := v.now()
	requestURI := v.endpoint(token, "request_uri")
	query := requestURI.Query()
	query.Set(paramSessionType, string(sessionType))
	query.Set(paramEphemeralID, hex.EncodeToString(GenerateEphemeralID(v.ephemeralIDSecret, token, now)))
	query.Set(paramTime, now.Format(time.RFC3339))
	requestURI.RawQuery = query.Encode()

	ul := openid4vp.JWTSecuredAuthorizeRequest{
		AuthorizeEndpoint: ulBase.String(),
		ClientID:          clientID,
		RequestURI:        requestURI.String(),
	}
	return ul.String()
}

// DisclosedAttributes returns the verified attributes of a successfully
// finished session. When the session bound a redirect URI nonce, the caller
// must present exactly that nonce.
func (v *Verifier) DisclosedAttributes(ctx context.Context, token SessionToken, redirectURINonce string) (mdoc.DisclosedAttributes, error) {
	state, err := v.getSession(ctx, token)
	if err != nil {
		return nil, err
	}
	done, ok := state.Data.(Done)
	if !ok || done.Result.Status != StatusDone {
		return nil, fmt.Errorf("%w: status %s", ErrSessionNotDone, state.Status())
	}

	expected := done.Result.RedirectURINonce
	if expected != "" {
		if redirectURINonce == "" {
			return nil, ErrRedirectURIMissing
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(redirectURINonce)) != 1 {
			return nil, ErrRedirectURIMismatch
		}
	}
	return done.Result.DisclosedAttributes, nil
}

func (v *Verifier) getSession(ctx context.Context, token SessionToken) (*SessionState, error) {
	state, err := v.store.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, token)
	}
	return state, nil
}

// failSession makes a verification failure terminal. The store write is
// best-effort here: the original failure is what the caller needs to see.
func (v *Verifier) failSession(ctx context.Context, state *SessionState, done Done) {
	if err := v.store.Write(ctx, state.With(done, v.now()), false); err != nil {
		log.Printf("Session(%s): failed to store terminal state: %v", state.Token, err)
	}
}

func (v *Verifier) endpoint(token SessionToken, name string) *url.URL {
	return v.publicURL.JoinPath("disclosure", string(token), name)
}

func parseEphemeralParams(query url.Values) (SessionType, []byte, time.Time, error) {
	sessionType, err := ParseSessionType(query.Get(paramSessionType))
	if err != nil {
		return "", nil, time.Time{}, err
	}
	ephemeralID, err := hex.DecodeString(query.Get(paramEphemeralID))
	if err != nil || len(ephemeralID) == 0 {
		return "", nil, time.Time{}, fmt.Errorf("invalid ephemeral_id parameter")
	}
	issuedAt, err := time.Parse(time.RFC3339, query.Get(paramTime))
	if err != nil {
		return "", nil, time.Time{}, fmt.Errorf("invalid time parameter: %w", err)
	}
	return sessionType, ephemeralID, issuedAt, nil
}

func newRedirectURI(template string, token SessionToken) (*RedirectURI, error) {
	nonce, err := randomToken()
	if err != nil {
		return nil, err
	}

	filled := strings.ReplaceAll(template, "{session_token}", string(token))
	redirect, err := url.Parse(filled)
	if err != nil {
		return nil, fmt.Errorf("invalid return URL template: %w", err)
	}
	query := redirect.Query()
	query.Set("nonce", nonce)
	redirect.RawQuery = query.Encode()

	return &RedirectURI{URI: redirect.String(), Nonce: nonce}, nil
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random value: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

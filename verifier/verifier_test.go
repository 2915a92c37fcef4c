package verifier_test

import (
	"context"
	"encoding/hex"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kouzoh/kokukuma-disclosure/internal/walletsim"
	"github.com/kouzoh/kokukuma-disclosure/mdoc"
	"github.com/kouzoh/kokukuma-disclosure/openid4vp"
	"github.com/kouzoh/kokukuma-disclosure/pkg/sessionstore"
	"github.com/kouzoh/kokukuma-disclosure/verifier"
)

const (
	testDocType   = mdoc.DocType("org.iso.18013.5.1.mDL")
	testNameSpace = mdoc.NameSpace("org.iso.18013.5.1")
	testSecret    = "test-ephemeral-id-secret"
)

func testItemsRequests() mdoc.ItemsRequests {
	return mdoc.ItemsRequests{{
		DocType: testDocType,
		NameSpaces: map[mdoc.NameSpace]map[mdoc.ElementIdentifier]bool{
			testNameSpace: {
				"family_name": false,
				"given_name":  false,
			},
		},
	}}
}

func newTestVerifier(t *testing.T, policy verifier.ReturnURLPolicy) (*verifier.Verifier, *walletsim.Issuer) {
	t.Helper()

	issuer, err := walletsim.NewIssuer()
	require.NoError(t, err)
	rpKey, rpCert, err := issuer.Root.IssueRelyingParty("verifier.example.com")
	require.NoError(t, err)
	useCase, err := verifier.NewUseCase(
		verifier.NewKeyPair(rpKey, rpCert, issuer.Root.Cert.Raw), policy)
	require.NoError(t, err)

	v, err := verifier.New(
		verifier.UseCases{"default": useCase},
		sessionstore.NewMemory(),
		issuer.TrustAnchors(),
		[]byte(testSecret),
		"https://verifier.example.com",
	)
	require.NoError(t, err)
	return v, issuer
}

func requestQuery(token verifier.SessionToken, sessionType verifier.SessionType, at time.Time) url.Values {
	query := url.Values{}
	query.Set("session_type", string(sessionType))
	query.Set("ephemeral_id", hex.EncodeToString(
		verifier.GenerateEphemeralID([]byte(testSecret), token, at)))
	query.Set("time", at.Format(time.RFC3339))
	return query
}

// respondWithDocument plays the wallet's leg: parse the signed request, mint
// and device-sign a document over the shared transcript, and encrypt the
// authorization response. tamper, when set, mutates the device response
// before it is sealed.
func respondWithDocument(t *testing.T, issuer *walletsim.Issuer, jws string, tamper func(*mdoc.DeviceResponse)) *openid4vp.WalletResponse {
	t.Helper()

	session, err := walletsim.ParseAuthorizationRequest(jws)
	require.NoError(t, err)
	transcript, err := session.Transcript()
	require.NoError(t, err)

	holder, err := walletsim.NewHolder()
	require.NoError(t, err)
	issuerSigned, err := issuer.IssueDocument(walletsim.DocumentSpec{
		DocType: testDocType,
		Attributes: map[mdoc.NameSpace]map[mdoc.ElementIdentifier]mdoc.ElementValue{
			testNameSpace: {
				"family_name": "Mustermann",
				"given_name":  "Erika",
			},
		},
	}, holder.DevicePublicKey())
	require.NoError(t, err)
	doc, err := holder.SignDocument(issuerSigned, testDocType, transcript)
	require.NoError(t, err)

	deviceResponse := walletsim.NewDeviceResponse(doc)
	if tamper != nil {
		tamper(deviceResponse)
	}
	jwe, err := session.Respond(deviceResponse)
	require.NoError(t, err)
	return &openid4vp.WalletResponse{Response: jwe}
}

func sessionStatus(t *testing.T, v *verifier.Verifier, token verifier.SessionToken) verifier.Status {
	t.Helper()
	status, err := v.StatusResponse(context.Background(), token, verifier.SessionTypeSameDevice, nil)
	require.NoError(t, err)
	return status.Status
}

func TestDisclosureSessionHappyPath(t *testing.T) {
	ctx := context.Background()
	v, issuer := newTestVerifier(t, verifier.ReturnURLNeither)

	token, err := v.NewSession(ctx, testItemsRequests(), "default", "")
	require.NoError(t, err)

	ulBase, _ := url.Parse("eudi-openid4vp://wallet.example.com")
	status, err := v.StatusResponse(ctx, token, verifier.SessionTypeCrossDevice, ulBase)
	require.NoError(t, err)
	assert.Equal(t, verifier.StatusCreated, status.Status)
	assert.Contains(t, status.UniversalLink, "request_uri=")
	assert.Contains(t, status.UniversalLink, "client_id=verifier.example.com")

	jws, err := v.ProcessGetRequest(ctx, token, requestQuery(token, verifier.SessionTypeSameDevice, time.Now()))
	require.NoError(t, err)
	require.NotEmpty(t, jws)
	assert.Equal(t, verifier.StatusWaitingForResponse, sessionStatus(t, v, token))

	walletResponse := respondWithDocument(t, issuer, jws, nil)
	vpResponse, err := v.ProcessAuthorizationResponse(ctx, token, walletResponse)
	require.NoError(t, err)
	assert.Empty(t, vpResponse.RedirectURI)
	assert.Equal(t, verifier.StatusDone, sessionStatus(t, v, token))

	attrs, err := v.DisclosedAttributes(ctx, token, "")
	require.NoError(t, err)
	doc, ok := attrs[testDocType]
	require.True(t, ok, "document %s not in disclosed attributes", testDocType)
	assert.Equal(t, mdoc.ElementValue("Mustermann"), doc.Attributes[testNameSpace]["family_name"])
	assert.Equal(t, mdoc.ElementValue("Erika"), doc.Attributes[testNameSpace]["given_name"])
	assert.Equal(t, "Test Document Signer", doc.Issuer)
}

func TestDisclosureSessionUserRefusal(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVerifier(t, verifier.ReturnURLNeither)

	token, err := v.NewSession(ctx, testItemsRequests(), "default", "")
	require.NoError(t, err)
	_, err = v.ProcessGetRequest(ctx, token, requestQuery(token, verifier.SessionTypeSameDevice, time.Now()))
	require.NoError(t, err)

	vpResponse, err := v.ProcessAuthorizationResponse(ctx, token, &openid4vp.WalletResponse{
		Error: &openid4vp.ErrorResponse{Error: openid4vp.ErrorAccessDenied, ErrorDescription: "user declined"},
	})
	require.NoError(t, err, "refusal round trip must succeed")
	require.NotNil(t, vpResponse)
	assert.Equal(t, verifier.StatusCancelled, sessionStatus(t, v, token))

	_, err = v.DisclosedAttributes(ctx, token, "")
	assert.ErrorIs(t, err, verifier.ErrSessionNotDone)
}

func TestDisclosureSessionWalletError(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVerifier(t, verifier.ReturnURLNeither)

	token, err := v.NewSession(ctx, testItemsRequests(), "default", "")
	require.NoError(t, err)
	_, err = v.ProcessGetRequest(ctx, token, requestQuery(token, verifier.SessionTypeSameDevice, time.Now()))
	require.NoError(t, err)

	_, err = v.ProcessAuthorizationResponse(ctx, token, &openid4vp.WalletResponse{
		Error: &openid4vp.ErrorResponse{Error: "invalid_request"},
	})
	require.NoError(t, err)
	assert.Equal(t, verifier.StatusFailed, sessionStatus(t, v, token))
}

func TestDisclosureSessionVerificationFailure(t *testing.T) {
	ctx := context.Background()
	v, issuer := newTestVerifier(t, verifier.ReturnURLNeither)

	token, err := v.NewSession(ctx, testItemsRequests(), "default", "")
	require.NoError(t, err)
	jws, err := v.ProcessGetRequest(ctx, token, requestQuery(token, verifier.SessionTypeSameDevice, time.Now()))
	require.NoError(t, err)

	// The claimed document type no longer matches the signed MSO.
	walletResponse := respondWithDocument(t, issuer, jws, func(resp *mdoc.DeviceResponse) {
		resp.Documents[0].DocType = "org.example.other"
	})
	_, err = v.ProcessAuthorizationResponse(ctx, token, walletResponse)
	require.Error(t, err)
	assert.Equal(t, verifier.StatusFailed, sessionStatus(t, v, token))

	_, err = v.DisclosedAttributes(ctx, token, "")
	assert.ErrorIs(t, err, verifier.ErrSessionNotDone)
}

func TestProcessGetRequestEphemeralID(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVerifier(t, verifier.ReturnURLNeither)

	token, err := v.NewSession(ctx, testItemsRequests(), "default", "")
	require.NoError(t, err)

	// Stale link: issued longer than the validity window ago.
	stale := requestQuery(token, verifier.SessionTypeSameDevice, time.Now().Add(-verifier.EphemeralIDValidity-time.Second))
	_, err = v.ProcessGetRequest(ctx, token, stale)
	assert.ErrorIs(t, err, verifier.ErrExpiredEphemeralID)

	// Forged link: HMAC computed with the wrong secret.
	forged := requestQuery(token, verifier.SessionTypeSameDevice, time.Now())
	forged.Set("ephemeral_id", hex.EncodeToString(
		verifier.GenerateEphemeralID([]byte("wrong-secret"), token, time.Now())))
	_, err = v.ProcessGetRequest(ctx, token, forged)
	assert.ErrorIs(t, err, verifier.ErrInvalidEphemeralID)

	// Neither failure consumed the session; a fresh link still works.
	assert.Equal(t, verifier.StatusCreated, sessionStatus(t, v, token))
	_, err = v.ProcessGetRequest(ctx, token, requestQuery(token, verifier.SessionTypeSameDevice, time.Now()))
	assert.NoError(t, err)
}

func TestNewSessionValidation(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVerifier(t, verifier.ReturnURLNeither)

	_, err := v.NewSession(ctx, nil, "default", "")
	assert.ErrorIs(t, err, verifier.ErrNoItemsRequests)

	_, err = v.NewSession(ctx, testItemsRequests(), "no-such-usecase", "")
	assert.ErrorIs(t, err, verifier.ErrUnknownUseCase)

	// Policy says no return URL, caller supplies a template.
	_, err = v.NewSession(ctx, testItemsRequests(), "default", "https://rp.example.com/return/{session_token}")
	assert.ErrorIs(t, err, verifier.ErrReturnURLConfigurationMismatch)

	// Policy wants a return URL, caller supplies none.
	withReturn, _ := newTestVerifier(t, verifier.ReturnURLSameDevice)
	_, err = withReturn.NewSession(ctx, testItemsRequests(), "default", "")
	assert.ErrorIs(t, err, verifier.ErrReturnURLConfigurationMismatch)
}

func TestWrongStateOperations(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVerifier(t, verifier.ReturnURLNeither)

	token, err := v.NewSession(ctx, testItemsRequests(), "default", "")
	require.NoError(t, err)

	// Response before the request was ever fetched.
	_, err = v.ProcessAuthorizationResponse(ctx, token, &openid4vp.WalletResponse{Response: "x"})
	var unexpected verifier.ErrUnexpectedState
	require.ErrorAs(t, err, &unexpected)
	assert.Equal(t, "created", unexpected.Phase)
	assert.Equal(t, verifier.StatusCreated, sessionStatus(t, v, token))

	// Fetching the request twice.
	_, err = v.ProcessGetRequest(ctx, token, requestQuery(token, verifier.SessionTypeSameDevice, time.Now()))
	require.NoError(t, err)
	_, err = v.ProcessGetRequest(ctx, token, requestQuery(token, verifier.SessionTypeSameDevice, time.Now()))
	require.ErrorAs(t, err, &unexpected)
	assert.Equal(t, "waiting_for_response", unexpected.Phase)

	_, err = v.DisclosedAttributes(ctx, token, "")
	assert.ErrorIs(t, err, verifier.ErrSessionNotDone)
}

func TestUnknownSession(t *testing.T) {
	ctx := context.Background()
	v, _ := newTestVerifier(t, verifier.ReturnURLNeither)
	token := verifier.NewSessionToken()

	_, err := v.StatusResponse(ctx, token, verifier.SessionTypeSameDevice, nil)
	assert.ErrorIs(t, err, verifier.ErrUnknownSession)

	// The ephemeral ID checks out (right secret, fresh), but no session backs
	// the token.
	_, err = v.ProcessGetRequest(ctx, token, requestQuery(token, verifier.SessionTypeSameDevice, time.Now()))
	assert.ErrorIs(t, err, verifier.ErrUnknownSession)

	_, err = v.ProcessAuthorizationResponse(ctx, token, &openid4vp.WalletResponse{Response: "x"})
	assert.ErrorIs(t, err, verifier.ErrUnknownSession)

	_, err = v.DisclosedAttributes(ctx, token, "")
	assert.ErrorIs(t, err, verifier.ErrUnknownSession)
}

func TestReturnURLFlow(t *testing.T) {
	ctx := context.Background()
	v, issuer := newTestVerifier(t, verifier.ReturnURLBoth)

	token, err := v.NewSession(ctx, testItemsRequests(), "default", "https://rp.example.com/return/{session_token}")
	require.NoError(t, err)
	jws, err := v.ProcessGetRequest(ctx, token, requestQuery(token, verifier.SessionTypeSameDevice, time.Now()))
	require.NoError(t, err)

	vpResponse, err := v.ProcessAuthorizationResponse(ctx, token, respondWithDocument(t, issuer, jws, nil))
	require.NoError(t, err)
	require.NotEmpty(t, vpResponse.RedirectURI)
	assert.Contains(t, vpResponse.RedirectURI, string(token))

	redirect, err := url.Parse(vpResponse.RedirectURI)
	require.NoError(t, err)
	nonce := redirect.Query().Get("nonce")
	require.NotEmpty(t, nonce)

	_, err = v.DisclosedAttributes(ctx, token, "")
	assert.ErrorIs(t, err, verifier.ErrRedirectURIMissing)

	_, err = v.DisclosedAttributes(ctx, token, "not-the-nonce")
	assert.ErrorIs(t, err, verifier.ErrRedirectURIMismatch)

	attrs, err := v.DisclosedAttributes(ctx, token, nonce)
	require.NoError(t, err)
	assert.Contains(t, attrs, testDocType)
}

func TestReturnURLSameDevicePolicySkipsCrossDevice(t *testing.T) {
	ctx := context.Background()
	v, issuer := newTestVerifier(t, verifier.ReturnURLSameDevice)

	token, err := v.NewSession(ctx, testItemsRequests(), "default", "https://rp.example.com/return/{session_token}")
	require.NoError(t, err)

	// A cross-device session never gets the redirect, even though the use case
	// is configured with a template.
	jws, err := v.ProcessGetRequest(ctx, token, requestQuery(token, verifier.SessionTypeCrossDevice, time.Now()))
	require.NoError(t, err)

	vpResponse, err := v.ProcessAuthorizationResponse(ctx, token, respondWithDocument(t, issuer, jws, nil))
	require.NoError(t, err)
	assert.Empty(t, vpResponse.RedirectURI)

	// And with no redirect bound, no nonce is required to read the result.
	_, err = v.DisclosedAttributes(ctx, token, "")
	assert.NoError(t, err)
}

func TestVerifyEphemeralIDBoundaries(t *testing.T) {
	secret := []byte(testSecret)
	token := verifier.NewSessionToken()
	issued := time.Now().Truncate(time.Second)
	id := verifier.GenerateEphemeralID(secret, token, issued)

	err := verifier.VerifyEphemeralID(secret, token, id, issued, issued.Add(verifier.EphemeralIDValidity))
	assert.NoError(t, err, "an ID at the edge of the window is still valid")

	err = verifier.VerifyEphemeralID(secret, token, id, issued, issued.Add(verifier.EphemeralIDValidity+time.Second))
	assert.ErrorIs(t, err, verifier.ErrExpiredEphemeralID)

	err = verifier.VerifyEphemeralID(secret, verifier.NewSessionToken(), id, issued, issued)
	assert.ErrorIs(t, err, verifier.ErrInvalidEphemeralID, "ID bound to a different token")

	tampered := append([]byte{}, id...)
	tampered[0] ^= 0xff
	err = verifier.VerifyEphemeralID(secret, token, tampered, issued, issued)
	assert.ErrorIs(t, err, verifier.ErrInvalidEphemeralID)

	err = verifier.VerifyEphemeralID(secret, token, id, issued.Add(time.Second), issued.Add(time.Second))
	assert.ErrorIs(t, err, verifier.ErrInvalidEphemeralID, "ID bound to a different timestamp")
}

func TestSessionStateJSONRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	token := verifier.NewSessionToken()

	states := map[string]*verifier.SessionState{
		"created": verifier.NewSessionState(token, verifier.Created{
			ItemsRequests: testItemsRequests(),
			UseCaseID:     "default",
			ClientID:      "verifier.example.com",
		}, now),
		"waiting_for_response": verifier.NewSessionState(token, verifier.WaitingForResponse{
			AuthorizationRequest: "jws",
			EncryptionKey:        []byte{0x30, 0x01},
			Nonce:                "nonce",
			State:                "state",
			ClientID:             "verifier.example.com",
			ResponseURI:          "https://verifier.example.com/response_uri",
			ItemsRequests:        testItemsRequests(),
			RedirectURI:          &verifier.RedirectURI{URI: "https://rp.example.com/r", Nonce: "n"},
		}, now),
		"done": verifier.NewSessionState(token, verifier.Done{
			Result: verifier.SessionResult{Status: verifier.StatusCancelled},
		}, now),
	}

	for name, state := range states {
		t.Run(name, func(t *testing.T) {
			encoded, err := state.MarshalJSON()
			require.NoError(t, err)

			var decoded verifier.SessionState
			require.NoError(t, decoded.UnmarshalJSON(encoded))
			assert.Equal(t, state.Token, decoded.Token)
			assert.True(t, state.LastActive.Equal(decoded.LastActive))
			assert.IsType(t, state.Data, decoded.Data)
			assert.Equal(t, state.Data, decoded.Data)
		})
	}
}

func TestSessionStateExpire(t *testing.T) {
	now := time.Now()
	token := verifier.NewSessionToken()

	created := verifier.NewSessionState(token, verifier.Created{UseCaseID: "default"}, now)
	expired := created.Expire(now.Add(time.Hour))
	require.NotNil(t, expired)
	assert.Equal(t, verifier.StatusExpired, expired.Status())
	assert.Equal(t, verifier.StatusCreated, created.Status(), "receiver is untouched")

	done := created.With(verifier.Done{Result: verifier.SessionResult{Status: verifier.StatusDone}}, now)
	assert.Nil(t, done.Expire(now.Add(time.Hour)), "terminal sessions do not expire")
}

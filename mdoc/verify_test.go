package mdoc_test

import (
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/kouzoh/kokukuma-disclosure/internal/walletsim"
	"github.com/kouzoh/kokukuma-disclosure/mdoc"
	"github.com/kouzoh/kokukuma-disclosure/session_transcript"
)

const testDocType = mdoc.DocType("org.iso.18013.5.1.mDL")

var testAttributes = map[mdoc.NameSpace]map[mdoc.ElementIdentifier]mdoc.ElementValue{
	"org.iso.18013.5.1": {
		"family_name": "Mustermann",
		"given_name":  "Erika",
	},
}

func testTranscript(t *testing.T) []byte {
	t.Helper()
	transcript, err := session_transcript.OID4VPHandover(
		[]byte("test-nonce"), "verifier.example.com", "https://verifier.example.com/response_uri", "bWRvYy1ub25jZQ")
	if err != nil {
		t.Fatalf("failed to build transcript: %v", err)
	}
	return transcript
}

func issueTestDocument(t *testing.T, spec walletsim.DocumentSpec, transcript []byte) (*walletsim.Issuer, *mdoc.Document) {
	t.Helper()

	issuer, err := walletsim.NewIssuer()
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}
	holder, err := walletsim.NewHolder()
	if err != nil {
		t.Fatalf("failed to create holder: %v", err)
	}

	issuerSigned, err := issuer.IssueDocument(spec, holder.DevicePublicKey())
	if err != nil {
		t.Fatalf("failed to issue document: %v", err)
	}
	doc, err := holder.SignDocument(issuerSigned, spec.DocType, transcript)
	if err != nil {
		t.Fatalf("failed to device-sign document: %v", err)
	}
	return issuer, doc
}

func TestVerifyDeviceResponse(t *testing.T) {
	transcript := testTranscript(t)
	issuer, doc := issueTestDocument(t, walletsim.DocumentSpec{
		DocType:    testDocType,
		Attributes: testAttributes,
	}, transcript)

	verifier := mdoc.NewVerifier(issuer.TrustAnchors())
	attrs, err := verifier.VerifyDeviceResponse(walletsim.NewDeviceResponse(doc), nil, transcript)
	if err != nil {
		t.Fatalf("VerifyDeviceResponse() error = %v, want nil", err)
	}

	docAttrs, ok := attrs[testDocType]
	if !ok {
		t.Fatalf("disclosed attributes missing doctype %s", testDocType)
	}
	if got := docAttrs.Attributes["org.iso.18013.5.1"]["family_name"]; got != "Mustermann" {
		t.Errorf("family_name = %v, want Mustermann", got)
	}
	if got := docAttrs.Attributes["org.iso.18013.5.1"]["given_name"]; got != "Erika" {
		t.Errorf("given_name = %v, want Erika", got)
	}
	if docAttrs.Issuer != "Test Document Signer" {
		t.Errorf("issuer = %q, want Test Document Signer", docAttrs.Issuer)
	}
	if docAttrs.CA != "Test IACA" {
		t.Errorf("ca = %q, want Test IACA", docAttrs.CA)
	}
}

func TestVerifyDeviceResponseMac(t *testing.T) {
	transcript := testTranscript(t)

	readerKey, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate reader key: %v", err)
	}

	issuer, err := walletsim.NewIssuer()
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}
	holder, err := walletsim.NewHolder()
	if err != nil {
		t.Fatalf("failed to create holder: %v", err)
	}
	issuerSigned, err := issuer.IssueDocument(walletsim.DocumentSpec{
		DocType:    testDocType,
		Attributes: testAttributes,
	}, holder.DevicePublicKey())
	if err != nil {
		t.Fatalf("failed to issue document: %v", err)
	}
	doc, err := holder.MacDocument(issuerSigned, testDocType, transcript, readerKey.PublicKey())
	if err != nil {
		t.Fatalf("failed to mac document: %v", err)
	}

	verifier := mdoc.NewVerifier(issuer.TrustAnchors())

	if _, err := verifier.VerifyDeviceResponse(walletsim.NewDeviceResponse(doc), readerKey, transcript); err != nil {
		t.Errorf("VerifyDeviceResponse() with reader key error = %v, want nil", err)
	}

	if _, err := verifier.VerifyDeviceResponse(walletsim.NewDeviceResponse(doc), nil, transcript); !errors.Is(err, mdoc.ErrEphemeralKeyMissing) {
		t.Errorf("VerifyDeviceResponse() without reader key error = %v, want ErrEphemeralKeyMissing", err)
	}

	wrongKey, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	if _, err := verifier.VerifyDeviceResponse(walletsim.NewDeviceResponse(doc), wrongKey, transcript); err == nil {
		t.Error("VerifyDeviceResponse() with wrong reader key error = nil, want error")
	}
}

func TestVerifyDeviceResponseTamperedAttribute(t *testing.T) {
	transcript := testTranscript(t)

	issuer, err := walletsim.NewIssuer()
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}
	holder, err := walletsim.NewHolder()
	if err != nil {
		t.Fatalf("failed to create holder: %v", err)
	}
	issuerSigned, err := issuer.IssueDocument(walletsim.DocumentSpec{
		DocType:    testDocType,
		Attributes: testAttributes,
	}, holder.DevicePublicKey())
	if err != nil {
		t.Fatalf("failed to issue document: %v", err)
	}

	// Re-encode one item with a different value but the original digestID.
	ns := mdoc.NameSpace("org.iso.18013.5.1")
	item, err := issuerSigned.NameSpaces[ns][0].IssuerSignedItem()
	if err != nil {
		t.Fatalf("failed to decode item: %v", err)
	}
	tampered, err := cbor.Marshal(mdoc.IssuerSignedItem{
		DigestID:          item.DigestID,
		Random:            item.Random,
		ElementIdentifier: item.ElementIdentifier,
		ElementValue:      "Tampered",
	})
	if err != nil {
		t.Fatalf("failed to encode tampered item: %v", err)
	}
	issuerSigned.NameSpaces[ns][0] = mdoc.IssuerSignedItemBytes(tampered)

	doc, err := holder.SignDocument(issuerSigned, testDocType, transcript)
	if err != nil {
		t.Fatalf("failed to device-sign document: %v", err)
	}

	verifier := mdoc.NewVerifier(issuer.TrustAnchors())
	_, err = verifier.VerifyDeviceResponse(walletsim.NewDeviceResponse(doc), nil, transcript)
	if !errors.Is(err, mdoc.ErrAttributeVerificationFailed) {
		t.Errorf("VerifyDeviceResponse() error = %v, want ErrAttributeVerificationFailed", err)
	}
}

func TestVerifyDeviceResponseWholesaleRejection(t *testing.T) {
	transcript := testTranscript(t)
	issuer, doc := issueTestDocument(t, walletsim.DocumentSpec{
		DocType:    testDocType,
		Attributes: testAttributes,
	}, transcript)
	verifier := mdoc.NewVerifier(issuer.TrustAnchors())

	tests := []struct {
		name      string
		resp      *mdoc.DeviceResponse
		errSubstr string
	}{
		{
			name:      "no documents",
			resp:      &mdoc.DeviceResponse{Version: "1.0", Status: 0},
			errSubstr: "no documents",
		},
		{
			name: "non-zero status",
			resp: &mdoc.DeviceResponse{
				Version:   "1.0",
				Status:    10,
				Documents: []mdoc.Document{*doc},
			},
			errSubstr: "unexpected device response status",
		},
		{
			name: "document errors present",
			resp: &mdoc.DeviceResponse{
				Version:        "1.0",
				Status:         0,
				Documents:      []mdoc.Document{*doc},
				DocumentErrors: []mdoc.DocumentError{{testDocType: 0}},
			},
			errSubstr: "errors in device response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.VerifyDeviceResponse(tt.resp, nil, transcript)
			if err == nil {
				t.Fatal("VerifyDeviceResponse() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.errSubstr) {
				t.Errorf("error = %v, want containing %q", err, tt.errSubstr)
			}
		})
	}
}

func TestVerifyDocumentWrongDocType(t *testing.T) {
	transcript := testTranscript(t)

	issuer, err := walletsim.NewIssuer()
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}
	holder, err := walletsim.NewHolder()
	if err != nil {
		t.Fatalf("failed to create holder: %v", err)
	}
	issuerSigned, err := issuer.IssueDocument(walletsim.DocumentSpec{
		DocType:    testDocType,
		Attributes: testAttributes,
	}, holder.DevicePublicKey())
	if err != nil {
		t.Fatalf("failed to issue document: %v", err)
	}

	claimed := mdoc.DocType("org.example.other")
	doc, err := holder.SignDocument(issuerSigned, claimed, transcript)
	if err != nil {
		t.Fatalf("failed to device-sign document: %v", err)
	}

	verifier := mdoc.NewVerifier(issuer.TrustAnchors())
	_, _, err = verifier.VerifyDocument(doc, nil, transcript)

	var wrongDocType mdoc.ErrWrongDocType
	if !errors.As(err, &wrongDocType) {
		t.Fatalf("VerifyDocument() error = %v, want ErrWrongDocType", err)
	}
	if wrongDocType.Document != claimed || wrongDocType.MSO != testDocType {
		t.Errorf("ErrWrongDocType = %+v, want document %s, mso %s", wrongDocType, claimed, testDocType)
	}
}

func TestVerifyDeviceResponseTranscriptMismatch(t *testing.T) {
	transcript := testTranscript(t)
	issuer, doc := issueTestDocument(t, walletsim.DocumentSpec{
		DocType:    testDocType,
		Attributes: testAttributes,
	}, transcript)

	other, err := session_transcript.OID4VPHandover(
		[]byte("other-nonce"), "verifier.example.com", "https://verifier.example.com/response_uri", "bWRvYy1ub25jZQ")
	if err != nil {
		t.Fatalf("failed to build transcript: %v", err)
	}

	verifier := mdoc.NewVerifier(issuer.TrustAnchors())
	if _, err := verifier.VerifyDeviceResponse(walletsim.NewDeviceResponse(doc), nil, other); err == nil {
		t.Error("VerifyDeviceResponse() with different transcript error = nil, want error")
	}
}

func TestVerifyDeviceResponseUntrustedIssuer(t *testing.T) {
	transcript := testTranscript(t)
	_, doc := issueTestDocument(t, walletsim.DocumentSpec{
		DocType:    testDocType,
		Attributes: testAttributes,
	}, transcript)

	otherIssuer, err := walletsim.NewIssuer()
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}

	verifier := mdoc.NewVerifier(otherIssuer.TrustAnchors())
	_, err = verifier.VerifyDeviceResponse(walletsim.NewDeviceResponse(doc), nil, transcript)
	if err == nil || !strings.Contains(err.Error(), "failed to verify dsCert chain") {
		t.Errorf("VerifyDeviceResponse() error = %v, want chain verification failure", err)
	}
}

func TestVerifyIssuerSignedValidity(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name      string
		validity  mdoc.ValidityInfo
		options   []mdoc.VerifierOption
		wantErr   bool
		errSubstr string
	}{
		{
			name: "within window",
			validity: mdoc.ValidityInfo{
				Signed:     now,
				ValidFrom:  now.Add(-time.Hour),
				ValidUntil: now.AddDate(1, 0, 0),
			},
		},
		{
			name: "not yet valid",
			validity: mdoc.ValidityInfo{
				Signed:     now,
				ValidFrom:  now.Add(time.Hour),
				ValidUntil: now.AddDate(1, 0, 0),
			},
			wantErr:   true,
			errSubstr: "not yet valid",
		},
		{
			name: "not yet valid allowed",
			validity: mdoc.ValidityInfo{
				Signed:     now,
				ValidFrom:  now.Add(time.Hour),
				ValidUntil: now.AddDate(1, 0, 0),
			},
			options: []mdoc.VerifierOption{mdoc.WithValidityRequirement(mdoc.AllowNotYetValid)},
		},
		{
			name: "expired",
			validity: mdoc.ValidityInfo{
				Signed:     now,
				ValidFrom:  now.Add(-2 * time.Hour),
				ValidUntil: now.Add(-time.Hour),
			},
			wantErr:   true,
			errSubstr: "expired",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issuer, err := walletsim.NewIssuer()
			if err != nil {
				t.Fatalf("failed to create issuer: %v", err)
			}
			holder, err := walletsim.NewHolder()
			if err != nil {
				t.Fatalf("failed to create holder: %v", err)
			}
			issuerSigned, err := issuer.IssueDocument(walletsim.DocumentSpec{
				DocType:    testDocType,
				Attributes: testAttributes,
				Validity:   &tt.validity,
			}, holder.DevicePublicKey())
			if err != nil {
				t.Fatalf("failed to issue document: %v", err)
			}

			verifier := mdoc.NewVerifier(issuer.TrustAnchors(), tt.options...)
			_, _, err = verifier.VerifyIssuerSigned(issuerSigned)

			if tt.wantErr {
				if err == nil {
					t.Fatal("VerifyIssuerSigned() error = nil, want error")
				}
				if !strings.Contains(err.Error(), tt.errSubstr) {
					t.Errorf("error = %v, want containing %q", err, tt.errSubstr)
				}
			} else if err != nil {
				t.Errorf("VerifyIssuerSigned() error = %v, want nil", err)
			}
		})
	}
}

package mdoc

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"
	"golang.org/x/crypto/hkdf"
)

// Extended key usage required on a document signing certificate,
// ISO/IEC 18013-5:2021 B.1.1 (mdlDS).
var oidDocumentSigningEKU = asn1.ObjectIdentifier{1, 0, 18013, 5, 1, 2}

var oidCommonName = asn1.ObjectIdentifier{2, 5, 4, 3}

// ValidityRequirement indicates how the MSO validity window is checked
// against the current time.
type ValidityRequirement int

const (
	// Valid requires the MSO to be within its validity window.
	Valid ValidityRequirement = iota
	// AllowNotYetValid tolerates an MSO whose validFrom lies in the future,
	// for preview-time checks. Expiry is still enforced.
	AllowNotYetValid
)

// DocumentAttributes holds the verified attributes of one disclosed document,
// along with the issuer identity taken from its DS certificate.
type DocumentAttributes struct {
	Attributes   map[NameSpace]map[ElementIdentifier]ElementValue `json:"attributes"`
	Issuer       string                                           `json:"issuer"`
	CA           string                                           `json:"ca"`
	ValidityInfo ValidityInfo                                     `json:"validityInfo"`
}

// DisclosedAttributes is the output of a successful device response
// verification, keyed by document type.
type DisclosedAttributes map[DocType]DocumentAttributes

type VerifierOption func(*Verifier)

func WithCurrentTime(date time.Time) VerifierOption {
	return func(v *Verifier) {
		v.currentTime = date
	}
}

func WithCertCurrentTime(date time.Time) VerifierOption {
	return func(v *Verifier) {
		v.certCurrentTime = date
	}
}

func WithValidityRequirement(req ValidityRequirement) VerifierOption {
	return func(v *Verifier) {
		v.validity = req
	}
}

func SkipVerifyCertificate() VerifierOption {
	return func(v *Verifier) {
		v.skipVerifyCertificate = true
	}
}

// Verifier checks device responses against a set of trust anchors.
// It is a pure function of its inputs and safe for concurrent use.
type Verifier struct {
	roots                 *x509.CertPool
	validity              ValidityRequirement
	currentTime           time.Time
	certCurrentTime       time.Time
	skipVerifyCertificate bool
}

func NewVerifier(roots *x509.CertPool, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		roots:           roots,
		validity:        Valid,
		currentTime:     time.Now(),
		certCurrentTime: time.Now(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifyDeviceResponse verifies every document in the response and collects
// the disclosed attributes per doctype. A response carrying document errors,
// a non-zero status or no documents at all is rejected before any
// per-document work.
func (v *Verifier) VerifyDeviceResponse(
	resp *DeviceResponse,
	ephReaderKey *ecdh.PrivateKey,
	sessionTranscript []byte,
) (DisclosedAttributes, error) {
	if len(resp.DocumentErrors) > 0 {
		return nil, ErrDeviceResponseErrors{DocumentErrors: resp.DocumentErrors}
	}
	if resp.Status != 0 {
		return nil, ErrUnexpectedStatus{Status: resp.Status}
	}
	if len(resp.Documents) == 0 {
		return nil, ErrNoDocuments
	}

	attrs := make(DisclosedAttributes, len(resp.Documents))
	for i := range resp.Documents {
		docType, docAttrs, err := v.VerifyDocument(&resp.Documents[i], ephReaderKey, sessionTranscript)
		if err != nil {
			return nil, fmt.Errorf("document %s: %w", resp.Documents[i].DocType, err)
		}
		attrs[docType] = *docAttrs
	}
	return attrs, nil
}

// VerifyDocument verifies a single document: issuer data authentication
// (9.3.1), doctype consistency and mdoc authentication (9.1.3).
func (v *Verifier) VerifyDocument(
	doc *Document,
	ephReaderKey *ecdh.PrivateKey,
	sessionTranscript []byte,
) (DocType, *DocumentAttributes, error) {
	attrs, mso, err := v.VerifyIssuerSigned(&doc.IssuerSigned)
	if err != nil {
		return "", nil, err
	}

	if doc.DocType != mso.DocType {
		return "", nil, ErrWrongDocType{Document: doc.DocType, MSO: mso.DocType}
	}

	if err := v.verifyDeviceAuth(doc, mso, ephReaderKey, sessionTranscript); err != nil {
		return "", nil, err
	}

	return mso.DocType, attrs, nil
}

// VerifyIssuerSigned verifies the issuer-signed half of a document:
//  1. DS certificate chain against the trust anchors, including the mdoc
//     document-signing extended key usage.
//  2. COSE_Sign1 signature of the issuerAuth with the DS key.
//  3. MSO validity window.
//  4. Every disclosed attribute's recomputed digest against the MSO entry at
//     its declared digestID. This runs even though the issuerAuth signature
//     already verified: a valid signature over the MSO does not prove the
//     attribute bytes hash to the digest at the declared index.
//  5. Exactly one issuer CN and one CA CN in the DS certificate.
func (v *Verifier) VerifyIssuerSigned(issuerSigned *IssuerSigned) (*DocumentAttributes, *MobileSecurityObject, error) {
	dsCert, err := issuerSigned.DocumentSigningCertificate()
	if err != nil {
		return nil, nil, err
	}

	if err := v.verifyDSCertificate(issuerSigned, dsCert); err != nil {
		return nil, nil, fmt.Errorf("failed to verify DS certificate: %w", err)
	}

	if err := v.verifyIssuerAuthSignature(issuerSigned); err != nil {
		return nil, nil, fmt.Errorf("failed to verify issuerAuth: %w", err)
	}

	mso, err := issuerSigned.MobileSecurityObject()
	if err != nil {
		return nil, nil, err
	}

	if err := verifyValidityInfo(mso.ValidityInfo, v.currentTime, v.validity); err != nil {
		return nil, nil, err
	}
	if !v.skipVerifyCertificate {
		if mso.ValidityInfo.Signed.Before(dsCert.NotBefore) || mso.ValidityInfo.Signed.After(dsCert.NotAfter) {
			return nil, nil, fmt.Errorf("mso signed date %v outside DS certificate validity (%v - %v)",
				mso.ValidityInfo.Signed, dsCert.NotBefore, dsCert.NotAfter)
		}
	}

	attrs, err := verifyAttributeDigests(issuerSigned, mso)
	if err != nil {
		return nil, nil, err
	}

	issuer, ca, err := issuerAndCACommonName(dsCert)
	if err != nil {
		return nil, nil, err
	}

	return &DocumentAttributes{
		Attributes:   attrs,
		Issuer:       issuer,
		CA:           ca,
		ValidityInfo: mso.ValidityInfo,
	}, mso, nil
}

func (v *Verifier) verifyDSCertificate(issuerSigned *IssuerSigned, dsCert *x509.Certificate) error {
	if v.skipVerifyCertificate {
		return nil
	}

	hasEKU := false
	for _, eku := range dsCert.UnknownExtKeyUsage {
		if eku.Equal(oidDocumentSigningEKU) {
			hasEKU = true
			break
		}
	}
	if !hasEKU {
		return fmt.Errorf("DS certificate not authorized for mdoc signing")
	}

	intermediates := x509.NewCertPool()
	chain, err := issuerSigned.DocumentSigningCertificateChain()
	if err != nil {
		return err
	}
	for _, cert := range chain[1:] {
		intermediates.AddCert(cert)
	}

	opts := x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		CurrentTime:   v.certCurrentTime,
	}
	if _, err := dsCert.Verify(opts); err != nil {
		return fmt.Errorf("failed to verify dsCert chain: %w", err)
	}
	return nil
}

func (v *Verifier) verifyIssuerAuthSignature(issuerSigned *IssuerSigned) error {
	alg, err := issuerSigned.Alg()
	if err != nil {
		return err
	}

	dsKey, err := issuerSigned.DocumentSigningKey()
	if err != nil {
		return err
	}

	verifier, err := cose.NewVerifier(alg, dsKey)
	if err != nil {
		return fmt.Errorf("failed to create verifier: %w", err)
	}
	return issuerSigned.IssuerAuth.Verify(nil, verifier)
}

func verifyValidityInfo(info ValidityInfo, now time.Time, validity ValidityRequirement) error {
	if validity == Valid && now.Before(info.ValidFrom) {
		return ErrNotYetValid{ValidFrom: info.ValidFrom.Format(time.RFC3339)}
	}
	if now.After(info.ValidUntil) {
		return ErrExpired{ValidUntil: info.ValidUntil.Format(time.RFC3339)}
	}
	return nil
}

// verifyAttributeDigests recomputes the content digest of every disclosed
// attribute and compares it against the MSO entry at the attribute's declared
// digestID, collecting the verified values on the way.
func verifyAttributeDigests(
	issuerSigned *IssuerSigned,
	mso *MobileSecurityObject,
) (map[NameSpace]map[ElementIdentifier]ElementValue, error) {
	attrs := make(map[NameSpace]map[ElementIdentifier]ElementValue, len(issuerSigned.NameSpaces))

	for ns, itemBytes := range issuerSigned.NameSpaces {
		nsAttrs := make(map[ElementIdentifier]ElementValue, len(itemBytes))
		for _, b := range itemBytes {
			item, err := b.IssuerSignedItem()
			if err != nil {
				return nil, err
			}

			stored, err := mso.GetDigest(ns, item.DigestID)
			if err != nil {
				return nil, err
			}

			calc, err := b.Digest(mso.DigestAlgorithm)
			if err != nil {
				return nil, err
			}

			if !bytes.Equal(stored, calc) {
				return nil, ErrAttributeVerificationFailed
			}
			nsAttrs[item.ElementIdentifier] = item.Value()
		}
		attrs[ns] = nsAttrs
	}
	return attrs, nil
}

// issuerAndCACommonName extracts exactly one issuer CN and one CA CN from the
// DS certificate. Any other count is rejected to prevent ambiguous identity.
func issuerAndCACommonName(cert *x509.Certificate) (issuer, ca string, err error) {
	issuerCNs := commonNames(cert.Subject.Names)
	if len(issuerCNs) != 1 {
		return "", "", ErrUnexpectedIssuerCommonNameCount{Count: len(issuerCNs)}
	}
	caCNs := commonNames(cert.Issuer.Names)
	if len(caCNs) != 1 {
		return "", "", ErrUnexpectedCACommonNameCount{Count: len(caCNs)}
	}
	return issuerCNs[0], caCNs[0], nil
}

func commonNames(names []pkix.AttributeTypeAndValue) []string {
	var cns []string
	for _, n := range names {
		if n.Type.Equal(oidCommonName) {
			if s, ok := n.Value.(string); ok {
				cns = append(cns, s)
			}
		}
	}
	return cns
}

func (v *Verifier) verifyDeviceAuth(
	doc *Document,
	mso *MobileSecurityObject,
	ephReaderKey *ecdh.PrivateKey,
	sessionTranscript []byte,
) error {
	deviceAuthBytes, err := doc.DeviceSigned.DeviceAuthenticationBytes(doc.DocType, sessionTranscript)
	if err != nil {
		return err
	}

	deviceKey, err := mso.DeviceKey()
	if err != nil {
		return err
	}

	auth := doc.DeviceSigned.DeviceAuth
	switch {
	case auth.DeviceSignature != nil:
		alg, err := auth.DeviceSignature.Headers.Protected.Algorithm()
		if err != nil {
			return fmt.Errorf("failed to get deviceSignature alg: %w", err)
		}
		verifier, err := cose.NewVerifier(alg, deviceKey)
		if err != nil {
			return fmt.Errorf("failed to create verifier: %w", err)
		}
		auth.DeviceSignature.Payload = deviceAuthBytes
		if err := auth.DeviceSignature.Verify(nil, verifier); err != nil {
			return fmt.Errorf("failed to verify deviceSignature: %w", err)
		}
		return nil

	case auth.DeviceMac != nil:
		if ephReaderKey == nil {
			return ErrEphemeralKeyMissing
		}
		macKey, err := deviceMACKey(ephReaderKey, deviceKey, sessionTranscript)
		if err != nil {
			return err
		}
		auth.DeviceMac.Payload = deviceAuthBytes
		if err := verifyMac0(auth.DeviceMac, macKey); err != nil {
			return fmt.Errorf("failed to verify deviceMac: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("device auth carries neither signature nor mac")
	}
}

// deviceMACKey derives the EMacKey (ISO 18013-5 9.1.1.5): HKDF-SHA256 over the
// ECDH shared secret between the verifier's ephemeral key and the device key,
// salted with the hash of the tag-24 wrapped session transcript.
func deviceMACKey(ephReaderKey *ecdh.PrivateKey, deviceKey *ecdsa.PublicKey, sessionTranscript []byte) ([]byte, error) {
	deviceECDH, err := deviceKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("failed to convert device key: %w", err)
	}

	shared, err := ephReaderKey.ECDH(deviceECDH)
	if err != nil {
		return nil, fmt.Errorf("failed to compute shared secret: %w", err)
	}

	tagged, err := cbor.Marshal(cbor.Tag{Number: 24, Content: sessionTranscript})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tagged transcript: %w", err)
	}
	salt := sha256.Sum256(tagged)

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt[:], []byte("EMacKey")), key); err != nil {
		return nil, fmt.Errorf("failed to derive EMacKey: %w", err)
	}
	return key, nil
}

// verifyMac0 checks a COSE_Mac0 tag with HMAC-SHA256. go-cose only models
// COSE_Sign1; the Mac0 MAC structure is built here directly. The tag bytes
// ride in the message's signature slot since Mac0 and Sign1 share their
// four-element array shape.
func verifyMac0(msg *cose.UntaggedSign1Message, key []byte) error {
	protected, err := msg.Headers.MarshalProtected()
	if err != nil {
		return fmt.Errorf("failed to marshal protected headers: %w", err)
	}

	macStructure, err := cbor.Marshal([]interface{}{
		"MAC0",
		cbor.RawMessage(protected),
		[]byte{},
		msg.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal MAC structure: %w", err)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(macStructure)
	if !hmac.Equal(mac.Sum(nil), msg.Signature) {
		return fmt.Errorf("mac mismatch")
	}
	return nil
}

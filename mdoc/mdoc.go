// Package mdoc implements the data model and relying-party verification of
// mobile documents (ISO/IEC 18013-5:2021).
package mdoc

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"fmt"
	"math/big"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"

	"github.com/kouzoh/kokukuma-disclosure/pkg/hash"
)

type DocType string

type NameSpace string

type ElementIdentifier string

type ElementValue interface{}

type DigestID uint32

type Digest []byte

// DeviceResponse is the holder's reply to a disclosure request: one or more
// disclosed documents plus a top-level status code.
type DeviceResponse struct {
	Version        string          `json:"version"`
	Documents      []Document      `json:"documents,omitempty"`
	DocumentErrors []DocumentError `json:"documentErrors,omitempty"`
	Status         uint            `json:"status"`
}

func (d *DeviceResponse) GetDocument(docType DocType) (*Document, error) {
	for i := range d.Documents {
		if d.Documents[i].DocType == docType {
			return &d.Documents[i], nil
		}
	}
	return nil, ErrDocumentNotFound{DocType: docType}
}

type Document struct {
	DocType      DocType      `json:"docType"`
	IssuerSigned IssuerSigned `json:"issuerSigned"`
	DeviceSigned DeviceSigned `json:"deviceSigned"`
	Errors       Errors       `json:"errors,omitempty"`
}

type IssuerSigned struct {
	NameSpaces IssuerNameSpaces          `json:"nameSpaces,omitempty"`
	IssuerAuth cose.UntaggedSign1Message `json:"issuerAuth"`
}

func (i *IssuerSigned) Alg() (cose.Algorithm, error) {
	if i.IssuerAuth.Headers.Protected == nil {
		return 0, fmt.Errorf("issuerAuth: protected header is nil")
	}
	return i.IssuerAuth.Headers.Protected.Algorithm()
}

// DocumentSigningCertificateChain parses the x5chain from the issuerAuth
// unprotected headers. The leaf (DS certificate) comes first.
func (i *IssuerSigned) DocumentSigningCertificateChain() ([]*x509.Certificate, error) {
	if i.IssuerAuth.Headers.Unprotected == nil {
		return nil, fmt.Errorf("issuerAuth: missing unprotected headers")
	}

	rawX5Chain, ok := i.IssuerAuth.Headers.Unprotected[cose.HeaderLabelX5Chain]
	if !ok {
		return nil, fmt.Errorf("issuerAuth: x5chain not found in unprotected headers")
	}

	var rawX5ChainBytes [][]byte
	switch v := rawX5Chain.(type) {
	case [][]byte:
		rawX5ChainBytes = v
	case []byte:
		rawX5ChainBytes = [][]byte{v}
	case []interface{}:
		for _, e := range v {
			b, ok := e.([]byte)
			if !ok {
				return nil, fmt.Errorf("issuerAuth: unexpected x5chain element type: %T", e)
			}
			rawX5ChainBytes = append(rawX5ChainBytes, b)
		}
	default:
		return nil, fmt.Errorf("issuerAuth: unexpected x5chain type: %T", rawX5Chain)
	}

	if len(rawX5ChainBytes) == 0 {
		return nil, fmt.Errorf("issuerAuth: empty x5chain")
	}

	certs := make([]*x509.Certificate, 0, len(rawX5ChainBytes))
	for _, certData := range rawX5ChainBytes {
		cert, err := x509.ParseCertificate(certData)
		if err != nil {
			return nil, fmt.Errorf("issuerAuth: error parsing certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

func (i *IssuerSigned) DocumentSigningCertificate() (*x509.Certificate, error) {
	certs, err := i.DocumentSigningCertificateChain()
	if err != nil {
		return nil, err
	}
	return certs[0], nil
}

func (i *IssuerSigned) DocumentSigningKey() (*ecdsa.PublicKey, error) {
	cert, err := i.DocumentSigningCertificate()
	if err != nil {
		return nil, err
	}
	key, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unexpected DS public key type: %T, expected *ecdsa.PublicKey", cert.PublicKey)
	}
	return key, nil
}

// MobileSecurityObject unwraps and decodes the issuerAuth payload
// (a tag-24 wrapped MSO).
func (i *IssuerSigned) MobileSecurityObject() (*MobileSecurityObject, error) {
	if i.IssuerAuth.Payload == nil {
		return nil, fmt.Errorf("issuerAuth: missing payload")
	}

	var taggedData cbor.Tag
	if err := cbor.Unmarshal(i.IssuerAuth.Payload, &taggedData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tagged MSO: %w", err)
	}

	content, ok := taggedData.Content.([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected MSO tag content type: %T", taggedData.Content)
	}

	var mso MobileSecurityObject
	if err := cbor.Unmarshal(content, &mso); err != nil {
		return nil, fmt.Errorf("failed to unmarshal MSO: %w", err)
	}
	return &mso, nil
}

type IssuerNameSpaces map[NameSpace][]IssuerSignedItemBytes

type IssuerSignedItemBytes cbor.RawMessage

func (b IssuerSignedItemBytes) IssuerSignedItem() (*IssuerSignedItem, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty issuer signed item bytes")
	}
	var item IssuerSignedItem
	if err := cbor.Unmarshal(b, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal issuer signed item: %w", err)
	}
	item.rawBytes = b
	return &item, nil
}

// Digest computes the value digest of the tag-24 wrapped item, as stored in
// the MSO valueDigests map.
func (b IssuerSignedItemBytes) Digest(alg string) ([]byte, error) {
	v, err := cbor.Marshal(cbor.Tag{Number: 24, Content: cbor.RawMessage(b)})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tagged item: %w", err)
	}

	digest := hash.Digest(v, alg)
	if digest == nil {
		return nil, fmt.Errorf("unsupported digest algorithm: %s", alg)
	}
	return digest, nil
}

type IssuerSignedItem struct {
	DigestID          DigestID          `json:"digestID"`
	Random            []byte            `json:"random"`
	ElementIdentifier ElementIdentifier `json:"elementIdentifier"`
	ElementValue      ElementValue      `json:"elementValue"`
	rawBytes          IssuerSignedItemBytes
}

// Value returns the element value with any CBOR tag (e.g. full-date)
// unwrapped.
func (i *IssuerSignedItem) Value() ElementValue {
	if tag, ok := i.ElementValue.(cbor.Tag); ok {
		return tag.Content
	}
	return i.ElementValue
}

type MobileSecurityObject struct {
	Version         string        `json:"version"`
	DigestAlgorithm string        `json:"digestAlgorithm"`
	ValueDigests    ValueDigests  `json:"valueDigests"`
	DeviceKeyInfo   DeviceKeyInfo `json:"deviceKeyInfo"`
	DocType         DocType       `json:"docType"`
	ValidityInfo    ValidityInfo  `json:"validityInfo"`
}

func (m *MobileSecurityObject) DeviceKey() (*ecdsa.PublicKey, error) {
	if m == nil || m.DeviceKeyInfo.DeviceKey == nil {
		return nil, fmt.Errorf("device key not available")
	}
	return parseECDSA(m.DeviceKeyInfo.DeviceKey)
}

func (m *MobileSecurityObject) GetDigest(ns NameSpace, digestID DigestID) (Digest, error) {
	digests, ok := m.ValueDigests[ns]
	if !ok {
		return nil, ErrNamespaceNotFound{NameSpace: ns}
	}
	digest, ok := digests[digestID]
	if !ok {
		return nil, ErrDigestIDNotFound{NameSpace: ns, DigestID: digestID}
	}
	return digest, nil
}

type DeviceKeyInfo struct {
	DeviceKey         *COSEKey           `json:"deviceKey"`
	KeyAuthorizations *KeyAuthorizations `json:"keyAuthorizations,omitempty"`
	KeyInfo           *KeyInfo           `json:"keyInfo,omitempty"`
}

type COSEKey struct {
	Kty       int             `cbor:"1,keyasint,omitempty"`
	Kid       []byte          `cbor:"2,keyasint,omitempty"`
	Alg       int             `cbor:"3,keyasint,omitempty"`
	KeyOpts   int             `cbor:"4,keyasint,omitempty"`
	IV        []byte          `cbor:"5,keyasint,omitempty"`
	CrvOrNOrK cbor.RawMessage `cbor:"-1,keyasint,omitempty"` // K for symmetric keys, Crv for EC keys, N for RSA modulus
	XOrE      cbor.RawMessage `cbor:"-2,keyasint,omitempty"` // X coordinate for EC keys, E for RSA exponent
	Y         cbor.RawMessage `cbor:"-3,keyasint,omitempty"`
	D         []byte          `cbor:"-4,keyasint,omitempty"`
}

// NewCOSEKey encodes an ECDSA public key as a COSE_Key (RFC 8152 EC2).
func NewCOSEKey(pub *ecdsa.PublicKey) (*COSEKey, error) {
	var crv int
	switch pub.Curve {
	case elliptic.P256():
		crv = P256
	case elliptic.P384():
		crv = P384
	case elliptic.P521():
		crv = P521
	default:
		return nil, fmt.Errorf("unsupported curve: %v", pub.Curve)
	}

	crvEnc, err := cbor.Marshal(crv)
	if err != nil {
		return nil, err
	}
	xEnc, err := cbor.Marshal(pub.X.Bytes())
	if err != nil {
		return nil, err
	}
	yEnc, err := cbor.Marshal(pub.Y.Bytes())
	if err != nil {
		return nil, err
	}

	return &COSEKey{
		Kty:       2, // EC2
		CrvOrNOrK: crvEnc,
		XOrE:      xEnc,
		Y:         yEnc,
	}, nil
}

type KeyAuthorizations struct {
	NameSpaces   []NameSpace                       `cbor:"nameSpaces,omitempty"`
	DataElements map[NameSpace][]ElementIdentifier `cbor:"dataElements,omitempty"`
}

type KeyInfo map[int]interface{}

type ValueDigests map[NameSpace]DigestIDs

type DigestIDs map[DigestID]Digest

type ValidityInfo struct {
	Signed         time.Time `json:"signed"`
	ValidFrom      time.Time `json:"validFrom"`
	ValidUntil     time.Time `json:"validUntil"`
	ExpectedUpdate time.Time `json:"expectedUpdate,omitempty"`
}

type DeviceSigned struct {
	NameSpaces DeviceNameSpacesBytes `json:"nameSpaces"`
	DeviceAuth DeviceAuth            `json:"deviceAuth"`
}

type DeviceNameSpacesBytes cbor.RawMessage

type DeviceNameSpaces map[NameSpace]DeviceSignedItems

type DeviceSignedItems map[ElementIdentifier]ElementValue

// DeviceAuth carries the holder's proof of possession of the device key.
// Exactly one of the two variants is present: a COSE_Sign1 signature or a
// COSE_Mac0 computed with an ECDH-derived key.
type DeviceAuth struct {
	DeviceSignature *cose.UntaggedSign1Message `json:"deviceSignature,omitempty"`
	DeviceMac       *cose.UntaggedSign1Message `json:"deviceMac,omitempty"`
}

// DeviceAuthenticationBytes builds the tag-24 wrapped DeviceAuthentication
// structure that the holder signs or MACs over. Both parties must produce
// byte-identical output or verification fails.
func (d *DeviceSigned) DeviceAuthenticationBytes(docType DocType, sessionTranscript []byte) ([]byte, error) {
	if d == nil {
		return nil, fmt.Errorf("device signed is nil")
	}
	if len(sessionTranscript) == 0 {
		return nil, fmt.Errorf("session transcript is empty")
	}

	deviceAuthentication := []interface{}{
		"DeviceAuthentication",
		cbor.RawMessage(sessionTranscript),
		docType,
		cbor.Tag{Number: 24, Content: cbor.RawMessage(d.NameSpaces)},
	}

	da, err := cbor.Marshal(deviceAuthentication)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal device authentication: %w", err)
	}

	tagged, err := cbor.Marshal(cbor.Tag{Number: 24, Content: da})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tagged device authentication: %w", err)
	}
	return tagged, nil
}

func (d *DeviceSigned) DeviceNameSpaces() (DeviceNameSpaces, error) {
	if d.NameSpaces == nil {
		return nil, fmt.Errorf("device name spaces bytes is nil")
	}
	var nameSpaces DeviceNameSpaces
	if err := cbor.Unmarshal(d.NameSpaces, &nameSpaces); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device name spaces: %w", err)
	}
	return nameSpaces, nil
}

type DocumentError map[DocType]ErrorCode

type Errors map[NameSpace]ErrorItems

type ErrorItems map[ElementIdentifier]ErrorCode

type ErrorCode int

// COSE curve identifiers, RFC 8152 Table 21.
const (
	P256          = 1
	P384          = 2
	P521          = 3
	BrainpoolP256 = 8
	BrainpoolP384 = 9
	BrainpoolP512 = 10
)

func parseECDSA(coseKey *COSEKey) (*ecdsa.PublicKey, error) {
	if coseKey == nil {
		return nil, fmt.Errorf("cose key is nil")
	}

	var crv int
	if err := cbor.Unmarshal(coseKey.CrvOrNOrK, &crv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal curve: %w", err)
	}

	var xBytes []byte
	if err := cbor.Unmarshal(coseKey.XOrE, &xBytes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal X coordinate: %w", err)
	}

	var yBytes []byte
	if err := cbor.Unmarshal(coseKey.Y, &yBytes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal Y coordinate: %w", err)
	}

	if len(xBytes) == 0 || len(yBytes) == 0 {
		return nil, fmt.Errorf("invalid coordinates")
	}

	var curve elliptic.Curve
	switch crv {
	case P256:
		curve = elliptic.P256()
	case P384:
		curve = elliptic.P384()
	case P521:
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("unsupported curve: %d", crv)
	}

	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}

// Package walletsim simulates the issuing authority and the holder's wallet:
// it mints issuer-signed documents chained to an in-memory IACA and produces
// device-signed or device-MACed documents over a given session transcript.
// Tests use it to exercise the verification paths end to end.
package walletsim

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"
	"golang.org/x/crypto/hkdf"

	"github.com/kouzoh/kokukuma-disclosure/internal/cryptoroot"
	"github.com/kouzoh/kokukuma-disclosure/mdoc"
)

// Issuer holds an in-memory IACA root and a document signing key chained to
// it, with the mdoc DS extended key usage the verifier requires.
type Issuer struct {
	Root   *cryptoroot.Root
	DSKey  *ecdsa.PrivateKey
	DSCert *x509.Certificate
}

func NewIssuer() (*Issuer, error) {
	root, err := cryptoroot.NewRoot("Test IACA")
	if err != nil {
		return nil, err
	}
	dsKey, dsCert, err := root.IssueDocumentSigner("Test Document Signer")
	if err != nil {
		return nil, err
	}
	return &Issuer{Root: root, DSKey: dsKey, DSCert: dsCert}, nil
}

// TrustAnchors returns the pool a verifier should trust this issuer against.
func (i *Issuer) TrustAnchors() *x509.CertPool {
	return i.Root.Pool()
}

// DocumentSpec describes one document to issue.
type DocumentSpec struct {
	DocType    mdoc.DocType
	Attributes map[mdoc.NameSpace]map[mdoc.ElementIdentifier]mdoc.ElementValue
	Validity   *mdoc.ValidityInfo
}

// IssueDocument signs an MSO over the spec's attributes, binding the holder's
// device public key.
func (i *Issuer) IssueDocument(spec DocumentSpec, devicePub *ecdsa.PublicKey) (*mdoc.IssuerSigned, error) {
	nameSpaces := mdoc.IssuerNameSpaces{}
	valueDigests := mdoc.ValueDigests{}

	var digestID mdoc.DigestID
	for ns, elems := range spec.Attributes {
		valueDigests[ns] = mdoc.DigestIDs{}
		for id, value := range elems {
			random := make([]byte, 16)
			if _, err := rand.Read(random); err != nil {
				return nil, err
			}
			itemBytes, err := cbor.Marshal(mdoc.IssuerSignedItem{
				DigestID:          digestID,
				Random:            random,
				ElementIdentifier: id,
				ElementValue:      value,
			})
			if err != nil {
				return nil, err
			}

			isb := mdoc.IssuerSignedItemBytes(itemBytes)
			digest, err := isb.Digest("SHA-256")
			if err != nil {
				return nil, err
			}
			nameSpaces[ns] = append(nameSpaces[ns], isb)
			valueDigests[ns][digestID] = digest
			digestID++
		}
	}

	deviceKey, err := mdoc.NewCOSEKey(devicePub)
	if err != nil {
		return nil, err
	}

	validity := spec.Validity
	if validity == nil {
		now := time.Now()
		validity = &mdoc.ValidityInfo{
			Signed:     now,
			ValidFrom:  now.Add(-time.Hour),
			ValidUntil: now.AddDate(1, 0, 0),
		}
	}

	msoBytes, err := cbor.Marshal(mdoc.MobileSecurityObject{
		Version:         "1.0",
		DigestAlgorithm: "SHA-256",
		ValueDigests:    valueDigests,
		DeviceKeyInfo:   mdoc.DeviceKeyInfo{DeviceKey: deviceKey},
		DocType:         spec.DocType,
		ValidityInfo:    *validity,
	})
	if err != nil {
		return nil, err
	}
	payload, err := cbor.Marshal(cbor.Tag{Number: 24, Content: msoBytes})
	if err != nil {
		return nil, err
	}

	signer, err := cose.NewSigner(cose.AlgorithmES256, i.DSKey)
	if err != nil {
		return nil, err
	}
	issuerAuth := cose.UntaggedSign1Message{
		Headers: cose.Headers{
			Protected: cose.ProtectedHeader{
				cose.HeaderLabelAlgorithm: cose.AlgorithmES256,
			},
			Unprotected: cose.UnprotectedHeader{
				cose.HeaderLabelX5Chain: [][]byte{i.DSCert.Raw, i.Root.Cert.Raw},
			},
		},
		Payload: payload,
	}
	if err := issuerAuth.Sign(rand.Reader, nil, signer); err != nil {
		return nil, fmt.Errorf("failed to sign issuerAuth: %w", err)
	}

	return &mdoc.IssuerSigned{NameSpaces: nameSpaces, IssuerAuth: issuerAuth}, nil
}

// Holder owns a device key and finishes documents with device authentication.
type Holder struct {
	DeviceKey *ecdsa.PrivateKey
}

func NewHolder() (*Holder, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Holder{DeviceKey: key}, nil
}

func (h *Holder) DevicePublicKey() *ecdsa.PublicKey {
	return &h.DeviceKey.PublicKey
}

// SignDocument completes a document with the device signature variant: a
// COSE_Sign1 over the device authentication bytes, payload detached.
func (h *Holder) SignDocument(issuerSigned *mdoc.IssuerSigned, docType mdoc.DocType, sessionTranscript []byte) (*mdoc.Document, error) {
	deviceSigned, payload, err := deviceAuthPayload(docType, sessionTranscript)
	if err != nil {
		return nil, err
	}

	signer, err := cose.NewSigner(cose.AlgorithmES256, h.DeviceKey)
	if err != nil {
		return nil, err
	}
	msg := cose.UntaggedSign1Message{
		Headers: cose.Headers{
			Protected: cose.ProtectedHeader{
				cose.HeaderLabelAlgorithm: cose.AlgorithmES256,
			},
		},
		Payload: payload,
	}
	if err := msg.Sign(rand.Reader, nil, signer); err != nil {
		return nil, fmt.Errorf("failed to sign device auth: %w", err)
	}
	msg.Payload = nil

	deviceSigned.DeviceAuth.DeviceSignature = &msg
	return &mdoc.Document{
		DocType:      docType,
		IssuerSigned: *issuerSigned,
		DeviceSigned: *deviceSigned,
	}, nil
}

// MacDocument completes a document with the device MAC variant: a COSE_Mac0
// keyed with the EMacKey derived from ECDH against the verifier's ephemeral
// reader key.
func (h *Holder) MacDocument(issuerSigned *mdoc.IssuerSigned, docType mdoc.DocType, sessionTranscript []byte, readerPub *ecdh.PublicKey) (*mdoc.Document, error) {
	deviceSigned, payload, err := deviceAuthPayload(docType, sessionTranscript)
	if err != nil {
		return nil, err
	}

	macKey, err := h.emacKey(readerPub, sessionTranscript)
	if err != nil {
		return nil, err
	}

	msg := cose.UntaggedSign1Message{
		Headers: cose.Headers{
			Protected: cose.ProtectedHeader{
				cose.HeaderLabelAlgorithm: 5, // HMAC 256/256
			},
		},
		Payload: payload,
	}
	protected, err := msg.Headers.MarshalProtected()
	if err != nil {
		return nil, err
	}
	macStructure, err := cbor.Marshal([]interface{}{
		"MAC0",
		cbor.RawMessage(protected),
		[]byte{},
		payload,
	})
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, macKey)
	mac.Write(macStructure)
	msg.Signature = mac.Sum(nil)
	msg.Payload = nil

	deviceSigned.DeviceAuth.DeviceMac = &msg
	return &mdoc.Document{
		DocType:      docType,
		IssuerSigned: *issuerSigned,
		DeviceSigned: *deviceSigned,
	}, nil
}

func (h *Holder) emacKey(readerPub *ecdh.PublicKey, sessionTranscript []byte) ([]byte, error) {
	deviceECDH, err := h.DeviceKey.ECDH()
	if err != nil {
		return nil, err
	}
	shared, err := deviceECDH.ECDH(readerPub)
	if err != nil {
		return nil, err
	}

	tagged, err := cbor.Marshal(cbor.Tag{Number: 24, Content: sessionTranscript})
	if err != nil {
		return nil, err
	}
	salt := sha256.Sum256(tagged)

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt[:], []byte("EMacKey")), key); err != nil {
		return nil, err
	}
	return key, nil
}

func deviceAuthPayload(docType mdoc.DocType, sessionTranscript []byte) (*mdoc.DeviceSigned, []byte, error) {
	deviceNS, err := cbor.Marshal(mdoc.DeviceNameSpaces{})
	if err != nil {
		return nil, nil, err
	}
	deviceSigned := &mdoc.DeviceSigned{NameSpaces: mdoc.DeviceNameSpacesBytes(deviceNS)}

	payload, err := deviceSigned.DeviceAuthenticationBytes(docType, sessionTranscript)
	if err != nil {
		return nil, nil, err
	}
	return deviceSigned, payload, nil
}

// NewDeviceResponse wraps finished documents in a success response.
func NewDeviceResponse(docs ...*mdoc.Document) *mdoc.DeviceResponse {
	resp := &mdoc.DeviceResponse{Version: "1.0", Status: 0}
	for _, doc := range docs {
		resp.Documents = append(resp.Documents, *doc)
	}
	return resp
}

package mdoc

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for verification failures that carry no parameters.
var (
	ErrNoDocuments                 = errors.New("no documents found in device response")
	ErrAttributeVerificationFailed = errors.New("attribute verification failed: did not hash to the value in the MSO")
	ErrEphemeralKeyMissing         = errors.New("missing ephemeral reader key")
)

type ErrDocumentNotFound struct {
	DocType DocType
}

func (e ErrDocumentNotFound) Error() string {
	return fmt.Sprintf("document not found: doctype=%s", e.DocType)
}

type ErrUnexpectedStatus struct {
	Status uint
}

func (e ErrUnexpectedStatus) Error() string {
	return fmt.Sprintf("unexpected device response status: %d", e.Status)
}

type ErrDeviceResponseErrors struct {
	DocumentErrors []DocumentError
}

func (e ErrDeviceResponseErrors) Error() string {
	return fmt.Sprintf("errors in device response: %v", e.DocumentErrors)
}

type ErrWrongDocType struct {
	Document DocType
	MSO      DocType
}

func (e ErrWrongDocType) Error() string {
	return fmt.Sprintf("inconsistent doctypes: document contained %s, mso contained %s", e.Document, e.MSO)
}

type ErrNamespaceNotFound struct {
	NameSpace NameSpace
}

func (e ErrNamespaceNotFound) Error() string {
	return fmt.Sprintf("namespace %s not found in mso", e.NameSpace)
}

type ErrDigestIDNotFound struct {
	NameSpace NameSpace
	DigestID  DigestID
}

func (e ErrDigestIDNotFound) Error() string {
	return fmt.Sprintf("digest ID %d not found in mso namespace %s", e.DigestID, e.NameSpace)
}

type ErrNotYetValid struct {
	ValidFrom string
}

func (e ErrNotYetValid) Error() string {
	return fmt.Sprintf("mso not yet valid: valid from %s", e.ValidFrom)
}

type ErrExpired struct {
	ValidUntil string
}

func (e ErrExpired) Error() string {
	return fmt.Sprintf("mso expired at %s", e.ValidUntil)
}

type ErrUnexpectedCACommonNameCount struct {
	Count int
}

func (e ErrUnexpectedCACommonNameCount) Error() string {
	return fmt.Sprintf("unexpected amount of CA Common Names in issuer certificate: expected 1, found %d", e.Count)
}

type ErrUnexpectedIssuerCommonNameCount struct {
	Count int
}

func (e ErrUnexpectedIssuerCommonNameCount) Error() string {
	return fmt.Sprintf("unexpected amount of Common Names in issuer certificate: expected 1, found %d", e.Count)
}

// ErrMissingAttributes is returned by the request/response matcher when
// requested attributes are absent from the disclosure.
type ErrMissingAttributes struct {
	Missing []AttributeIdentifier
}

func (e ErrMissingAttributes) Error() string {
	ids := make([]string, 0, len(e.Missing))
	for _, id := range e.Missing {
		ids = append(ids, id.String())
	}
	return fmt.Sprintf("attributes missing from response: %s", strings.Join(ids, ", "))
}

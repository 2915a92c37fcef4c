// Package document catalogs well-known document types, namespaces and data
// elements, and the presentation-exchange structures used to request them.
package document

import (
	"github.com/kouzoh/kokukuma-disclosure/mdoc"
)

const (
	// ISO/IEC 18013-5 mobile driving licence.
	IsoMDL     mdoc.DocType   = "org.iso.18013.5.1.mDL"
	ISO1801351 mdoc.NameSpace = "org.iso.18013.5.1"

	// EU digital identity wallet PID.
	EudiPid  mdoc.DocType   = "eu.europa.ec.eudi.pid.1"
	EUDIPID1 mdoc.NameSpace = "eu.europa.ec.eudi.pid.1"
)

// ISO 18013-5 7.2.1 data elements (subset in common use).
const (
	IsoFamilyName        mdoc.ElementIdentifier = "family_name"
	IsoGivenName         mdoc.ElementIdentifier = "given_name"
	IsoBirthDate         mdoc.ElementIdentifier = "birth_date"
	IsoExpiryDate        mdoc.ElementIdentifier = "expiry_date"
	IsoIssuingCountry    mdoc.ElementIdentifier = "issuing_country"
	IsoIssuingAuthority  mdoc.ElementIdentifier = "issuing_authority"
	IsoDocumentNumber    mdoc.ElementIdentifier = "document_number"
	IsoPortrait          mdoc.ElementIdentifier = "portrait"
	IsoDrivingPrivileges mdoc.ElementIdentifier = "driving_privileges"
	IsoAgeOver18         mdoc.ElementIdentifier = "age_over_18"
	IsoNationality       mdoc.ElementIdentifier = "nationality"
	IsoResidentAddress   mdoc.ElementIdentifier = "resident_address"
	IsoResidentCity      mdoc.ElementIdentifier = "resident_city"
	IsoResidentCountry   mdoc.ElementIdentifier = "resident_country"
)

// EUDI PID rulebook data elements (subset).
const (
	EudiFamilyName     mdoc.ElementIdentifier = "family_name"
	EudiGivenName      mdoc.ElementIdentifier = "given_name"
	EudiBirthDate      mdoc.ElementIdentifier = "birth_date"
	EudiAgeOver18      mdoc.ElementIdentifier = "age_over_18"
	EudiNationality    mdoc.ElementIdentifier = "nationality"
	EudiIssuingCountry mdoc.ElementIdentifier = "issuing_country"
	EudiExpiryDate     mdoc.ElementIdentifier = "expiry_date"
)

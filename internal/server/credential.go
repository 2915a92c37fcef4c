package server

import (
	"github.com/kouzoh/kokukuma-disclosure/document"
	"github.com/kouzoh/kokukuma-disclosure/mdoc"
)

var defaultAttributes = []string{"family_name", "given_name", "birth_date", "issuing_country"}

// isoElements maps the attribute names the frontend uses to mDL data
// elements; eudiElements to their PID rulebook equivalents where one exists.
var (
	isoElements = map[string]mdoc.ElementIdentifier{
		"family_name":       document.IsoFamilyName,
		"given_name":        document.IsoGivenName,
		"birth_date":        document.IsoBirthDate,
		"expiry_date":       document.IsoExpiryDate,
		"issuing_country":   document.IsoIssuingCountry,
		"issuing_authority": document.IsoIssuingAuthority,
		"document_number":   document.IsoDocumentNumber,
		"age_over_18":       document.IsoAgeOver18,
		"nationality":       document.IsoNationality,
	}
	eudiElements = map[string]mdoc.ElementIdentifier{
		"family_name":     document.EudiFamilyName,
		"given_name":      document.EudiGivenName,
		"birth_date":      document.EudiBirthDate,
		"expiry_date":     document.EudiExpiryDate,
		"issuing_country": document.EudiIssuingCountry,
		"age_over_18":     document.EudiAgeOver18,
		"nationality":     document.EudiNationality,
	}
)

// ItemsRequestsFromAttributes builds the items requests for the selected
// attribute names, requesting both the ISO mDL and the EUDI PID rendition of
// each attribute. Unknown names are ignored.
func ItemsRequestsFromAttributes(attributes []string) mdoc.ItemsRequests {
	if len(attributes) == 0 {
		attributes = defaultAttributes
	}

	iso := map[mdoc.ElementIdentifier]bool{}
	eudi := map[mdoc.ElementIdentifier]bool{}
	for _, attr := range attributes {
		if elem, ok := isoElements[attr]; ok {
			iso[elem] = false
		}
		if elem, ok := eudiElements[attr]; ok {
			eudi[elem] = false
		}
	}

	var requests mdoc.ItemsRequests
	if len(iso) > 0 {
		requests = append(requests, mdoc.ItemsRequest{
			DocType: document.IsoMDL,
			NameSpaces: map[mdoc.NameSpace]map[mdoc.ElementIdentifier]bool{
				document.ISO1801351: iso,
			},
		})
	}
	if len(eudi) > 0 {
		requests = append(requests, mdoc.ItemsRequest{
			DocType: document.EudiPid,
			NameSpaces: map[mdoc.NameSpace]map[mdoc.ElementIdentifier]bool{
				document.EUDIPID1: eudi,
			},
		})
	}
	return requests
}

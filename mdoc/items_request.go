package mdoc

import (
	"fmt"
	"sort"
)

// ItemsRequest is one requested document: the attributes wanted from it,
// grouped per namespace, each flagged with intent to retain.
type ItemsRequest struct {
	DocType    DocType                                `json:"docType"`
	NameSpaces map[NameSpace]map[ElementIdentifier]bool `json:"nameSpaces"`
}

// ItemsRequests is everything a verifier wants disclosed in one session.
type ItemsRequests []ItemsRequest

// AttributeIdentifier uniquely names one requested or disclosed attribute.
type AttributeIdentifier struct {
	DocType           DocType           `json:"docType"`
	NameSpace         NameSpace         `json:"nameSpace"`
	ElementIdentifier ElementIdentifier `json:"elementIdentifier"`
}

func (a AttributeIdentifier) String() string {
	return fmt.Sprintf("%s/%s/%s", a.DocType, a.NameSpace, a.ElementIdentifier)
}

// AttributeIdentifiers lists the identifiers of all requested attributes,
// deduplicated, in deterministic order.
func (r ItemsRequest) AttributeIdentifiers() []AttributeIdentifier {
	seen := make(map[AttributeIdentifier]struct{})
	var ids []AttributeIdentifier
	for ns, elems := range r.NameSpaces {
		for elem := range elems {
			id := AttributeIdentifier{DocType: r.DocType, NameSpace: ns, ElementIdentifier: elem}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	sortAttributeIdentifiers(ids)
	return ids
}

// MatchAgainstResponse checks that every requested attribute is present in
// the device response. If a requested doctype is entirely absent, all of its
// attributes count as missing. Presence is order-insensitive and duplicate
// requests collapse. A non-nil error is always an ErrMissingAttributes; the
// caller decides whether that fails the session.
func (rs ItemsRequests) MatchAgainstResponse(resp *DeviceResponse) error {
	var missing []AttributeIdentifier
	for _, req := range rs {
		doc, err := resp.GetDocument(req.DocType)
		if err != nil {
			missing = append(missing, req.AttributeIdentifiers()...)
			continue
		}
		missing = append(missing, req.matchAgainstIssuerSigned(doc)...)
	}

	if len(missing) == 0 {
		return nil
	}
	sortAttributeIdentifiers(missing)
	return ErrMissingAttributes{Missing: missing}
}

// matchAgainstIssuerSigned returns requested attributes, if any, that are not
// present in the document's issuer-signed namespaces.
func (r ItemsRequest) matchAgainstIssuerSigned(doc *Document) []AttributeIdentifier {
	present := make(map[AttributeIdentifier]struct{})
	for ns, itemBytes := range doc.IssuerSigned.NameSpaces {
		for _, b := range itemBytes {
			item, err := b.IssuerSignedItem()
			if err != nil {
				continue
			}
			present[AttributeIdentifier{
				DocType:           doc.DocType,
				NameSpace:         ns,
				ElementIdentifier: item.ElementIdentifier,
			}] = struct{}{}
		}
	}

	var missing []AttributeIdentifier
	for _, id := range r.AttributeIdentifiers() {
		if _, ok := present[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

func sortAttributeIdentifiers(ids []AttributeIdentifier) {
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
}

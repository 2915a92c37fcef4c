package openid4vp

import (
	"fmt"
	"sort"

	"github.com/kouzoh/kokukuma-disclosure/document"
	"github.com/kouzoh/kokukuma-disclosure/mdoc"
)

// PresentationDefinitionFromItemsRequests translates the requested attributes
// into a presentation definition: one input descriptor per document type with
// limit_disclosure required and per-field intent_to_retain flags.
func PresentationDefinitionFromItemsRequests(id string, requests mdoc.ItemsRequests) document.PresentationDefinition {
	pd := document.PresentationDefinition{ID: id}

	for _, req := range requests {
		var fields []document.PathField
		for ns, elems := range req.NameSpaces {
			for elem, retain := range elems {
				fields = append(fields, document.PathField{
					Path:           []string{fmt.Sprintf("$['%s']['%s']", ns, elem)},
					IntentToRetain: retain,
				})
			}
		}
		// Map iteration order is random; the wallet does not care but the
		// signed request should be reproducible for a given session.
		sort.Slice(fields, func(i, j int) bool {
			return fields[i].Path[0] < fields[j].Path[0]
		})

		pd.InputDescriptors = append(pd.InputDescriptors, document.InputDescriptor{
			ID: string(req.DocType),
			Format: document.Format{
				MsoMdoc: document.MsoMdoc{
					Alg: []string{"ES256"},
				},
			},
			Constraints: document.Constraints{
				LimitDisclosure: "required",
				Fields:          fields,
			},
		})
	}
	return pd
}

package document

// Presentation exchange structures,
// https://identity.foundation/presentation-exchange/spec/v2.0.0/

type PresentationDefinition struct {
	ID               string            `json:"id"`
	InputDescriptors []InputDescriptor `json:"input_descriptors"`
}

type InputDescriptor struct {
	ID          string      `json:"id"`
	Name        string      `json:"name,omitempty"`
	Purpose     string      `json:"purpose,omitempty"`
	Format      Format      `json:"format,omitempty"`
	Constraints Constraints `json:"constraints"`
}

type Constraints struct {
	LimitDisclosure string      `json:"limit_disclosure,omitempty"`
	Fields          []PathField `json:"fields,omitempty"`
}

type Format struct {
	MsoMdoc MsoMdoc `json:"mso_mdoc,omitempty"`
}

type MsoMdoc struct {
	Alg []string `json:"alg,omitempty"`
}

type PathField struct {
	Path           []string `json:"path"`
	IntentToRetain bool     `json:"intent_to_retain"`
	Optional       bool     `json:"optional,omitempty"`
}

type PresentationSubmission struct {
	ID            string      `json:"id"`
	DefinitionID  string      `json:"definition_id"`
	DescriptorMap interface{} `json:"descriptor_map"`
}

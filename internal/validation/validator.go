package validation

import "github.com/rendis/rowscript/pkg/schema"

// Validator checks node definition documents before they are built.
type Validator interface {
	ValidateNode(doc any) error
	ValidateVariables(vars map[string]any, varSchema []byte) error
}

// NodeValidator runs the two-stage pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (class names, placeholders, classpath entries)
type NodeValidator struct {
	jsonSchema *JSONSchemaValidator
}

// NewNodeValidator creates a NodeValidator.
func NewNodeValidator() (*NodeValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &NodeValidator{jsonSchema: jsv}, nil
}

// Validate returns every issue of doc. Structural errors skip the semantic
// stage.
func (nv *NodeValidator) Validate(doc any) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err := nv.jsonSchema.ValidateNode(doc); err != nil {
		addStructural(result, err)
		return result
	}
	m, _ := doc.(map[string]any)
	result.Merge(validateSemantic(m))
	return result
}

// ValidateNode satisfies Validator.
func (nv *NodeValidator) ValidateNode(doc any) error {
	return nv.Validate(doc).ToError()
}

// ValidateVariables delegates to the JSON Schema validator.
func (nv *NodeValidator) ValidateVariables(vars map[string]any, varSchema []byte) error {
	return nv.jsonSchema.ValidateVariables(vars, varSchema)
}

func addStructural(result *schema.ValidationResult, err error) {
	ee, ok := err.(*schema.EngineError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return
	}
	if violations, ok := ee.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return
	}
	result.AddError("/", schema.ErrCodeValidation, ee.Message)
}

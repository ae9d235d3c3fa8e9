// Package template holds the per-form extraction templates: which fields a
// form carries, how their labels read, the fallback text patterns, and the
// arithmetic identities the validator cross-foots. Templates ship embedded
// and can be overlaid from a directory at runtime.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/msfg/taxdoc/constants"
)

// Value types a field can normalize to.
const (
	TypeCurrency   = "currency"
	TypePercentage = "percentage"
	TypeText       = "text"
)

// FieldSpec describes one extractable field.
type FieldSpec struct {
	Name     string   `json:"name"`
	Label    string   `json:"label"`
	Type     string   `json:"type"`
	Required bool     `json:"required,omitempty"`
	Synonyms []string `json:"synonyms,omitempty"`
	Patterns []string `json:"patterns"`
	Min      *float64 `json:"min,omitempty"`
	Max      *float64 `json:"max,omitempty"`

	compiled []*regexp.Regexp
}

// PatternRes returns the compiled fallback patterns in declaration order.
func (f *FieldSpec) PatternRes() []*regexp.Regexp { return f.compiled }

// CrossFootRule declares an arithmetic identity between fields:
// sum(Add) - sum(Subtract) == Equals, within the configured tolerance.
type CrossFootRule struct {
	Name     string   `json:"name"`
	Add      []string `json:"add"`
	Subtract []string `json:"subtract,omitempty"`
	Equals   string   `json:"equals"`
}

// FormTemplate is the full template for one form type.
type FormTemplate struct {
	FormType   constants.FormType `json:"form_type"`
	Title      string             `json:"title"`
	Signatures []string           `json:"signatures"`
	Fields     []FieldSpec        `json:"fields"`
	CrossFoot  []CrossFootRule    `json:"cross_foot,omitempty"`

	sigRes []*regexp.Regexp
}

// Field looks up a field spec by name.
func (t *FormTemplate) Field(name string) *FieldSpec {
	for i := range t.Fields {
		if t.Fields[i].Name == name {
			return &t.Fields[i]
		}
	}
	return nil
}

// SignatureMatches counts how many title signatures match the given text.
func (t *FormTemplate) SignatureMatches(text string) int {
	n := 0
	for _, re := range t.sigRes {
		if re.MatchString(text) {
			n++
		}
	}
	return n
}

// parseTemplate validates raw JSON against the template schema, unmarshals
// it, and compiles every regex. A template that fails any of these steps is
// rejected wholesale.
func parseTemplate(raw []byte, schema *jsonschema.Schema) (*FormTemplate, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("template: invalid JSON: %w", err)
	}
	if err := schema.Validate(generic); err != nil {
		return nil, fmt.Errorf("template: schema violation: %w", err)
	}

	var t FormTemplate
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, err
	}
	if _, ok := constants.NormalizeFormType(string(t.FormType)); !ok {
		return nil, fmt.Errorf("template: unknown form type %q", t.FormType)
	}

	for _, sig := range t.Signatures {
		re, err := regexp.Compile("(?i)" + sig)
		if err != nil {
			return nil, fmt.Errorf("template %s: signature %q: %w", t.FormType, sig, err)
		}
		t.sigRes = append(t.sigRes, re)
	}
	for i := range t.Fields {
		f := &t.Fields[i]
		switch f.Type {
		case TypeCurrency, TypePercentage, TypeText:
		default:
			return nil, fmt.Errorf("template %s: field %s: unknown type %q", t.FormType, f.Name, f.Type)
		}
		for _, p := range f.Patterns {
			re, err := regexp.Compile("(?is)" + p)
			if err != nil {
				return nil, fmt.Errorf("template %s: field %s: pattern %q: %w", t.FormType, f.Name, p, err)
			}
			f.compiled = append(f.compiled, re)
		}
	}
	for _, cf := range t.CrossFoot {
		for _, name := range append(append([]string{cf.Equals}, cf.Add...), cf.Subtract...) {
			if t.Field(name) == nil {
				return nil, fmt.Errorf("template %s: cross-foot %s references unknown field %q", t.FormType, cf.Name, name)
			}
		}
	}
	return &t, nil
}

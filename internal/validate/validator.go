// Package validate checks mapped fields against their template: required
// presence, value ranges, identifier formats, and the cross-footing
// identities. Cross-foot failures beyond the dollar tolerance are hard
// errors; range and format anomalies stay warnings.
package validate

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/msfg/taxdoc/internal/document"
	"github.com/msfg/taxdoc/internal/template"
)

var (
	reSSN = regexp.MustCompile(`^\d{3}-\d{2}-\d{4}$`)
	reEIN = regexp.MustCompile(`^\d{2}-\d{7}$`)
)

// Validator implements the validation stage.
type Validator struct {
	tolerance float64 // dollars; cross-foot differences beyond this are errors
	logger    *slog.Logger
}

func NewValidator(tolerance float64, logger *slog.Logger) *Validator {
	if tolerance <= 0 {
		tolerance = 1.00
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{tolerance: tolerance, logger: logger}
}

// Run produces the validation report for one document's mapped fields.
func (v *Validator) Run(tmpl *template.FormTemplate, results []document.ExtractionResult) document.ValidationReport {
	report := document.ValidationReport{Valid: true}

	byField := make(map[string]document.ExtractionResult, len(results))
	for _, r := range results {
		byField[r.Field] = r
	}

	for i := range tmpl.Fields {
		f := &tmpl.Fields[i]
		res, present := byField[f.Name]

		if f.Required && !present {
			report.Errors = append(report.Errors, document.ValidationIssue{
				Rule:    "required",
				Field:   f.Name,
				Message: fmt.Sprintf("required field %s is missing", f.Name),
			})
			continue
		}
		if !present {
			continue
		}

		if num, ok := numeric(res.Value); ok {
			if f.Min != nil && num < *f.Min {
				report.Warnings = append(report.Warnings, document.ValidationIssue{
					Rule:    "range",
					Field:   f.Name,
					Message: fmt.Sprintf("value %.2f is below minimum %.2f", num, *f.Min),
				})
			}
			if f.Max != nil && num > *f.Max {
				report.Warnings = append(report.Warnings, document.ValidationIssue{
					Rule:    "range",
					Field:   f.Name,
					Message: fmt.Sprintf("value %.2f is above maximum %.2f", num, *f.Max),
				})
			}
		}

		if issue := checkIdentifier(f.Name, res.Value); issue != nil {
			report.Warnings = append(report.Warnings, *issue)
		}
		if res.Confidence < 0.5 {
			report.Warnings = append(report.Warnings, document.ValidationIssue{
				Rule:    "low_confidence",
				Field:   f.Name,
				Message: fmt.Sprintf("field confidence %.2f is low", res.Confidence),
			})
		}
	}

	report.Errors = append(report.Errors, v.crossFoot(tmpl, byField)...)

	report.Valid = len(report.Errors) == 0
	report.OverallScore = score(len(report.Errors), len(report.Warnings))
	v.logger.Debug("validate.ok",
		"form_type", tmpl.FormType,
		"valid", report.Valid,
		"score", report.OverallScore,
		"errors", len(report.Errors),
		"warnings", len(report.Warnings),
	)
	return report
}

// crossFoot evaluates every declared identity whose fields are all present.
// An identity with any absent operand is skipped, not failed.
func (v *Validator) crossFoot(tmpl *template.FormTemplate, byField map[string]document.ExtractionResult) []document.ValidationIssue {
	var issues []document.ValidationIssue
	for _, rule := range tmpl.CrossFoot {
		sum := 0.0
		complete := true
		for _, name := range rule.Add {
			n, ok := fieldNumeric(byField, name)
			if !ok {
				complete = false
				break
			}
			sum += n
		}
		if complete {
			for _, name := range rule.Subtract {
				n, ok := fieldNumeric(byField, name)
				if !ok {
					complete = false
					break
				}
				sum -= n
			}
		}
		expected, ok := fieldNumeric(byField, rule.Equals)
		if !complete || !ok {
			continue
		}

		diff := sum - expected
		if diff < 0 {
			diff = -diff
		}
		if diff > v.tolerance {
			issues = append(issues, document.ValidationIssue{
				Rule:  "cross_foot",
				Field: rule.Equals,
				Message: fmt.Sprintf("%s: computed %.2f but %s reads %.2f (off by %.2f)",
					rule.Name, sum, rule.Equals, expected, diff),
			})
		}
	}
	return issues
}

func fieldNumeric(byField map[string]document.ExtractionResult, name string) (float64, bool) {
	res, ok := byField[name]
	if !ok {
		return 0, false
	}
	return numeric(res.Value)
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func checkIdentifier(name string, value any) *document.ValidationIssue {
	s, ok := value.(string)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(s)
	switch {
	case strings.Contains(name, "ssn"):
		if !reSSN.MatchString(s) {
			return &document.ValidationIssue{
				Rule:    "identifier",
				Field:   name,
				Message: "value does not look like an SSN (expected NNN-NN-NNNN)",
			}
		}
	case strings.Contains(name, "ein"):
		if !reEIN.MatchString(s) {
			return &document.ValidationIssue{
				Rule:    "identifier",
				Field:   name,
				Message: "value does not look like an EIN (expected NN-NNNNNNN)",
			}
		}
	}
	return nil
}

// score folds errors and warnings into a 0..1 quality figure. Errors cost 0.1
// each up to half the score; warnings cost 0.02 each up to 0.3.
func score(errors, warnings int) float64 {
	s := 1.0
	errPenalty := 0.1 * float64(errors)
	if errPenalty > 0.5 {
		errPenalty = 0.5
	}
	warnPenalty := 0.02 * float64(warnings)
	if warnPenalty > 0.3 {
		warnPenalty = 0.3
	}
	s -= errPenalty + warnPenalty
	if s < 0 {
		return 0
	}
	return s
}

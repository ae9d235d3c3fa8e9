package validate

import (
	"testing"

	"github.com/msfg/taxdoc/constants"
	"github.com/msfg/taxdoc/internal/document"
	"github.com/msfg/taxdoc/internal/template"
)

func loadTemplate(t *testing.T, form constants.FormType) *template.FormTemplate {
	t.Helper()
	r, err := template.NewRegistry("", nil)
	if err != nil {
		t.Fatal(err)
	}
	tmpl, err := r.Template(form)
	if err != nil {
		t.Fatal(err)
	}
	return tmpl
}

func result(field string, value any, confidence float64) document.ExtractionResult {
	return document.ExtractionResult{Field: field, Value: value, Confidence: confidence}
}

func TestRunRequiredFieldMissing(t *testing.T) {
	tmpl := loadTemplate(t, "schedule_c")
	report := NewValidator(1.0, nil).Run(tmpl, []document.ExtractionResult{
		result("other_income", 500.0, 0.9),
	})
	if report.Valid {
		t.Error("missing required net_profit must invalidate the document")
	}
	found := false
	for _, e := range report.Errors {
		if e.Rule == "required" && e.Field == "net_profit" {
			found = true
		}
	}
	if !found {
		t.Errorf("errors = %v, want a required error for net_profit", report.Errors)
	}
}

func TestRunRangeWarning(t *testing.T) {
	tmpl := loadTemplate(t, "schedule_c")
	report := NewValidator(1.0, nil).Run(tmpl, []document.ExtractionResult{
		result("net_profit", 2500000.0, 0.9),
	})
	if !report.Valid {
		t.Error("a range violation is a warning, not an error")
	}
	found := false
	for _, w := range report.Warnings {
		if w.Rule == "range" && w.Field == "net_profit" {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %v, want a range warning for net_profit", report.Warnings)
	}
}

func TestRunLowConfidenceWarning(t *testing.T) {
	tmpl := loadTemplate(t, "schedule_c")
	report := NewValidator(1.0, nil).Run(tmpl, []document.ExtractionResult{
		result("net_profit", 10000.0, 0.30),
	})
	found := false
	for _, w := range report.Warnings {
		if w.Rule == "low_confidence" && w.Field == "net_profit" {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %v, want a low_confidence warning", report.Warnings)
	}
}

func TestCrossFootExactSumPasses(t *testing.T) {
	tmpl := loadTemplate(t, "form_1120")
	report := NewValidator(1.0, nil).Run(tmpl, []document.ExtractionResult{
		result("gross_receipts", 100000.0, 0.9),
		result("returns_allowances", 5000.0, 0.9),
		result("other_income", 2000.0, 0.9),
		result("total_income", 97000.0, 0.9),
		result("total_expenses", 40000.0, 0.9),
		result("taxable_income", 57000.0, 0.9),
	})
	if !report.Valid {
		t.Errorf("books that foot must validate; errors = %v", report.Errors)
	}
}

func TestCrossFootMismatchIsHardError(t *testing.T) {
	tmpl := loadTemplate(t, "form_1120")
	report := NewValidator(1.0, nil).Run(tmpl, []document.ExtractionResult{
		result("gross_receipts", 100000.0, 0.9),
		result("returns_allowances", 5000.0, 0.9),
		result("other_income", 2000.0, 0.9),
		result("total_income", 90000.0, 0.9), // off by 7,000
		result("total_expenses", 40000.0, 0.9),
		result("taxable_income", 50000.0, 0.9),
	})
	if report.Valid {
		t.Error("a cross-foot mismatch beyond the tolerance must be a hard error")
	}
	found := false
	for _, e := range report.Errors {
		if e.Rule == "cross_foot" && e.Field == "total_income" {
			found = true
		}
	}
	if !found {
		t.Errorf("errors = %v, want a cross_foot error on total_income", report.Errors)
	}
}

func TestCrossFootScheduleCExpenses(t *testing.T) {
	tmpl := loadTemplate(t, "schedule_c")

	// Sub-items foot to 65,047 against a stated total of 69,297.
	report := NewValidator(1.0, nil).Run(tmpl, []document.ExtractionResult{
		result("net_profit", 69297.0, 0.9),
		result("advertising", 60000.0, 0.9),
		result("depletion", 300.0, 0.9),
		result("depreciation", 497.0, 0.9),
		result("meals", 4250.0, 0.9),
		result("total_expenses", 69297.0, 0.9),
	})
	if report.Valid {
		t.Error("expense sub-items that do not foot must be a hard error")
	}
	found := false
	for _, e := range report.Errors {
		if e.Rule == "cross_foot" && e.Field == "total_expenses" {
			found = true
		}
	}
	if !found {
		t.Errorf("errors = %v, want a cross_foot error on total_expenses", report.Errors)
	}

	// The same sub-items against the exact 65,047 total pass.
	report = NewValidator(1.0, nil).Run(tmpl, []document.ExtractionResult{
		result("net_profit", 69297.0, 0.9),
		result("advertising", 60000.0, 0.9),
		result("depletion", 300.0, 0.9),
		result("depreciation", 497.0, 0.9),
		result("meals", 4250.0, 0.9),
		result("total_expenses", 65047.0, 0.9),
	})
	if !report.Valid {
		t.Errorf("books that foot must validate; errors = %v", report.Errors)
	}
}

func TestCrossFootWithinTolerancePasses(t *testing.T) {
	tmpl := loadTemplate(t, "form_1120")
	report := NewValidator(1.0, nil).Run(tmpl, []document.ExtractionResult{
		result("gross_receipts", 100000.50, 0.9),
		result("returns_allowances", 5000.0, 0.9),
		result("other_income", 2000.0, 0.9),
		result("total_income", 97000.0, 0.9), // off by $0.50, inside the dollar
		result("total_expenses", 40000.0, 0.9),
		result("taxable_income", 57000.0, 0.9),
	})
	for _, e := range report.Errors {
		if e.Rule == "cross_foot" {
			t.Errorf("sub-dollar rounding must pass: %v", e)
		}
	}
}

func TestCrossFootSkipsIncompleteIdentity(t *testing.T) {
	tmpl := loadTemplate(t, "form_1120")
	// gross_receipts missing: the identity cannot be evaluated, which is an
	// absence, not a failure.
	report := NewValidator(1.0, nil).Run(tmpl, []document.ExtractionResult{
		result("other_income", 2000.0, 0.9),
		result("total_income", 97000.0, 0.9),
		result("total_expenses", 40000.0, 0.9),
		result("taxable_income", 57000.0, 0.9),
	})
	for _, e := range report.Errors {
		if e.Rule == "cross_foot" {
			t.Errorf("incomplete identities must be skipped: %v", e)
		}
	}
}

func TestIdentifierWarnings(t *testing.T) {
	tests := []struct {
		field string
		value string
		warn  bool
	}{
		{"taxpayer_ssn", "123-45-6789", false},
		{"taxpayer_ssn", "123456789", true},
		{"employer_ein", "12-3456789", false},
		{"employer_ein", "123-45-6789", true},
	}
	for _, tt := range tests {
		issue := checkIdentifier(tt.field, tt.value)
		if (issue != nil) != tt.warn {
			t.Errorf("checkIdentifier(%s, %q) issue = %v, want warn %v", tt.field, tt.value, issue, tt.warn)
		}
	}
}

func TestScore(t *testing.T) {
	tests := []struct {
		errors, warnings int
		want             float64
	}{
		{0, 0, 1.0},
		{1, 0, 0.9},
		{0, 5, 0.9},
		{10, 0, 0.5},
		{20, 0, 0.5},    // error penalty caps at 0.5
		{0, 100, 0.7},   // warning penalty caps at 0.3
		{20, 100, 0.2},  // both caps apply
	}
	for _, tt := range tests {
		got := score(tt.errors, tt.warnings)
		if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("score(%d, %d) = %v, want %v", tt.errors, tt.warnings, got, tt.want)
		}
	}
}

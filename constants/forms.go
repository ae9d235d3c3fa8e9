package constants

import "strings"

// FormType identifies a supported tax form family. Values double as template
// file keys, so they are stable snake_case strings.
type FormType string

const (
	ScheduleC FormType = "schedule_c"
	Form1040  FormType = "form_1040"
	ScheduleE FormType = "schedule_e"
	ScheduleB FormType = "schedule_b"
	Form1065  FormType = "form_1065"
	Form1120  FormType = "form_1120"
	W2        FormType = "w2"
)

// SupportedForms lists every form family the pipeline ships templates for.
var SupportedForms = []FormType{
	ScheduleC,
	Form1040,
	ScheduleE,
	ScheduleB,
	Form1065,
	Form1120,
	W2,
}

// DisplayName returns the human-facing name for a form type.
func (f FormType) DisplayName() string {
	switch f {
	case ScheduleC:
		return "Schedule C"
	case Form1040:
		return "Form 1040"
	case ScheduleE:
		return "Schedule E"
	case ScheduleB:
		return "Schedule B"
	case Form1065:
		return "Form 1065"
	case Form1120:
		return "Form 1120"
	case W2:
		return "W-2"
	default:
		return string(f)
	}
}

// formAliases maps caller-supplied spellings to canonical form types.
var formAliases = map[string]FormType{
	"schedule_c": ScheduleC,
	"schedulec":  ScheduleC,
	"schedule c": ScheduleC,
	"form_1040":  Form1040,
	"form1040":   Form1040,
	"1040":       Form1040,
	"schedule_e": ScheduleE,
	"schedulee":  ScheduleE,
	"schedule e": ScheduleE,
	"schedule_b": ScheduleB,
	"scheduleb":  ScheduleB,
	"schedule b": ScheduleB,
	"form_1065":  Form1065,
	"form1065":   Form1065,
	"1065":       Form1065,
	"form_1120":  Form1120,
	"form1120":   Form1120,
	"1120":       Form1120,
	"w2":         W2,
	"w-2":        W2,
}

// NormalizeFormType resolves a caller-supplied form hint to a canonical type.
// The second return is false when the hint matches nothing.
func NormalizeFormType(hint string) (FormType, bool) {
	key := strings.ToLower(strings.TrimSpace(hint))
	key = strings.ReplaceAll(key, " ", "_")
	ft, ok := formAliases[key]
	if !ok {
		ft, ok = formAliases[strings.ReplaceAll(key, "_", "")]
	}
	return ft, ok
}

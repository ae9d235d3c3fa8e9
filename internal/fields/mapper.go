// Package fields maps recognized region text onto named template fields.
// Matching runs in two phases: label proximity inside individual regions
// first, then ordered fallback patterns over the whole document text. A field
// with no match stays absent; nothing is ever defaulted to zero.
package fields

import (
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/msfg/taxdoc/internal/common"
	"github.com/msfg/taxdoc/internal/document"
	"github.com/msfg/taxdoc/internal/template"
)

var reNumber = regexp.MustCompile(`-?\(?(?:\$\s{0,2})?\d{1,3}(?:,\d{3})*(?:\.\d{2})?\)?`)

// Mapper implements the field mapping stage.
type Mapper struct {
	logger *slog.Logger
}

func NewMapper(logger *slog.Logger) *Mapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mapper{logger: logger}
}

// Run extracts every template field it can find. Results come back sorted by
// field name for stable output.
func (m *Mapper) Run(doc *document.Document, tmpl *template.FormTemplate) ([]document.ExtractionResult, error) {
	regions := collectRegions(doc)
	fullText := joinText(regions)

	var results []document.ExtractionResult
	for i := range tmpl.Fields {
		f := &tmpl.Fields[i]

		res, ok := m.matchRegion(f, regions)
		if !ok {
			res, ok = m.matchFullText(f, fullText, regions)
		}
		if !ok {
			m.logger.Debug("fields.absent", "field", f.Name)
			continue
		}

		value, err := normalizeValue(f.Type, res.Raw)
		if err != nil {
			m.logger.Warn("fields.unparseable", "field", f.Name, "raw", res.Raw, "error", err)
			continue
		}
		res.Field = f.Name
		res.Value = value
		results = append(results, res)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Field < results[j].Field })
	return results, nil
}

type indexedRegion struct {
	region *document.Region
	ref    string
}

func collectRegions(doc *document.Document) []indexedRegion {
	var out []indexedRegion
	for _, page := range doc.Pages {
		for i := range page.Regions {
			r := &page.Regions[i]
			if r.Text == "" {
				continue
			}
			out = append(out, indexedRegion{region: r, ref: r.Ref(i)})
		}
	}
	return out
}

func joinText(regions []indexedRegion) string {
	var sb strings.Builder
	for _, ir := range regions {
		sb.WriteString(ir.region.Text)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// matchRegion looks for a region whose text mentions one of the field's label
// synonyms, then pulls the value from that region alone. Region-local matches
// beat full-text matches because the label and value sit together.
func (m *Mapper) matchRegion(f *template.FieldSpec, regions []indexedRegion) (document.ExtractionResult, bool) {
	for _, ir := range regions {
		switch ir.region.Type {
		case document.RegionTable, document.RegionKeyValue:
		default:
			continue
		}
		lower := strings.ToLower(ir.region.Text)
		matched := false
		for _, syn := range f.Synonyms {
			if strings.Contains(lower, strings.ToLower(syn)) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		raw, ok := applyPatterns(f, ir.region.Text)
		if !ok && f.Type != template.TypeText {
			// Label present but no pattern hit; take the nearest number on
			// the labeled line.
			raw, ok = numberNearLabel(ir.region.Text, f.Synonyms)
		}
		if !ok {
			continue
		}
		return document.ExtractionResult{
			Raw:        raw,
			Confidence: ir.region.Confidence,
			Engines:    ir.region.Engines,
			Source:     ir.ref,
		}, true
	}
	return document.ExtractionResult{}, false
}

// matchFullText applies the field's fallback patterns, in declared order,
// over the document text. Confidence falls back to the mean region
// confidence since the match cannot be pinned to one region.
func (m *Mapper) matchFullText(f *template.FieldSpec, fullText string, regions []indexedRegion) (document.ExtractionResult, bool) {
	raw, ok := applyPatterns(f, fullText)
	if !ok {
		return document.ExtractionResult{}, false
	}

	var sum float64
	engineSet := map[string]bool{}
	for _, ir := range regions {
		sum += ir.region.Confidence
		for _, e := range ir.region.Engines {
			engineSet[e] = true
		}
	}
	conf := 0.0
	if len(regions) > 0 {
		conf = sum / float64(len(regions))
	}
	engines := make([]string, 0, len(engineSet))
	for e := range engineSet {
		engines = append(engines, e)
	}
	sort.Strings(engines)

	return document.ExtractionResult{
		Raw:        raw,
		Confidence: conf,
		Engines:    engines,
		Source:     "text",
	}, true
}

func applyPatterns(f *template.FieldSpec, text string) (string, bool) {
	for _, re := range f.PatternRes() {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if len(m) > 1 && m[1] != "" {
			return m[1], true
		}
		return m[0], true
	}
	return "", false
}

func numberNearLabel(text string, synonyms []string) (string, bool) {
	for _, ln := range strings.Split(text, "\n") {
		lower := strings.ToLower(ln)
		for _, syn := range synonyms {
			if strings.Contains(lower, strings.ToLower(syn)) {
				if num := reNumber.FindString(ln); num != "" {
					return num, true
				}
			}
		}
	}
	return "", false
}

// normalizeValue converts a raw match into its typed value. Currency strips
// symbols and grouping; a parenthesized or minus-prefixed amount is negative.
func normalizeValue(fieldType, raw string) (any, error) {
	switch fieldType {
	case template.TypeCurrency:
		return parseCurrency(raw)
	case template.TypePercentage:
		cleaned := strings.TrimSuffix(strings.TrimSpace(raw), "%")
		v, err := strconv.ParseFloat(strings.TrimSpace(cleaned), 64)
		if err != nil {
			return nil, common.NewAppError(common.KindLowConfidenceField, "unparseable percentage", err)
		}
		return v, nil
	default:
		return strings.TrimSpace(raw), nil
	}
}

func parseCurrency(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSuffix(strings.TrimPrefix(s, "("), ")")
	}
	if strings.HasPrefix(s, "-") {
		negative = true
		s = strings.TrimPrefix(s, "-")
	}
	s = strings.NewReplacer("$", "", ",", "", " ", "").Replace(s)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, common.NewAppError(common.KindLowConfidenceField, "unparseable currency amount", err)
	}
	if negative {
		v = -v
	}
	return v, nil
}

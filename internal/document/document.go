// Package document defines the artifacts passed between pipeline stages.
// Stages are pure transformations over these types; nothing here reaches
// outside the current run.
package document

import (
	"fmt"
	"image"
	"time"

	"github.com/google/uuid"

	"github.com/msfg/taxdoc/constants"
)

// RegionType classifies a detected page sub-area.
type RegionType string

const (
	RegionTable     RegionType = "table"
	RegionKeyValue  RegionType = "key_value"
	RegionHeader    RegionType = "header"
	RegionCheckbox  RegionType = "checkbox"
	RegionSignature RegionType = "signature"
)

// Priority orders region types for overlap tie-breaking; lower wins.
func (t RegionType) Priority() int {
	switch t {
	case RegionTable:
		return 0
	case RegionKeyValue:
		return 1
	case RegionHeader:
		return 2
	case RegionCheckbox:
		return 3
	case RegionSignature:
		return 4
	default:
		return 5
	}
}

// Box is a pixel-coordinate bounding box, origin top-left.
type Box struct {
	X, Y, W, H int
}

func (b Box) Area() int { return b.W * b.H }

// Overlaps reports whether two boxes intersect with positive area.
func (b Box) Overlaps(o Box) bool {
	return b.X < o.X+o.W && o.X < b.X+b.W && b.Y < o.Y+o.H && o.Y < b.Y+b.H
}

// TextCandidate is one engine's reading of a region.
type TextCandidate struct {
	Engine     string
	Text       string
	Confidence float64
}

// Cell is one logical table cell. Spans greater than 1 mark merged cells;
// merged content is never duplicated into covered positions.
type Cell struct {
	Row, Col         int
	RowSpan, ColSpan int
	Text             string
}

// TableStructure is the reconciled grid for a table region.
type TableStructure struct {
	Rows, Cols    int
	Cells         []Cell
	Strategy      string // "ruling" | "stream"
	LowConfidence bool   // set when the two strategies disagreed irreconcilably
}

// Region is a typed sub-area of a page. OCR candidates are appended by the
// ensemble stage; Text/Confidence hold the resolved reading.
type Region struct {
	PageIndex  int
	Box        Box
	Type       RegionType
	Candidates []TextCandidate
	Text       string
	Confidence float64
	Engines    []string
	Table      *TableStructure
}

// Ref returns a stable reference like "p2.r5" used in extraction results.
func (r *Region) Ref(index int) string {
	return fmt.Sprintf("p%d.r%d", r.PageIndex, index)
}

// PreprocessParams records what the image preprocessor applied to a page.
type PreprocessParams struct {
	Rotation    int     // degrees, one of 0/90/180/270
	SkewDegrees float64 // residual skew corrected after rotation
	Threshold   uint8   // binarization threshold chosen by Otsu
	ProbeScore  float64 // probe confidence for the kept orientation
}

// Page is one page of a document. Exactly one of Embedded text or a raster
// image drives downstream processing.
type Page struct {
	Index    int
	Text     string // embedded machine-readable text, when usable
	Embedded bool
	Image    image.Image // raster, nil for embedded-text pages
	DPI      int
	Params   PreprocessParams
	Regions  []Region
}

// Document is the per-run artifact that owns all pages. It is discarded once
// the response is emitted or the run fails.
type Document struct {
	ID        uuid.UUID
	MIMEType  string
	FormType  constants.FormType
	PageCount int
	Encrypted bool
	State     constants.DocumentState
	Pages     []*Page
	Received  time.Time
}

// New creates a Document in the Received state.
func New(mimeType string) *Document {
	return &Document{
		ID:       uuid.New(),
		MIMEType: mimeType,
		State:    constants.StateReceived,
		Received: time.Now().UTC(),
	}
}

// Advance moves the document to the next state, enforcing the forward-only
// state machine.
func (d *Document) Advance(to constants.DocumentState) error {
	if !constants.CanTransition(d.State, to) {
		return fmt.Errorf("illegal state transition %s -> %s", d.State, to)
	}
	d.State = to
	return nil
}

// Fail marks the run failed regardless of the current non-terminal state.
func (d *Document) Fail() {
	if !d.State.Terminal() {
		d.State = constants.StateFailed
	}
}

// ExtractionResult is one named field value for a document.
type ExtractionResult struct {
	Field      string
	Value      any
	Raw        string
	Confidence float64
	Engines    []string
	Source     string // region reference, or "human" after a correction
}

// ValidationIssue is a single rule violation or anomaly.
type ValidationIssue struct {
	Rule    string `json:"rule"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// ValidationReport summarizes validation for a document. Hard errors clear
// the Valid flag; warnings do not.
type ValidationReport struct {
	Valid        bool              `json:"valid"`
	OverallScore float64           `json:"overall_score"`
	Errors       []ValidationIssue `json:"errors"`
	Warnings     []ValidationIssue `json:"warnings"`
}

// ReviewCorrection is one human override, appended to the correction log.
type ReviewCorrection struct {
	ID             uuid.UUID
	DocumentID     uuid.UUID
	FormType       constants.FormType
	Field          string
	OriginalValue  string
	CorrectedValue string
	Reviewer       string
	CreatedAt      time.Time
}

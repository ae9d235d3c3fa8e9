package constants

// DocumentState is the canonical processing state for a pipeline run.
type DocumentState string

// Stable values (these exact strings appear in logs and API responses).
const (
	StateReceived           DocumentState = "RECEIVED"
	StateNormalized         DocumentState = "NORMALIZED"
	StatePreprocessed       DocumentState = "PREPROCESSED"
	StateLayoutDetected     DocumentState = "LAYOUT_DETECTED"
	StateStructureExtracted DocumentState = "STRUCTURE_EXTRACTED"
	StateRecognized         DocumentState = "RECOGNIZED"
	StateFieldsMapped       DocumentState = "FIELDS_MAPPED"
	StateValidated          DocumentState = "VALIDATED"
	StateNeedsReview        DocumentState = "NEEDS_REVIEW"
	StateReviewed           DocumentState = "REVIEWED"
	StateCompleted          DocumentState = "COMPLETED"
	StateFailed             DocumentState = "FAILED"
)

// stageOrder positions the strictly forward states. Review states sit outside
// the linear order and are handled explicitly in CanTransition.
var stageOrder = map[DocumentState]int{
	StateReceived:           0,
	StateNormalized:         1,
	StatePreprocessed:       2,
	StateLayoutDetected:     3,
	StateStructureExtracted: 4,
	StateRecognized:         5,
	StateFieldsMapped:       6,
	StateValidated:          7,
	StateCompleted:          8,
}

// Terminal reports whether no further transitions are allowed from s.
func (s DocumentState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CanTransition reports whether a document may move from one state to the next.
// Forward motion through the stage order is always allowed one step at a time;
// any non-terminal state may fail; the review loop is
// Validated -> NeedsReview -> Reviewed -> Completed.
func CanTransition(from, to DocumentState) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	switch {
	case from == StateValidated && to == StateNeedsReview:
		return true
	case from == StateNeedsReview && to == StateReviewed:
		return true
	case from == StateReviewed && to == StateCompleted:
		return true
	}
	fo, ok1 := stageOrder[from]
	toOrd, ok2 := stageOrder[to]
	return ok1 && ok2 && toOrd == fo+1
}

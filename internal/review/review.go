// Package review runs the human feedback surface: low-confidence and
// validation-flagged fields are queued, and accepted corrections land in an
// append-only log. Corrections never overwrite the original reading.
package review

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/msfg/taxdoc/constants"
	"github.com/msfg/taxdoc/internal/common"
	"github.com/msfg/taxdoc/internal/document"
	"github.com/msfg/taxdoc/internal/repository"
)

// Reviewer implements the review stage.
type Reviewer struct {
	threshold float64
	store     repository.Store
	logger    *slog.Logger
}

func NewReviewer(threshold float64, store repository.Store, logger *slog.Logger) *Reviewer {
	if threshold <= 0 {
		threshold = 0.75
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reviewer{threshold: threshold, store: store, logger: logger}
}

// Queue enqueues every field needing human eyes: confidence below the
// threshold, or named in a validation error. It reports whether anything was
// queued so the pipeline can set the needs-review state.
func (r *Reviewer) Queue(ctx context.Context, doc *document.Document, results []document.ExtractionResult, report document.ValidationReport) (bool, error) {
	flagged := make(map[string]string)
	for _, res := range results {
		if res.Confidence < r.threshold {
			flagged[res.Field] = fmt.Sprintf("confidence %.2f below %.2f", res.Confidence, r.threshold)
		}
	}
	for _, issue := range report.Errors {
		if issue.Field == "" {
			continue
		}
		flagged[issue.Field] = fmt.Sprintf("validation error: %s", issue.Message)
	}

	if len(flagged) == 0 {
		return false, nil
	}

	byField := make(map[string]document.ExtractionResult, len(results))
	for _, res := range results {
		byField[res.Field] = res
	}

	now := time.Now().UTC()
	for field, reason := range flagged {
		item := repository.ReviewItem{
			DocumentID: doc.ID,
			FormType:   doc.FormType,
			Field:      field,
			Confidence: byField[field].Confidence,
			Reason:     reason,
			CreatedAt:  now,
		}
		if res, ok := byField[field]; ok {
			item.Value = fmt.Sprint(res.Value)
		}
		if err := r.store.EnqueueReview(ctx, item); err != nil {
			return false, err
		}
		r.logger.Info("review.queued", "document_id", doc.ID, "field", field, "reason", reason)
	}
	return true, nil
}

// Pending returns the current review queue.
func (r *Reviewer) Pending(ctx context.Context) ([]repository.ReviewItem, error) {
	return r.store.ReviewQueue(ctx)
}

// CorrectionRequest is a human override for one field.
type CorrectionRequest struct {
	DocumentID     uuid.UUID          `json:"document_id"`
	FormType       constants.FormType `json:"form_type"`
	Field          string             `json:"field"`
	OriginalValue  string             `json:"original_value"`
	CorrectedValue string             `json:"corrected_value"`
	Reviewer       string             `json:"reviewer"`
}

// Apply records a correction and removes the field from the queue. The
// returned result carries the corrected value at full confidence with a
// human source marker.
func (r *Reviewer) Apply(ctx context.Context, req CorrectionRequest) (document.ExtractionResult, error) {
	if req.Field == "" || req.CorrectedValue == "" {
		return document.ExtractionResult{}, common.NewAppError(common.KindValidationFailure,
			"correction needs a field and a corrected value", nil)
	}

	c := document.ReviewCorrection{
		ID:             uuid.New(),
		DocumentID:     req.DocumentID,
		FormType:       req.FormType,
		Field:          req.Field,
		OriginalValue:  req.OriginalValue,
		CorrectedValue: req.CorrectedValue,
		Reviewer:       req.Reviewer,
		CreatedAt:      time.Now().UTC(),
	}
	if err := r.store.AppendCorrection(ctx, c); err != nil {
		return document.ExtractionResult{}, err
	}
	if err := r.store.DequeueReview(ctx, req.DocumentID, req.Field); err != nil {
		return document.ExtractionResult{}, err
	}

	r.logger.Info("review.corrected", "document_id", req.DocumentID, "field", req.Field, "reviewer", req.Reviewer)
	return document.ExtractionResult{
		Field:      req.Field,
		Value:      req.CorrectedValue,
		Raw:        req.CorrectedValue,
		Confidence: 1.0,
		Source:     "human",
	}, nil
}

// History returns the full correction log for a document, oldest first.
func (r *Reviewer) History(ctx context.Context, documentID uuid.UUID) ([]document.ReviewCorrection, error) {
	return r.store.Corrections(ctx, documentID)
}

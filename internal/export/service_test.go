package export

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/msfg/taxdoc/constants"
	"github.com/msfg/taxdoc/internal/document"
	"github.com/msfg/taxdoc/internal/repository"
)

type memStore struct {
	queue []repository.ReviewItem
}

func (m *memStore) SaveExtraction(_ context.Context, _ *document.Document, _ []document.ExtractionResult) error {
	return nil
}
func (m *memStore) EnqueueReview(_ context.Context, _ repository.ReviewItem) error { return nil }
func (m *memStore) ReviewQueue(_ context.Context) ([]repository.ReviewItem, error) {
	return m.queue, nil
}
func (m *memStore) DequeueReview(_ context.Context, _ uuid.UUID, _ string) error { return nil }
func (m *memStore) AppendCorrection(_ context.Context, _ document.ReviewCorrection) error {
	return nil
}
func (m *memStore) Corrections(_ context.Context, _ uuid.UUID) ([]document.ReviewCorrection, error) {
	return nil, nil
}
func (m *memStore) Ping(_ context.Context) error { return nil }
func (m *memStore) Close() error                 { return nil }

func TestExtractionXLSX(t *testing.T) {
	s := NewService(&memStore{}, nil)

	doc := document.New("application/pdf")
	doc.FormType = constants.ScheduleC
	results := []document.ExtractionResult{
		{Field: "net_profit", Value: 69297.0, Raw: "69,297", Confidence: 0.92,
			Engines: []string{"tesseract", "paddle"}, Source: "p0.r3"},
	}

	data, err := s.ExtractionXLSX(doc, results)
	if err != nil {
		t.Fatal(err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	field, err := f.GetCellValue("Extraction", "B2")
	if err != nil {
		t.Fatal(err)
	}
	if field != "net_profit" {
		t.Errorf("B2 = %q, want net_profit", field)
	}
	engines, err := f.GetCellValue("Extraction", "F2")
	if err != nil {
		t.Fatal(err)
	}
	if engines != "tesseract,paddle" {
		t.Errorf("F2 = %q, want tesseract,paddle", engines)
	}
}

func TestReviewQueueXLSX(t *testing.T) {
	store := &memStore{queue: []repository.ReviewItem{
		{
			DocumentID: uuid.New(),
			FormType:   constants.W2,
			Field:      "wages_tips",
			Value:      "52000",
			Confidence: 0.41,
			Reason:     "confidence 0.41 below 0.75",
			CreatedAt:  time.Date(2026, 3, 4, 9, 30, 0, 0, time.UTC),
		},
	}}
	s := NewService(store, nil)

	data, err := s.ReviewQueueXLSX(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	field, err := f.GetCellValue("Review Queue", "D2")
	if err != nil {
		t.Fatal(err)
	}
	if field != "wages_tips" {
		t.Errorf("D2 = %q, want wages_tips", field)
	}
	reason, err := f.GetCellValue("Review Queue", "G2")
	if err != nil {
		t.Fatal(err)
	}
	if reason != "confidence 0.41 below 0.75" {
		t.Errorf("G2 = %q", reason)
	}
}

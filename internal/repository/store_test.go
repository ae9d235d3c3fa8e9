package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/msfg/taxdoc/constants"
	"github.com/msfg/taxdoc/internal/common"
	"github.com/msfg/taxdoc/internal/document"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	store, err := Open(context.Background(), common.StoreConfig{
		Driver: "sqlite",
		DSN:    "file:" + filepath.Join(t.TempDir(), "taxdoc-test.db"),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), common.StoreConfig{Driver: "oracle"}, nil)
	if err == nil {
		t.Fatal("unknown drivers must be rejected")
	}
}

func TestSaveExtraction(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	doc := document.New("application/pdf")
	doc.FormType = constants.ScheduleC
	results := []document.ExtractionResult{
		{Field: "net_profit", Value: 69297.0, Raw: "69,297", Confidence: 0.92,
			Engines: []string{"tesseract", "paddle"}, Source: "p0.r3"},
		{Field: "other_income", Value: 1500.0, Raw: "1,500", Confidence: 0.88,
			Engines: []string{"tesseract"}, Source: "p0.r1"},
	}
	if err := store.SaveExtraction(ctx, doc, results); err != nil {
		t.Fatal(err)
	}
	if err := store.Ping(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestReviewQueueRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	docID := uuid.New()

	item := ReviewItem{
		DocumentID: docID,
		FormType:   constants.W2,
		Field:      "wages_tips",
		Value:      "52000",
		Confidence: 0.41,
		Reason:     "confidence 0.41 below 0.75",
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
	if err := store.EnqueueReview(ctx, item); err != nil {
		t.Fatal(err)
	}
	// Re-enqueueing the same document/field pair is a no-op, not an error.
	if err := store.EnqueueReview(ctx, item); err != nil {
		t.Fatal(err)
	}

	queue, err := store.ReviewQueue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(queue) != 1 {
		t.Fatalf("queue length = %d, want 1 (duplicate enqueues collapse)", len(queue))
	}
	got := queue[0]
	if got.DocumentID != docID || got.Field != "wages_tips" || got.Confidence != 0.41 {
		t.Errorf("queued item = %+v", got)
	}

	if err := store.DequeueReview(ctx, docID, "wages_tips"); err != nil {
		t.Fatal(err)
	}
	queue, err = store.ReviewQueue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(queue) != 0 {
		t.Errorf("queue length = %d after dequeue, want 0", len(queue))
	}
}

func TestCorrectionsAppendOnly(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	docID := uuid.New()

	base := time.Now().UTC().Truncate(time.Second)
	for i, v := range []string{"100", "200"} {
		c := document.ReviewCorrection{
			ID:             uuid.New(),
			DocumentID:     docID,
			FormType:       constants.ScheduleC,
			Field:          "net_profit",
			OriginalValue:  "0",
			CorrectedValue: v,
			Reviewer:       "processor-1",
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}
		if err := store.AppendCorrection(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	history, err := store.Corrections(ctx, docID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].CorrectedValue != "100" || history[1].CorrectedValue != "200" {
		t.Errorf("history out of order: %+v", history)
	}

	other, err := store.Corrections(ctx, uuid.New())
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Errorf("corrections leaked across documents: %+v", other)
	}
}

func TestRebind(t *testing.T) {
	pg := &sqlStore{dialect: "postgres"}
	got := pg.rebind("INSERT INTO t (a, b) VALUES (?, ?)")
	want := "INSERT INTO t (a, b) VALUES ($1, $2)"
	if got != want {
		t.Errorf("rebind = %q, want %q", got, want)
	}

	lite := &sqlStore{dialect: "sqlite"}
	q := "DELETE FROM t WHERE a = ?"
	if lite.rebind(q) != q {
		t.Error("sqlite queries must pass through unchanged")
	}
}

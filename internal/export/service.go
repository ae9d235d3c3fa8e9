// Package export renders extraction outcomes as XLSX workbooks for loan
// processors who work in spreadsheets.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/msfg/taxdoc/internal/document"
	"github.com/msfg/taxdoc/internal/repository"
)

// Service produces XLSX bytes from extraction results and the review queue.
type Service struct {
	store  repository.Store
	logger *slog.Logger
}

func NewService(store repository.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// ExtractionXLSX returns a workbook with one row per extracted field.
func (s *Service) ExtractionXLSX(doc *document.Document, results []document.ExtractionResult) ([]byte, error) {
	start := time.Now()

	f := excelize.NewFile()
	const sheet = "Extraction"
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)

	headers := []string{"Form Type", "Field", "Value", "Raw Text", "Confidence", "Engines", "Source"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	row := 2
	for _, r := range results {
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
		write(1, string(doc.FormType))
		write(2, r.Field)
		write(3, fmt.Sprintf("%v", r.Value))
		write(4, r.Raw)
		write(5, fmt.Sprintf("%.2f", r.Confidence))
		write(6, strings.Join(r.Engines, ","))
		write(7, r.Source)
		row++
	}

	_ = f.SetColWidth(sheet, "A", "A", 14)
	_ = f.SetColWidth(sheet, "B", "B", 24)
	_ = f.SetColWidth(sheet, "C", "D", 22)
	_ = f.SetColWidth(sheet, "E", "E", 12)
	_ = f.SetColWidth(sheet, "F", "G", 20)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"document_id", doc.ID.String(),
		"rows", len(results),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

// ReviewQueueXLSX returns a workbook listing every field awaiting review.
func (s *Service) ReviewQueueXLSX(ctx context.Context) ([]byte, error) {
	items, err := s.store.ReviewQueue(ctx)
	if err != nil {
		return nil, fmt.Errorf("query review queue: %w", err)
	}

	f := excelize.NewFile()
	const sheet = "Review Queue"
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)

	headers := []string{"Queued", "Document", "Form Type", "Field", "Value", "Confidence", "Reason"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	row := 2
	for _, item := range items {
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
		write(1, item.CreatedAt.Format("2006-01-02 15:04"))
		write(2, item.DocumentID.String())
		write(3, string(item.FormType))
		write(4, item.Field)
		write(5, item.Value)
		write(6, fmt.Sprintf("%.2f", item.Confidence))
		write(7, item.Reason)
		row++
	}

	_ = f.SetColWidth(sheet, "A", "A", 18)
	_ = f.SetColWidth(sheet, "B", "B", 38)
	_ = f.SetColWidth(sheet, "C", "D", 18)
	_ = f.SetColWidth(sheet, "E", "E", 16)
	_ = f.SetColWidth(sheet, "F", "F", 12)
	_ = f.SetColWidth(sheet, "G", "G", 48)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.queue.ok", "rows", len(items))
	return buf.Bytes(), nil
}

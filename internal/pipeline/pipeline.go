// Package pipeline wires the stages end to end and owns the per-run state
// machine. Per-page stages fan out concurrently; everything after the
// recognition barrier sees the whole document.
package pipeline

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/msfg/taxdoc/constants"
	"github.com/msfg/taxdoc/internal/common"
	"github.com/msfg/taxdoc/internal/document"
	"github.com/msfg/taxdoc/internal/fields"
	"github.com/msfg/taxdoc/internal/intake"
	"github.com/msfg/taxdoc/internal/layout"
	"github.com/msfg/taxdoc/internal/ocr"
	"github.com/msfg/taxdoc/internal/preprocess"
	"github.com/msfg/taxdoc/internal/repository"
	"github.com/msfg/taxdoc/internal/review"
	"github.com/msfg/taxdoc/internal/table"
	"github.com/msfg/taxdoc/internal/template"
	"github.com/msfg/taxdoc/internal/validate"
)

// StageTiming records one stage's wall time for the response metadata.
type StageTiming struct {
	Stage      string `json:"stage"`
	DurationMS int64  `json:"duration_ms"`
}

// Metadata describes how a response was produced.
type Metadata struct {
	Filename  string        `json:"filename"`
	Pages     int           `json:"pages"`
	Steps     []StageTiming `json:"steps"`
	Engines   []string      `json:"engines_used"`
	StartedAt time.Time     `json:"started_at"`
	ElapsedMS int64         `json:"elapsed_ms"`
}

// Response is the extraction outcome returned to callers.
type Response struct {
	Success            bool                      `json:"success"`
	DocumentID         string                    `json:"document_id"`
	FormType           string                    `json:"form_type"`
	TargetLocation     string                    `json:"target_location,omitempty"`
	State              string                    `json:"state"`
	NeedsReview        bool                      `json:"needs_review"`
	ExtractedData      map[string]any            `json:"extracted_data"`
	ConfidenceScores   map[string]float64        `json:"confidence_scores"`
	ProcessingMetadata Metadata                  `json:"processing_metadata"`
	ValidationResults  document.ValidationReport `json:"validation_results"`
	Error              string                    `json:"error,omitempty"`
}

// Pipeline owns one instance of every stage. It is safe for concurrent runs.
type Pipeline struct {
	cfg          *common.Config
	normalizer   *intake.Normalizer
	preprocessor *preprocess.Preprocessor
	layout       *layout.Detector
	tables       *table.Extractor
	ensemble     *ocr.Ensemble
	registry     *template.Registry
	mapper       *fields.Mapper
	validator    *validate.Validator
	reviewer     *review.Reviewer
	store        repository.Store
	logger       *slog.Logger
	pageLimit    int
}

func New(
	cfg *common.Config,
	normalizer *intake.Normalizer,
	preprocessor *preprocess.Preprocessor,
	detector *layout.Detector,
	tables *table.Extractor,
	ensemble *ocr.Ensemble,
	registry *template.Registry,
	mapper *fields.Mapper,
	validator *validate.Validator,
	reviewer *review.Reviewer,
	store repository.Store,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	limit := int(cfg.Server.MaxOCRConcurrent)
	if limit <= 0 {
		limit = 4
	}
	return &Pipeline{
		cfg:          cfg,
		pageLimit:    limit,
		normalizer:   normalizer,
		preprocessor: preprocessor,
		layout:       detector,
		tables:       tables,
		ensemble:     ensemble,
		registry:     registry,
		mapper:       mapper,
		validator:    validator,
		reviewer:     reviewer,
		store:        store,
		logger:       logger,
	}
}

// Request is one extraction run.
type Request struct {
	Intake         intake.Request
	FormHint       string // optional; skips title detection when set
	TargetLocation string // echoed back for the caller's bookkeeping
}

// Run executes the full pipeline for one document. Stage failures mark the
// document failed and surface as the returned error; the caller renders both
// success and failure from the Response.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp := &Response{
		TargetLocation:   req.TargetLocation,
		ExtractedData:    map[string]any{},
		ConfidenceScores: map[string]float64{},
		ProcessingMetadata: Metadata{
			Filename:  req.Intake.Filename,
			StartedAt: start.UTC(),
		},
	}

	doc, err := p.runStages(ctx, req, resp)
	if doc != nil {
		resp.DocumentID = doc.ID.String()
		resp.FormType = string(doc.FormType)
		resp.ProcessingMetadata.Pages = doc.PageCount
		resp.State = string(doc.State)
	}
	resp.ProcessingMetadata.ElapsedMS = time.Since(start).Milliseconds()
	if err != nil {
		if doc != nil {
			doc.Fail()
			resp.State = string(doc.State)
		}
		resp.Success = false
		resp.Error = err.Error()
		p.logger.Error("pipeline.failed", "error", err, "elapsed_ms", resp.ProcessingMetadata.ElapsedMS)
		return resp, err
	}

	resp.Success = true
	p.logger.Info("pipeline.ok",
		"document_id", resp.DocumentID,
		"form_type", resp.FormType,
		"needs_review", resp.NeedsReview,
		"elapsed_ms", resp.ProcessingMetadata.ElapsedMS,
	)
	return resp, nil
}

func (p *Pipeline) runStages(ctx context.Context, req Request, resp *Response) (*document.Document, error) {
	timer := stageTimer(resp)

	doc, err := p.normalizer.Normalize(ctx, req.Intake)
	timer("normalize")
	if err != nil {
		return doc, err
	}

	// Per-page fan-out. A canceled context stops the remaining pages at the
	// next stage boundary.
	if err := p.eachPage(ctx, doc, func(ctx context.Context, page *document.Page) error {
		return p.preprocessor.Run(ctx, page)
	}); err != nil {
		return doc, err
	}
	timer("preprocess")
	if err := doc.Advance(constants.StatePreprocessed); err != nil {
		return doc, err
	}

	if err := p.eachPage(ctx, doc, func(_ context.Context, page *document.Page) error {
		return p.layout.Run(page)
	}); err != nil {
		return doc, err
	}
	timer("layout")
	if err := doc.Advance(constants.StateLayoutDetected); err != nil {
		return doc, err
	}

	if err := p.eachPage(ctx, doc, func(_ context.Context, page *document.Page) error {
		return p.tables.Run(page)
	}); err != nil {
		return doc, err
	}
	timer("tables")
	if err := doc.Advance(constants.StateStructureExtracted); err != nil {
		return doc, err
	}

	if err := p.eachPage(ctx, doc, func(ctx context.Context, page *document.Page) error {
		return p.ensemble.Run(ctx, page)
	}); err != nil {
		return doc, err
	}
	timer("recognize")
	if err := doc.Advance(constants.StateRecognized); err != nil {
		return doc, err
	}

	// Barrier: everything below sees the complete document.
	tmpl, err := p.resolveTemplate(doc, req.FormHint)
	if err != nil {
		return doc, err
	}
	results, err := p.mapper.Run(doc, tmpl)
	timer("map_fields")
	if err != nil {
		return doc, err
	}
	if err := doc.Advance(constants.StateFieldsMapped); err != nil {
		return doc, err
	}

	report := p.validator.Run(tmpl, results)
	timer("validate")
	if err := doc.Advance(constants.StateValidated); err != nil {
		return doc, err
	}

	queued, err := p.reviewer.Queue(ctx, doc, results, report)
	if err != nil {
		return doc, err
	}
	if queued {
		if err := doc.Advance(constants.StateNeedsReview); err != nil {
			return doc, err
		}
	} else if err := doc.Advance(constants.StateCompleted); err != nil {
		return doc, err
	}
	timer("review")

	if err := p.store.SaveExtraction(ctx, doc, results); err != nil {
		return doc, err
	}
	timer("persist")

	resp.NeedsReview = queued
	resp.ValidationResults = report
	engineSet := map[string]bool{}
	for _, r := range results {
		resp.ExtractedData[r.Field] = r.Value
		resp.ConfidenceScores[r.Field] = r.Confidence
		for _, e := range r.Engines {
			engineSet[e] = true
		}
	}
	resp.ProcessingMetadata.Engines = sortedKeys(engineSet)
	return doc, nil
}

// eachPage runs one stage over all pages with bounded parallelism.
func (p *Pipeline) eachPage(ctx context.Context, doc *document.Document, fn func(context.Context, *document.Page) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.pageLimit)
	for _, page := range doc.Pages {
		g.Go(func() error {
			return fn(gctx, page)
		})
	}
	return g.Wait()
}

// resolveTemplate honors an explicit form hint, otherwise detects the form
// from the recognized text.
func (p *Pipeline) resolveTemplate(doc *document.Document, hint string) (*template.FormTemplate, error) {
	if hint != "" {
		ft, ok := constants.NormalizeFormType(hint)
		if !ok {
			return nil, common.NewAppError(common.KindUnrecognizedFormType,
				"unknown form type hint "+hint, nil)
		}
		doc.FormType = ft
		return p.registry.Template(ft)
	}

	ft, err := p.registry.Detect(documentText(doc))
	if err != nil {
		return nil, err
	}
	doc.FormType = ft
	return p.registry.Template(ft)
}

func documentText(doc *document.Document) string {
	var sb []byte
	for _, page := range doc.Pages {
		if page.Embedded {
			sb = append(sb, page.Text...)
			sb = append(sb, '\n')
			continue
		}
		for _, r := range page.Regions {
			sb = append(sb, r.Text...)
			sb = append(sb, '\n')
		}
	}
	return string(sb)
}

func stageTimer(resp *Response) func(string) {
	last := time.Now()
	return func(stage string) {
		now := time.Now()
		resp.ProcessingMetadata.Steps = append(resp.ProcessingMetadata.Steps, StageTiming{
			Stage:      stage,
			DurationMS: now.Sub(last).Milliseconds(),
		})
		last = now
	}
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

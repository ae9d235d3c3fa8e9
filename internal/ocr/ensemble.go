package ocr

import (
	"context"
	"image"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/msfg/taxdoc/internal/common"
	"github.com/msfg/taxdoc/internal/document"
)

// cloudFailTrip is the consecutive-failure count that stops further cloud
// calls for the remainder of the run.
const cloudFailTrip = 3

// Ensemble resolves every region's text. The primary engine always runs;
// escalation to the alternate and then to cloud engines happens only when the
// cheaper reading is below threshold or too noisy.
type Ensemble struct {
	cfg       common.OCRConfig
	primary   Engine
	alternate Engine   // may be nil
	cloud     []Engine // ordered by preference, may be empty
	limiter   *rate.Limiter
	logger    *slog.Logger

	cloudFails atomic.Int32
	cloudDown  atomic.Bool
}

func NewEnsemble(cfg common.OCRConfig, primary, alternate Engine, cloud []Engine, logger *slog.Logger) *Ensemble {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.EscalationThreshold <= 0 {
		cfg.EscalationThreshold = 0.70
	}
	if cfg.NoiseRatioCutoff <= 0 {
		cfg.NoiseRatioCutoff = 0.30
	}
	if cfg.DisagreementPenalty <= 0 {
		cfg.DisagreementPenalty = 0.15
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	rl := cfg.CloudRateLimit
	if rl <= 0 {
		rl = 2
	}
	return &Ensemble{
		cfg:       cfg,
		primary:   primary,
		alternate: alternate,
		cloud:     cloud,
		limiter:   rate.NewLimiter(rate.Limit(rl), 1),
		logger:    logger,
	}
}

// Run resolves all regions on a page. Embedded-text pages never touch an
// engine; their regions slice the page text by line range.
func (e *Ensemble) Run(ctx context.Context, page *document.Page) error {
	if page.Embedded {
		for i := range page.Regions {
			resolveEmbedded(page, &page.Regions[i])
		}
		return nil
	}

	bin, ok := page.Image.(*image.Gray)
	if !ok {
		return common.NewAppError(common.KindOCREngineFailure, "page has no binarized raster", nil)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(int(e.cfg.MaxConcurrent))
	for i := range page.Regions {
		r := &page.Regions[i]
		g.Go(func() error {
			return e.recognizeRegion(gctx, bin, page.DPI, r)
		})
	}
	return g.Wait()
}

func resolveEmbedded(page *document.Page, r *document.Region) {
	lines := strings.Split(page.Text, "\n")
	start, end := r.Box.Y, r.Box.Y+r.Box.H
	if start > len(lines) {
		start = len(lines)
	}
	if end > len(lines) {
		end = len(lines)
	}
	r.Text = strings.Join(lines[start:end], "\n")
	r.Confidence = 1.0
	r.Engines = []string{"embedded"}
	r.Candidates = []document.TextCandidate{{Engine: "embedded", Text: r.Text, Confidence: 1.0}}
}

func (e *Ensemble) recognizeRegion(ctx context.Context, bin *image.Gray, dpi int, r *document.Region) error {
	crop, err := EncodeCrop(bin, r.Box.X, r.Box.Y, r.Box.W, r.Box.H)
	if err != nil {
		return common.NewAppError(common.KindOCREngineFailure, "encode region crop", err)
	}
	req := Request{ID: r.Ref(0), Image: crop, DPI: dpi}

	var candidates []document.TextCandidate

	primary, err := e.primary.Recognize(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.logger.Warn("ocr.primary.failed", "engine", e.primary.Name(), "error", err)
	} else {
		candidates = append(candidates, document.TextCandidate{
			Engine:     e.primary.Name(),
			Text:       primary.Text,
			Confidence: meanWordConfidence(primary.Words, primary.Confidence),
		})
	}

	if e.shouldEscalate(candidates) && e.alternate != nil {
		alt, err := e.alternate.Recognize(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Warn("ocr.alternate.failed", "engine", e.alternate.Name(), "error", err)
		} else {
			candidates = append(candidates, document.TextCandidate{
				Engine:     e.alternate.Name(),
				Text:       alt.Text,
				Confidence: meanWordConfidence(alt.Words, alt.Confidence),
			})
		}
	}

	if e.shouldEscalate(candidates) {
		candidates = append(candidates, e.recognizeCloud(ctx, req)...)
	}

	if len(candidates) == 0 {
		return common.NewAppError(common.KindOCREngineFailure, "all engines failed for region", nil)
	}

	text, conf, engines := resolveVote(candidates, e.cfg.DisagreementPenalty)
	r.Candidates = candidates
	r.Text = text
	r.Confidence = conf
	r.Engines = engines
	e.logger.Debug("ocr.region.ok", "engines", engines, "confidence", conf)
	return nil
}

// shouldEscalate reports whether the readings so far justify a more expensive
// engine: nothing readable yet, confidence under the threshold, or too many
// garbage glyphs.
func (e *Ensemble) shouldEscalate(candidates []document.TextCandidate) bool {
	if len(candidates) == 0 {
		return true
	}
	best := 0.0
	for _, c := range candidates {
		if c.Confidence > best {
			best = c.Confidence
		}
	}
	if best >= e.cfg.EscalationThreshold {
		for _, c := range candidates {
			if c.Confidence == best && noiseRatio(c.Text) <= e.cfg.NoiseRatioCutoff {
				return false
			}
		}
	}
	return true
}

// recognizeCloud walks the cloud engines in order, rate-limited and with
// bounded retries. Repeated consecutive failures trip a breaker so a dead
// network cannot stall every remaining region.
func (e *Ensemble) recognizeCloud(ctx context.Context, req Request) []document.TextCandidate {
	var out []document.TextCandidate
	for _, eng := range e.cloud {
		if e.cloudDown.Load() {
			return out
		}
		res, err := e.cloudCall(ctx, eng, req)
		if err != nil {
			if ctx.Err() != nil {
				return out
			}
			if e.cloudFails.Add(1) >= cloudFailTrip {
				e.cloudDown.Store(true)
				e.logger.Warn("ocr.cloud.disabled", "failures", e.cloudFails.Load())
			}
			e.logger.Warn("ocr.cloud.failed", "engine", eng.Name(), "error", err)
			continue
		}
		e.cloudFails.Store(0)
		out = append(out, document.TextCandidate{
			Engine:     eng.Name(),
			Text:       res.Text,
			Confidence: meanWordConfidence(res.Words, res.Confidence),
		})
	}
	return out
}

func (e *Ensemble) cloudCall(ctx context.Context, eng Engine, req Request) (Result, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.CloudRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(time.Duration(1<<(attempt-1)) * 500 * time.Millisecond):
			}
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return Result{}, err
		}
		callCtx := ctx
		var cancel context.CancelFunc
		if e.cfg.CloudTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, e.cfg.CloudTimeout)
		}
		res, err := eng.Recognize(callCtx, req)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return Result{}, lastErr
}

// resolveVote picks the final reading. Engines agreeing on the normalized
// text form a block whose confidences are averaged; with no agreement the
// highest native confidence wins (ties break to the lexicographically
// smallest engine name) and the disagreement penalty applies.
func resolveVote(candidates []document.TextCandidate, penalty float64) (string, float64, []string) {
	engines := make([]string, 0, len(candidates))
	for _, c := range candidates {
		engines = append(engines, c.Engine)
	}
	sort.Strings(engines)

	if len(candidates) == 1 {
		return candidates[0].Text, clamp01(candidates[0].Confidence), engines
	}

	groups := make(map[string][]document.TextCandidate)
	for _, c := range candidates {
		key := normalizeText(c.Text)
		groups[key] = append(groups[key], c)
	}

	var bestKey string
	bestN := 0
	for key, g := range groups {
		if len(g) > bestN || (len(g) == bestN && key < bestKey) {
			bestKey, bestN = key, len(g)
		}
	}

	if bestN >= 2 {
		g := groups[bestKey]
		var sum float64
		winner := g[0]
		for _, c := range g {
			sum += c.Confidence
			if c.Confidence > winner.Confidence ||
				(c.Confidence == winner.Confidence && c.Engine < winner.Engine) {
				winner = c
			}
		}
		return winner.Text, clamp01(sum / float64(len(g))), engines
	}

	winner := candidates[0]
	for _, c := range candidates[1:] {
		if c.Confidence > winner.Confidence ||
			(c.Confidence == winner.Confidence && c.Engine < winner.Engine) {
			winner = c
		}
	}
	return winner.Text, clamp01(winner.Confidence - penalty), engines
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Package preprocess cleans rasterized pages for recognition: shadow removal,
// denoising, deskew, adaptive binarization, and a probe-driven rotation retry
// for pages scanned sideways or upside down.
package preprocess

import (
	"context"
	"image"
	"log/slog"

	"github.com/msfg/taxdoc/internal/common"
	"github.com/msfg/taxdoc/internal/document"
)

// Probe runs a cheap recognition pass used only to rank page orientations.
type Probe interface {
	Probe(ctx context.Context, img image.Image) (text string, confidence float64, err error)
}

// Preprocessor implements the image cleanup stage.
type Preprocessor struct {
	cfg    common.ImageConfig
	probe  Probe
	logger *slog.Logger
}

func NewPreprocessor(cfg common.ImageConfig, probe Probe, logger *slog.Logger) *Preprocessor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ProbeFloor <= 0 {
		cfg.ProbeFloor = 0.45
	}
	if cfg.MaxSkewDegree <= 0 {
		cfg.MaxSkewDegree = 5.0
	}
	return &Preprocessor{cfg: cfg, probe: probe, logger: logger}
}

// Run cleans one page in place. Pages carrying embedded text are untouched.
func (p *Preprocessor) Run(ctx context.Context, page *document.Page) error {
	if page.Embedded || page.Image == nil {
		return nil
	}

	gray := toGray(page.Image)
	gray = removeShadow(gray)
	gray = medianDenoise(gray)

	threshold := otsuThreshold(gray)
	skew := estimateSkew(binarize(gray, threshold), p.cfg.MaxSkewDegree)
	if skew != 0 {
		gray = rotateSmall(gray, -skew)
		threshold = otsuThreshold(gray)
	}
	bin := binarize(gray, threshold)

	rotation := 0
	probeScore := 0.0
	if p.probe != nil {
		score, err := p.probeScore(ctx, bin)
		if err != nil {
			return err
		}
		probeScore = score
		if score < p.cfg.ProbeFloor {
			rotation, probeScore, err = p.bestRotation(ctx, bin, score)
			if err != nil {
				return err
			}
			if rotation != 0 {
				bin = rotateOrtho(bin, rotation)
			}
		}
	}

	page.Image = bin
	page.Params = document.PreprocessParams{
		Rotation:    rotation,
		SkewDegrees: skew,
		Threshold:   threshold,
		ProbeScore:  probeScore,
	}
	p.logger.Debug("preprocess.ok",
		"page", page.Index,
		"rotation", rotation,
		"skew", skew,
		"threshold", threshold,
		"probe", probeScore,
	)
	return nil
}

// bestRotation probes the three remaining cardinal rotations and keeps the
// first maximal score in ascending rotation order (0, 90, 180, 270), which
// makes reruns reproducible even on exact ties.
func (p *Preprocessor) bestRotation(ctx context.Context, bin *image.Gray, baseScore float64) (int, float64, error) {
	bestRot, bestScore := 0, baseScore
	for _, rot := range []int{90, 180, 270} {
		score, err := p.probeScore(ctx, rotateOrtho(bin, rot))
		if err != nil {
			return 0, 0, err
		}
		if score > bestScore {
			bestRot, bestScore = rot, score
		}
	}
	return bestRot, bestScore, nil
}

func (p *Preprocessor) probeScore(ctx context.Context, img image.Image) (float64, error) {
	text, conf, err := p.probe.Probe(ctx, img)
	if err != nil {
		return 0, common.NewAppError(common.KindOCREngineFailure, "orientation probe failed", err)
	}
	// Blend engine-reported certainty with text-shape heuristics; the probe
	// engine alone is too optimistic about upside-down digits.
	return 0.7*conf + 0.3*TextQuality(text), nil
}

// Package ocr runs the recognition ensemble: a fast local engine first, with
// selective escalation to an alternate local engine and then to cloud engines
// only for regions the cheap pass could not read.
package ocr

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"strings"
	"unicode"
)

// Request is one region crop handed to an engine.
type Request struct {
	ID        string // region reference, for logging
	Image     []byte // PNG-encoded crop
	DPI       int
	Languages []string
}

// Word is a word-level reading with its confidence, when the engine reports
// them.
type Word struct {
	Text       string
	Confidence float64
}

// Result is one engine's reading of a request.
type Result struct {
	Text       string
	Confidence float64 // 0..1
	Words      []Word
}

// Engine recognizes text in an image crop. Implementations must be safe for
// concurrent use.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, req Request) (Result, error)
}

// EncodeCrop PNG-encodes the sub-image of bin bounded by the given rectangle.
func EncodeCrop(bin *image.Gray, x, y, w, h int) ([]byte, error) {
	b := bin.Bounds()
	crop := bin.SubImage(image.Rect(b.Min.X+x, b.Min.Y+y, b.Min.X+x+w, b.Min.Y+y+h))
	var buf bytes.Buffer
	if err := png.Encode(&buf, crop); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// noiseRatio is the fraction of characters that are neither letters, digits,
// whitespace, nor common punctuation. High ratios mean the engine hallucinated
// glyphs and the region should escalate.
func noiseRatio(txt string) float64 {
	if txt == "" {
		return 1
	}
	total, noisy := 0, 0
	for _, r := range txt {
		total++
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), unicode.IsSpace(r):
		case strings.ContainsRune(`.,:;$%()/-'"&#`, r):
		default:
			noisy++
		}
	}
	return float64(noisy) / float64(total)
}

// normalizeText canonicalizes a reading for vote comparison: lowercase,
// whitespace collapsed. Votes compare meaning, not spacing.
func normalizeText(txt string) string {
	return strings.Join(strings.Fields(strings.ToLower(txt)), " ")
}

// meanWordConfidence averages word confidences, returning the fallback when
// the engine reported none.
func meanWordConfidence(words []Word, fallback float64) float64 {
	if len(words) == 0 {
		return fallback
	}
	var sum float64
	for _, w := range words {
		sum += w.Confidence
	}
	return sum / float64(len(words))
}

package ocr

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// TesseractEngine is the primary local engine, backed by the gosseract
// bindings. A fresh client per call keeps it safe under concurrency.
type TesseractEngine struct {
	lang          string
	tessdataDir   string
	clientFactory func() *gosseract.Client
}

func NewTesseractEngine(lang, tessdataDir string) *TesseractEngine {
	if lang == "" {
		lang = "eng"
	}
	return &TesseractEngine{
		lang:          lang,
		tessdataDir:   tessdataDir,
		clientFactory: gosseract.NewClient,
	}
}

func (e *TesseractEngine) Name() string { return "tesseract" }

func (e *TesseractEngine) Recognize(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	c := e.clientFactory()
	defer c.Close()

	if err := c.SetImageFromBytes(req.Image); err != nil {
		return Result{}, fmt.Errorf("set image: %w", err)
	}
	langs := req.Languages
	if len(langs) == 0 {
		langs = []string{e.lang}
	}
	if err := c.SetLanguage(langs...); err != nil {
		return Result{}, fmt.Errorf("set languages: %w", err)
	}
	if e.tessdataDir != "" {
		if err := c.SetTessdataPrefix(e.tessdataDir); err != nil {
			return Result{}, fmt.Errorf("set tessdata prefix: %w", err)
		}
	}
	if req.DPI > 0 {
		if err := c.SetVariable(gosseract.SettableVariable("user_defined_dpi"), fmt.Sprint(req.DPI)); err != nil {
			return Result{}, fmt.Errorf("set dpi: %w", err)
		}
	}

	text, err := c.Text()
	if err != nil {
		return Result{}, fmt.Errorf("recognize text: %w", err)
	}

	words, conf := tesseractWords(c)
	return Result{
		Text:       strings.TrimSpace(text),
		Confidence: conf,
		Words:      words,
	}, nil
}

// Probe runs a single cheap pass for orientation ranking.
func (e *TesseractEngine) Probe(ctx context.Context, img image.Image) (string, float64, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", 0, err
	}
	res, err := e.Recognize(ctx, Request{ID: "probe", Image: buf.Bytes()})
	if err != nil {
		return "", 0, err
	}
	return res.Text, res.Confidence, nil
}

// tesseractWords pulls word-level confidences; tesseract reports 0..100.
func tesseractWords(c *gosseract.Client) ([]Word, float64) {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return nil, 0
	}
	words := make([]Word, 0, len(boxes))
	var sum float64
	for _, b := range boxes {
		w := strings.TrimSpace(b.Word)
		if w == "" {
			continue
		}
		conf := b.Confidence / 100
		words = append(words, Word{Text: w, Confidence: conf})
		sum += conf
	}
	if len(words) == 0 {
		return nil, 0
	}
	return words, sum / float64(len(words))
}

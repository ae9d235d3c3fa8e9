package ocr

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/msfg/taxdoc/internal/common"
)

// PaddleEngine shells out to a PaddleOCR wrapper binary. The wrapper takes an
// image path and emits one JSON object per detected line on stdout:
//
//	{"text": "Gross receipts", "confidence": 0.97}
//
// An empty binary path disables the engine at wiring time.
type PaddleEngine struct {
	bin    string
	lang   string
	runner common.Runner
}

func NewPaddleEngine(bin, lang string, runner common.Runner) *PaddleEngine {
	if lang == "" {
		lang = "en"
	}
	if runner == nil {
		runner = common.NewExecRunner(nil)
	}
	return &PaddleEngine{bin: bin, lang: lang, runner: runner}
}

func (e *PaddleEngine) Name() string { return "paddle" }

type paddleLine struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func (e *PaddleEngine) Recognize(ctx context.Context, req Request) (Result, error) {
	path := filepath.Join(os.TempDir(), "taxdoc-"+uuid.NewString()+".png")
	if err := os.WriteFile(path, req.Image, 0o600); err != nil {
		return Result{}, fmt.Errorf("write crop: %w", err)
	}
	defer os.Remove(path)

	out, errb, err := e.runner.Run(ctx, e.bin, "--image", path, "--lang", e.lang)
	if err != nil {
		return Result{}, fmt.Errorf("paddle: %w: %s", err, common.Truncate(string(errb), 256))
	}

	var (
		parts []string
		words []Word
	)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		ln := strings.TrimSpace(sc.Text())
		if ln == "" {
			continue
		}
		var pl paddleLine
		if err := json.Unmarshal([]byte(ln), &pl); err != nil {
			continue
		}
		if pl.Text == "" {
			continue
		}
		parts = append(parts, pl.Text)
		words = append(words, Word{Text: pl.Text, Confidence: pl.Confidence})
	}

	text := strings.Join(parts, "\n")
	return Result{
		Text:       text,
		Confidence: meanWordConfidence(words, 0),
		Words:      words,
	}, nil
}

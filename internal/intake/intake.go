// Package intake turns raw uploaded bytes into a normalized Document: pages
// split, embedded text extracted where usable, everything else rasterized at
// a canonical DPI for the image pipeline.
package intake

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/tiff"

	"github.com/msfg/taxdoc/constants"
	"github.com/msfg/taxdoc/internal/common"
	"github.com/msfg/taxdoc/internal/document"
)

// Request is one document submission.
type Request struct {
	Bytes      []byte
	Filename   string
	Passphrase string // optional; decryption is attempted only when non-empty
}

// Normalizer implements the intake stage.
type Normalizer struct {
	cfg    common.IntakeConfig
	runner common.Runner
	logger *slog.Logger
}

// NewNormalizer builds the intake stage. A nil runner executes the real
// poppler binaries.
func NewNormalizer(cfg common.IntakeConfig, runner common.Runner, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = common.NewExecRunner(logger)
	}
	if cfg.Pdftotext == "" {
		cfg.Pdftotext = "pdftotext"
	}
	if cfg.Pdftoppm == "" {
		cfg.Pdftoppm = "pdftoppm"
	}
	if cfg.MinEmbeddedWords <= 0 {
		cfg.MinEmbeddedWords = 25
	}
	cfg.DPI = clampDPI(cfg.DPI)
	return &Normalizer{cfg: cfg, runner: runner, logger: logger}
}

// Canonical raster resolution range.
func clampDPI(dpi int) int {
	if dpi < 300 {
		return 300
	}
	if dpi > 400 {
		return 400
	}
	return dpi
}

// Normalize validates, decrypts if authorized, splits into pages, and decides
// per page between embedded text and rasterization.
func (n *Normalizer) Normalize(ctx context.Context, req Request) (*document.Document, error) {
	format, mime, err := sniffFormat(req.Filename, req.Bytes)
	if err != nil {
		return nil, err
	}

	doc := document.New(mime)
	n.logger.Info("intake.start", "document_id", doc.ID, "format", format, "bytes", len(req.Bytes))

	switch format {
	case constants.PDF:
		err = n.normalizePDF(ctx, doc, req)
	case constants.IMAGE:
		err = n.normalizeImage(doc, req.Bytes)
	}
	if err != nil {
		return nil, err
	}

	if err := doc.Advance(constants.StateNormalized); err != nil {
		return nil, err
	}
	n.logger.Info("intake.ok", "document_id", doc.ID, "pages", doc.PageCount, "encrypted", doc.Encrypted)
	return doc, nil
}

// sniffFormat resolves the container format from the extension, falling back
// to content sniffing when the extension is missing or unknown.
func sniffFormat(filename string, data []byte) (constants.FileFormat, string, error) {
	if len(data) == 0 {
		return "", "", common.NewAppError(common.KindCorruptedFile, "empty file", nil)
	}
	if f := constants.MapExtToFormat(filepath.Ext(filename)); f != "" {
		return f, http.DetectContentType(data), nil
	}
	mime := http.DetectContentType(data)
	switch {
	case mime == "application/pdf":
		return constants.PDF, mime, nil
	case strings.HasPrefix(mime, "image/"):
		return constants.IMAGE, mime, nil
	}
	return "", "", common.NewAppError(common.KindUnsupportedFormat,
		fmt.Sprintf("unsupported file type %q (%s)", filepath.Ext(filename), mime), nil)
}

func (n *Normalizer) normalizePDF(ctx context.Context, doc *document.Document, req Request) error {
	tmpDir, err := os.MkdirTemp("", "taxdoc-intake-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	srcPath := filepath.Join(tmpDir, "source.pdf")
	if err := os.WriteFile(srcPath, req.Bytes, 0o600); err != nil {
		return err
	}

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	if err := api.ValidateFile(srcPath, conf); err != nil {
		if looksEncrypted(err) {
			if req.Passphrase == "" {
				return common.NewAppError(common.KindEncryptedDocument,
					"document is encrypted and no passphrase was supplied", err)
			}
			conf.UserPW = req.Passphrase
			decPath := filepath.Join(tmpDir, "decrypted.pdf")
			if derr := api.DecryptFile(srcPath, decPath, conf); derr != nil {
				return common.NewAppError(common.KindEncryptedDocument, "decryption failed", derr)
			}
			doc.Encrypted = true
			srcPath = decPath
			conf = model.NewDefaultConfiguration()
			conf.ValidationMode = model.ValidationRelaxed
		} else {
			return common.NewAppError(common.KindCorruptedFile, "PDF container cannot be parsed", err)
		}
	}

	optPath := filepath.Join(tmpDir, "optimized.pdf")
	if err := api.OptimizeFile(srcPath, optPath, conf); err != nil {
		return common.NewAppError(common.KindCorruptedFile, "PDF optimization failed", err)
	}

	pageCount, err := api.PageCountFile(optPath)
	if err != nil {
		return common.NewAppError(common.KindCorruptedFile, "cannot determine page count", err)
	}
	if n.cfg.MaxPages > 0 && pageCount > n.cfg.MaxPages {
		pageCount = n.cfg.MaxPages
	}
	doc.PageCount = pageCount

	pageTexts, err := n.pdfToText(ctx, optPath)
	if err != nil {
		// Missing text layer is not fatal; every page falls back to raster.
		n.logger.Warn("intake.pdftotext_failed", "document_id", doc.ID, "error", err)
		pageTexts = nil
	}

	for i := 0; i < pageCount; i++ {
		page := &document.Page{Index: i, DPI: n.cfg.DPI}
		if i < len(pageTexts) && wordCount(pageTexts[i]) >= n.cfg.MinEmbeddedWords {
			page.Text = pageTexts[i]
			page.Embedded = true
		} else {
			img, rerr := n.rasterizePage(ctx, optPath, i+1)
			if rerr != nil {
				return common.NewAppError(common.KindCorruptedFile,
					fmt.Sprintf("rasterizing page %d failed", i+1), rerr)
			}
			page.Image = img
		}
		doc.Pages = append(doc.Pages, page)
	}
	return nil
}

func (n *Normalizer) normalizeImage(doc *document.Document, data []byte) error {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return common.NewAppError(common.KindCorruptedFile, "image cannot be decoded", err)
	}
	doc.PageCount = 1
	doc.Pages = []*document.Page{{Index: 0, Image: img, DPI: n.cfg.DPI}}
	return nil
}

// pdfToText extracts the embedded text layer, one entry per page.
// pdftotext separates pages with a form feed.
func (n *Normalizer) pdfToText(ctx context.Context, path string) ([]string, error) {
	out, errb, err := n.runner.Run(ctx, n.cfg.Pdftotext, "-layout", "-enc", "UTF-8", "-eol", "unix", path, "-")
	if err != nil {
		return nil, fmt.Errorf("pdftotext: %w (%s)", err, common.Truncate(string(errb), 512))
	}
	pages := strings.Split(string(out), "\f")
	// pdftotext emits a trailing form feed after the last page.
	if len(pages) > 0 && strings.TrimSpace(pages[len(pages)-1]) == "" {
		pages = pages[:len(pages)-1]
	}
	return pages, nil
}

// rasterizePage renders a single 1-based page to PNG via pdftoppm and decodes it.
func (n *Normalizer) rasterizePage(ctx context.Context, path string, page int) (image.Image, error) {
	tmpDir, err := os.MkdirTemp("", "taxdoc-raster-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpDir)

	prefix := filepath.Join(tmpDir, "page")
	_, errb, err := n.runner.Run(ctx, n.cfg.Pdftoppm,
		"-f", fmt.Sprint(page), "-l", fmt.Sprint(page),
		"-r", fmt.Sprint(n.cfg.DPI), "-png", path, prefix)
	if err != nil {
		return nil, fmt.Errorf("pdftoppm: %w (%s)", err, common.Truncate(string(errb), 512))
	}

	matches, _ := filepath.Glob(prefix + "-*.png")
	if len(matches) == 0 {
		return nil, fmt.Errorf("pdftoppm produced no image for page %d", page)
	}
	f, err := os.Open(matches[0])
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}

func looksEncrypted(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "password") || strings.Contains(msg, "encrypt")
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

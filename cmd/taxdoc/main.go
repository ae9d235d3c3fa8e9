// taxdoc runs one extraction from the command line and prints the JSON
// response. Useful for template work and spot checks without the daemon.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/msfg/taxdoc/internal/common"
	"github.com/msfg/taxdoc/internal/fields"
	"github.com/msfg/taxdoc/internal/intake"
	"github.com/msfg/taxdoc/internal/layout"
	"github.com/msfg/taxdoc/internal/ocr"
	"github.com/msfg/taxdoc/internal/pipeline"
	"github.com/msfg/taxdoc/internal/preprocess"
	"github.com/msfg/taxdoc/internal/repository"
	"github.com/msfg/taxdoc/internal/review"
	"github.com/msfg/taxdoc/internal/table"
	"github.com/msfg/taxdoc/internal/template"
	"github.com/msfg/taxdoc/internal/validate"
)

func main() {
	formHint := flag.String("form", "", "form type hint, skips title detection")
	passphrase := flag.String("passphrase", "", "passphrase for encrypted PDFs")
	target := flag.String("target", "", "target location echoed into the response")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if flag.NArg() != 1 {
		logger.Error("usage", "cmd", "taxdoc [flags] <document>")
		os.Exit(2)
	}
	path := flag.Arg(0)
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Error("read file", "path", path, "error", err)
		os.Exit(1)
	}

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		logger.Error("config.invalid", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ExtractTimeout)
	defer cancel()

	store, err := repository.Open(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store.open_failed", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	registry, err := template.NewRegistry(cfg.Mapping.TemplateDir, logger)
	if err != nil {
		logger.Error("template.load_failed", "error", err)
		os.Exit(1)
	}

	tess := ocr.NewTesseractEngine(cfg.OCR.TesseractLang, cfg.OCR.TessdataDir)

	var alternate ocr.Engine
	if cfg.OCR.PaddleBin != "" {
		alternate = ocr.NewPaddleEngine(cfg.OCR.PaddleBin, cfg.OCR.TesseractLang, common.NewExecRunner(logger))
	}
	var cloud []ocr.Engine
	if cfg.OCR.VertexProject != "" {
		vertex, err := ocr.NewVertexEngine(ctx, cfg.OCR.VertexProject, cfg.OCR.VertexRegion, cfg.OCR.VertexModel)
		if err != nil {
			logger.Error("ocr.vertex.init_failed", "error", err)
			os.Exit(1)
		}
		defer vertex.Close()
		cloud = append(cloud, vertex)
	}
	if cfg.OCR.RemoteOCRURL != "" {
		cloud = append(cloud, ocr.NewRemoteEngine(
			cfg.OCR.RemoteOCRURL, cfg.OCR.RemoteOCRKey, cfg.OCR.RemoteOCRModel,
			&http.Client{Timeout: cfg.OCR.CloudTimeout},
		))
	}

	pipe := pipeline.New(
		cfg,
		intake.NewNormalizer(cfg.Intake, nil, logger),
		preprocess.NewPreprocessor(cfg.Image, tess, logger),
		layout.NewDetector(logger),
		table.NewExtractor(logger),
		ocr.NewEnsemble(cfg.OCR, tess, alternate, cloud, logger),
		registry,
		fields.NewMapper(logger),
		validate.NewValidator(cfg.Mapping.CrossFootTolerance, logger),
		review.NewReviewer(cfg.Review.Threshold, store, logger),
		store,
		logger,
	)

	resp, runErr := pipe.Run(ctx, pipeline.Request{
		Intake: intake.Request{
			Bytes:      data,
			Filename:   filepath.Base(path),
			Passphrase: *passphrase,
		},
		FormHint:       *formHint,
		TargetLocation: *target,
	})

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		logger.Error("encode response", "error", err)
		os.Exit(1)
	}
	if runErr != nil {
		os.Exit(1)
	}
}

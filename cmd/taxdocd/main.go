// taxdocd is the extraction service daemon. It wires the pipeline stages,
// the recognition ensemble, and the feedback store, then serves HTTP until
// interrupted.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/msfg/taxdoc/internal/common"
	"github.com/msfg/taxdoc/internal/export"
	"github.com/msfg/taxdoc/internal/fields"
	"github.com/msfg/taxdoc/internal/intake"
	"github.com/msfg/taxdoc/internal/layout"
	"github.com/msfg/taxdoc/internal/ocr"
	"github.com/msfg/taxdoc/internal/pipeline"
	"github.com/msfg/taxdoc/internal/preprocess"
	"github.com/msfg/taxdoc/internal/repository"
	"github.com/msfg/taxdoc/internal/review"
	"github.com/msfg/taxdoc/internal/server"
	"github.com/msfg/taxdoc/internal/table"
	"github.com/msfg/taxdoc/internal/template"
	"github.com/msfg/taxdoc/internal/validate"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		logger.Error("config.invalid", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	reviewer := review.NewReviewer(cfg.Review.Threshold, store, logger)

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
		reviewer,
		store,
		logger,
	)

	exporter := export.NewService(store, logger)

	srv := server.New(cfg.Server, pipe, registry, reviewer, exporter, store, logger)
	if err := srv.Start(ctx); err != nil {
		logger.Error("server.failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server.stopped")
}

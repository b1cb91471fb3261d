package main

import (
	"log/slog"
	"os"

	"github.com/kalambet/exhibit/internal/analyzer"
	"github.com/kalambet/exhibit/internal/config"
	"github.com/kalambet/exhibit/internal/detect"
	"github.com/kalambet/exhibit/internal/ledger"
	"github.com/kalambet/exhibit/internal/metrics"
	"github.com/kalambet/exhibit/internal/processor"
	"github.com/kalambet/exhibit/internal/video"
)

// app is the analysis core shared by the server and local runs.
type app struct {
	detector  *detect.Client
	jobs      *ledger.Ledger
	metrics   *metrics.Metrics
	processor *processor.Processor
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// newApp wires the detector client, analyzer, ledger and processor. archive
// may be nil, in which case summaries are kept only in the ledger.
func newApp(cfg config.Config, logger *slog.Logger, archive processor.Archive) (*app, error) {
	det := detect.New(cfg.Detector.BaseURL, cfg.Detector.Timeout)
	m := metrics.New()

	deps := analyzer.Deps{
		Objects:  det,
		Faces:    det,
		Observer: m,
		Logger:   logger,
	}
	if cfg.Detector.SceneEnabled {
		deps.Scene = det
	}
	an := analyzer.New(deps, analyzer.Config{
		ObjectThreshold: cfg.Analysis.ObjectThreshold,
		FaceConfidence:  cfg.Analysis.FaceConfidence,
		FrameTimeout:    cfg.Analysis.FrameTimeout,
		Calibration:     cfg.Calibration.Frame(),
	})

	jobs := ledger.New()
	proc, err := processor.New(processor.Deps{
		Ledger:   jobs,
		Analyzer: an,
		Open:     video.Open,
		Archive:  archive,
		Metrics:  m,
		Logger:   logger,
	}, processor.Options{
		Stride:  cfg.Analysis.Stride,
		Workers: cfg.Analysis.Workers,
	})
	if err != nil {
		return nil, err
	}

	return &app{detector: det, jobs: jobs, metrics: m, processor: proc}, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/banshee-data/scanprep/internal/batch"
	"github.com/banshee-data/scanprep/internal/ledger"
	"github.com/banshee-data/scanprep/internal/monitoring"
	"github.com/banshee-data/scanprep/internal/record"
)

type preprocessFlags struct {
	failOnError bool
	retryFailed string
	traceFile   string
	summaryFile string
}

func newPreprocessCmd(a *app) *cobra.Command {
	var pf preprocessFlags
	cmd := &cobra.Command{
		Use:   "preprocess",
		Short: "Convert every matched scan pair into a training record",
		Long: `Discover geometry and label files, pair them by base name and run the
preprocessing pipeline on each pair with a fixed worker pool. A failing pair
is reported and skipped; the batch always completes.

Exit status is 0 once the batch completes, even with failed pairs, unless
--fail-on-error is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runPreprocess(ctx, a, pf, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.String("geometry-dir", "", "directory of geometry (.pcd) files")
	f.String("label-dir", "", "directory of label (.asc) files")
	f.String("output-dir", "", "directory for *_preprocessed.arrow records")
	f.Float64("voxel-size", 0.05, "voxel edge length in normalized units")
	f.Int("stride", 1, "grid stride of record coordinates")
	f.Int("workers", runtime.NumCPU(), "number of pairs processed concurrently")
	f.String("compression", "zstd", "record compression: zstd, lz4 or none")
	f.String("center-mode", "bbox", "normalization origin: bbox, centroid or none")
	f.String("metrics-textfile", "", "write Prometheus metrics to this file after the run")
	a.bindFlags(cmd, false, map[string]string{
		"geometry-dir":     "geometry_dir",
		"label-dir":        "label_dir",
		"output-dir":       "output_dir",
		"voxel-size":       "voxel_size",
		"stride":           "stride",
		"workers":          "num_workers",
		"compression":      "compression",
		"center-mode":      "center_mode",
		"metrics-textfile": "metrics_textfile",
	})

	f.BoolVar(&pf.failOnError, "fail-on-error", false, "exit 1 if any pair failed")
	f.StringVar(&pf.retryFailed, "retry-failed", "", "reprocess the pairs that did not succeed in this ledger run id")
	f.StringVar(&pf.traceFile, "trace", "", "write OpenTelemetry spans as JSON to this file")
	f.StringVar(&pf.summaryFile, "summary", "", "write the batch summary JSON here instead of stdout")
	return cmd
}

func runPreprocess(ctx context.Context, a *app, pf preprocessFlags, stdout io.Writer) (err error) {
	cfg, log := a.cfg, a.logger
	if err := cfg.RequireDirs(); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		// Every pair will then fail with a serialization error.
		log.Warn("cannot create output directory", zap.String("output_dir", cfg.OutputDir), zap.Error(err))
	}

	var store *ledger.Store
	if cfg.LedgerPath != "" {
		if store, err = ledger.Open(cfg.LedgerPath, log); err != nil {
			return err
		}
		defer store.Close()
	}

	var pairs []batch.Pair
	var unmatched []string
	if pf.retryFailed != "" {
		if store == nil {
			return errors.New("--retry-failed needs a ledger (--ledger or ledger_path)")
		}
		if pairs, err = store.FailedPairs(ctx, pf.retryFailed); err != nil {
			return err
		}
		log.Info("retrying pairs from previous run", zap.String("previous_run_id", pf.retryFailed), zap.Int("pairs", len(pairs)))
	} else {
		pairs, unmatched, err = batch.DiscoverPairs(cfg.GeometryDir, cfg.LabelDir, cfg.GeometryExt, cfg.LabelExt, log)
		if err != nil {
			return err
		}
	}

	runID := batch.NewRunID()
	pl, err := batch.NewPipeline(cfg, runID, log)
	if err != nil {
		return err
	}
	metrics := monitoring.NewMetrics()
	pl.Metrics = metrics

	if pf.traceFile != "" {
		tf, err := os.Create(pf.traceFile)
		if err != nil {
			return fmt.Errorf("create trace file: %w", err)
		}
		defer tf.Close()
		tp, err := monitoring.NewTracerProvider(ctx, tf)
		if err != nil {
			return err
		}
		defer func() {
			if serr := tp.Shutdown(context.WithoutCancel(ctx)); serr != nil {
				log.Warn("trace flush failed", zap.Error(serr))
			}
		}()
		pl.Tracer = monitoring.Tracer(tp)
	}

	if cfg.Upload.Enabled() {
		u, err := record.NewMinioUploader(record.MinioOptions{
			Endpoint:  cfg.Upload.Endpoint,
			Bucket:    cfg.Upload.Bucket,
			Prefix:    cfg.Upload.Prefix,
			AccessKey: cfg.Upload.AccessKey,
			SecretKey: cfg.Upload.SecretKey,
			Secure:    cfg.Upload.Secure,
		})
		if err != nil {
			return err
		}
		if err := u.EnsureBucket(ctx); err != nil {
			return err
		}
		pl.Uploader = u
	}

	o := &batch.Orchestrator{
		Workers:   cfg.NumWorkers,
		Processor: pl,
		Metrics:   metrics,
		Logger:    log,
		RunID:     runID,
	}
	if store != nil {
		o.Observer = store
	}
	summary := o.Run(ctx, pairs)
	summary.Unmatched = unmatched

	if err := metrics.WriteTextfile(cfg.MetricsTextfile); err != nil {
		log.Warn("failed to write metrics textfile", zap.String("path", cfg.MetricsTextfile), zap.Error(err))
	}
	if err := writeSummary(summary, pf.summaryFile, stdout); err != nil {
		return err
	}

	if pf.failOnError && summary.Failed > 0 {
		return fmt.Errorf("%d of %d pairs failed", summary.Failed, summary.Processed)
	}
	return nil
}

func writeSummary(s *batch.Summary, path string, stdout io.Writer) error {
	if path == "" {
		return s.WriteJSON(stdout)
	}
	return writeFile(path, s.WriteJSON)
}

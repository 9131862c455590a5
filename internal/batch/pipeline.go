package batch

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/banshee-data/scanprep/internal/config"
	"github.com/banshee-data/scanprep/internal/features"
	"github.com/banshee-data/scanprep/internal/geometry"
	"github.com/banshee-data/scanprep/internal/monitoring"
	"github.com/banshee-data/scanprep/internal/record"
	"github.com/banshee-data/scanprep/internal/scan"
	"github.com/banshee-data/scanprep/internal/scan/asc"
	"github.com/banshee-data/scanprep/internal/version"
)

// FileStats describes what one pair produced.
type FileStats struct {
	PointsIn         int    `json:"points_in"`
	Voxels           int    `json:"voxels"`
	RemovedNonFinite int    `json:"removed_non_finite"`
	RemovedInvalid   int    `json:"removed_invalid_label"`
	RowsOut          int    `json:"rows_out"`
	OutputPath       string `json:"output_path,omitempty"`
	UploadKey        string `json:"upload_key,omitempty"`
}

// Processor turns one pair into a record file.
type Processor interface {
	Process(ctx context.Context, p Pair) (FileStats, error)
}

// Pipeline runs the preprocessing stages for one pair:
// load, normalize, downsample, normals, labels, features, filter, serialize.
// It holds no per-file state and is safe for concurrent use.
type Pipeline struct {
	Loader      *scan.Loader
	Normalizer  geometry.Normalizer
	Downsampler geometry.VoxelDownsampler
	Normals     geometry.NormalEstimator
	Labels      geometry.LabelTransfer
	Filter      features.QualityFilter
	Writer      *record.Writer
	Uploader    record.Uploader

	Metrics *monitoring.Metrics
	Tracer  trace.Tracer
	Logger  *zap.Logger
}

// NewPipeline wires the stages from cfg. runID is stamped into every record.
func NewPipeline(cfg *config.Config, runID string, logger *zap.Logger) (*Pipeline, error) {
	logger = monitoring.OrNop(logger)
	mode, err := geometry.ParseCenterMode(cfg.CenterMode)
	if err != nil {
		return nil, err
	}
	comp, err := record.ParseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		Loader:      scan.NewLoader(asc.Options{Delimiter: cfg.Delimiter(), LabelColumn: cfg.LabelColumn}, logger),
		Normalizer:  geometry.Normalizer{Mode: mode},
		Downsampler: geometry.VoxelDownsampler{VoxelSize: cfg.VoxelSize, Stride: cfg.Stride},
		Normals:     geometry.NormalEstimator{Radius: cfg.NormalRadius(), MaxNeighbors: cfg.NormalMaxNeighbors},
		Labels:      geometry.LabelTransfer{K: cfg.LabelNeighbors},
		Filter:      features.QualityFilter{InvalidLabel: cfg.InvalidLabel, Logger: logger},
		Writer: &record.Writer{
			OutputDir:   cfg.OutputDir,
			Compression: comp,
			Stride:      cfg.Stride,
			VoxelSize:   cfg.VoxelSize,
			RunID:       runID,
			Version:     version.Version,
			Logger:      logger,
		},
		Tracer: monitoring.Tracer(nil),
		Logger: logger,
	}, nil
}

// Process runs every stage for p. A returned error carries the stage it was
// raised in (see scan.StageOf).
func (pl *Pipeline) Process(ctx context.Context, p Pair) (FileStats, error) {
	var stats FileStats
	tracer := pl.Tracer
	if tracer == nil {
		tracer = monitoring.Tracer(nil)
	}
	ctx, span := tracer.Start(ctx, "scanprep.file", trace.WithAttributes(
		attribute.String("base_name", p.BaseName),
		attribute.String("geometry", p.GeometryPath),
		attribute.String("labels", p.LabelPath),
	))
	defer span.End()

	err := pl.run(ctx, tracer, p, &stats)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return stats, err
}

// runStage calls fn, converting a panic into a *PanicError so the caller can
// tag it with the stage it happened in.
func runStage(p Pair, fn func() error) (err error) {
	defer recoverPanic(p, &err)
	return fn()
}

func (pl *Pipeline) run(ctx context.Context, tracer trace.Tracer, p Pair, stats *FileStats) error {
	var rec *scan.GeometryRecord
	stage := func(s scan.Stage, fn func() error) error {
		_, span := tracer.Start(ctx, "scanprep."+string(s))
		start := time.Now()
		err := runStage(p, fn)
		pl.Metrics.ObserveStage(string(s), time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		return scan.AtStage(s, err)
	}

	err := stage(scan.StageLoad, func() (err error) {
		rec, err = pl.Loader.Load(p.GeometryPath, p.LabelPath)
		return err
	})
	if err != nil {
		return err
	}
	rec.BaseName = p.BaseName
	stats.PointsIn = len(rec.Points)

	if err := stage(scan.StageNormalize, func() (err error) {
		rec, err = pl.Normalizer.Normalize(rec)
		return err
	}); err != nil {
		return err
	}
	if err := stage(scan.StageDownsample, func() (err error) {
		rec, err = pl.Downsampler.Downsample(rec)
		return err
	}); err != nil {
		return err
	}
	stats.Voxels = rec.Down.Len()

	// Normals and labels query the same dense cloud.
	dense := geometry.NewSpatialIndex(rec.Points)
	if err := stage(scan.StageNormals, func() (err error) {
		rec, err = pl.Normals.Estimate(rec, dense)
		return err
	}); err != nil {
		return err
	}
	if err := stage(scan.StageLabels, func() (err error) {
		rec, err = pl.Labels.Transfer(rec, dense)
		return err
	}); err != nil {
		return err
	}

	var b *features.Batch
	if err := stage(scan.StageFeatures, func() (err error) {
		rec, b, err = features.Assemble(rec)
		return err
	}); err != nil {
		return err
	}

	if err := stage(scan.StageFilter, func() error {
		filtered, fs, err := pl.Filter.Apply(b)
		if err != nil {
			return err
		}
		stats.RemovedNonFinite, stats.RemovedInvalid = fs.NonFinite, fs.InvalidLabel
		pl.Metrics.RowsRemoved(features.ReasonNonFinite, fs.NonFinite)
		pl.Metrics.RowsRemoved(features.ReasonInvalidLabel, fs.InvalidLabel)
		b = filtered
		return nil
	}); err != nil {
		return err
	}

	if err := stage(scan.StageSerialize, func() (err error) {
		stats.OutputPath, err = pl.Writer.Write(b)
		return err
	}); err != nil {
		return err
	}
	stats.RowsOut = b.Len()
	pl.Metrics.Points(stats.PointsIn, stats.RowsOut)

	if pl.Uploader != nil {
		key, err := pl.Uploader.Upload(ctx, stats.OutputPath)
		if err != nil {
			return scan.AtStage(scan.StageSerialize, &scan.SerializationError{Path: stats.OutputPath, Err: err})
		}
		stats.UploadKey = key
	}
	return nil
}

package scan

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/banshee-data/scanprep/internal/scan/asc"
	"github.com/banshee-data/scanprep/internal/scan/pcd"
)

// Loader reads a geometry file and its companion label file into a
// GeometryRecord.
type Loader struct {
	Labels asc.Options
	Logger *zap.Logger
}

// NewLoader returns a Loader using the given label options.
func NewLoader(opt asc.Options, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{Labels: opt, Logger: logger}
}

// Load decodes geometryPath and labelPath. Rows whose coordinates are not
// finite are dropped from both sequences so labels stay 1:1 with points.
// Every failure is a *LoadError.
func (l *Loader) Load(geometryPath, labelPath string) (*GeometryRecord, error) {
	log := l.Logger
	if log == nil {
		log = zap.NewNop()
	}

	cloud, err := pcd.ReadFile(geometryPath)
	if err != nil {
		return nil, &LoadError{Path: geometryPath, Err: err}
	}
	if !cloud.HasColor {
		return nil, &LoadError{Path: geometryPath, Err: errors.New("no colour channel")}
	}

	labels, err := asc.ReadLabelsFile(labelPath, l.Labels)
	if err != nil {
		return nil, &LoadError{Path: labelPath, Err: err}
	}
	if len(labels) != len(cloud.Points) {
		return nil, &LoadError{
			Path: labelPath,
			Err:  fmt.Errorf("label rows %d do not match geometry points %d", len(labels), len(cloud.Points)),
		}
	}

	rec := &GeometryRecord{
		BaseName:     BaseNameOf(geometryPath),
		GeometryPath: geometryPath,
		LabelPath:    labelPath,
		Points:       make([]Vec3, 0, len(cloud.Points)),
		Colors:       make([]Vec3, 0, len(cloud.Points)),
		LabelsDense:  make([]int32, 0, len(cloud.Points)),
	}
	dropped := 0
	for i, p := range cloud.Points {
		if !finite3(p) {
			dropped++
			continue
		}
		// Non-finite colours are kept; the quality filter drops their rows.
		rec.Points = append(rec.Points, Vec3(p))
		rec.Colors = append(rec.Colors, Vec3(cloud.Colors[i]))
		rec.LabelsDense = append(rec.LabelsDense, labels[i])
	}
	if len(rec.Points) == 0 {
		return nil, &LoadError{Path: geometryPath, Err: errors.New("no finite points")}
	}
	if dropped > 0 {
		log.Info("dropped non-finite points",
			zap.String("base_name", rec.BaseName),
			zap.Int("dropped", dropped),
			zap.Int("kept", len(rec.Points)))
	}
	return rec, nil
}

func finite3(p [3]float64) bool {
	for _, v := range p {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

package features

import (
	"math"

	"github.com/RoaringBitmap/roaring/v2"
	"go.uber.org/zap"
)

// Removal reasons, also used as metric labels.
const (
	ReasonNonFinite    = "non_finite"
	ReasonInvalidLabel = "invalid_label"
)

// FilterStats counts rows removed by each pass.
type FilterStats struct {
	NonFinite    int
	InvalidLabel int
}

// Total is the number of rows removed.
func (s FilterStats) Total() int { return s.NonFinite + s.InvalidLabel }

// QualityFilter drops rows whose features are not finite, then rows labelled
// InvalidLabel. Both passes remove the same row from every sequence, so a
// filtered batch stays row-aligned. Running it twice removes nothing more.
type QualityFilter struct {
	InvalidLabel int64
	Logger       *zap.Logger
}

// Apply returns a filtered copy of b.
func (f QualityFilter) Apply(b *Batch) (*Batch, FilterStats, error) {
	var stats FilterStats
	if err := b.CheckRows(); err != nil {
		return nil, stats, err
	}
	log := f.Logger
	if log == nil {
		log = zap.NewNop()
	}

	drop := roaring.New()
	for i, row := range b.Features {
		for _, v := range row {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				drop.Add(uint32(i))
				break
			}
		}
	}
	stats.NonFinite = int(drop.GetCardinality())
	out := compact(b, drop)
	log.Info("quality filter pass",
		zap.String("base_name", b.BaseName),
		zap.String("reason", ReasonNonFinite),
		zap.Int("removed", stats.NonFinite),
		zap.Int("remaining", out.Len()))

	drop = roaring.New()
	for i, l := range out.Labels {
		if l == f.InvalidLabel {
			drop.Add(uint32(i))
		}
	}
	stats.InvalidLabel = int(drop.GetCardinality())
	out = compact(out, drop)
	log.Info("quality filter pass",
		zap.String("base_name", b.BaseName),
		zap.String("reason", ReasonInvalidLabel),
		zap.Int("removed", stats.InvalidLabel),
		zap.Int("remaining", out.Len()))

	return out, stats, nil
}

// compact copies the rows of b not present in drop.
func compact(b *Batch, drop *roaring.Bitmap) *Batch {
	keep := b.Len() - int(drop.GetCardinality())
	out := &Batch{
		BaseName: b.BaseName,
		Coords:   make([][3]float32, 0, keep),
		Features: make([][Width]float32, 0, keep),
		Labels:   make([]int64, 0, keep),
	}
	for i := range b.Coords {
		if drop.Contains(uint32(i)) {
			continue
		}
		out.Coords = append(out.Coords, b.Coords[i])
		out.Features = append(out.Features, b.Features[i])
		out.Labels = append(out.Labels, b.Labels[i])
	}
	return out
}

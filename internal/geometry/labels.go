package geometry

import (
	"fmt"

	"github.com/banshee-data/scanprep/internal/scan"
)

// DefaultLabelNeighbors is the vote size used when LabelTransfer.K is zero.
const DefaultLabelNeighbors = 5

// LabelTransfer assigns each downsampled row the majority class among its K
// nearest dense points. Equal counts resolve to the smallest label id, and
// equidistant neighbours to the lowest dense index, so results never depend
// on map or scheduling order.
type LabelTransfer struct {
	K int
}

// Transfer fills Down.Labels. dense must index rec.Points; pass nil to have
// one built.
func (t LabelTransfer) Transfer(rec *scan.GeometryRecord, dense *SpatialIndex) (*scan.GeometryRecord, error) {
	k := t.K
	if k == 0 {
		k = DefaultLabelNeighbors
	}
	if k < 0 {
		return nil, fmt.Errorf("label neighbours must be positive, got %d", k)
	}
	if len(rec.LabelsDense) != len(rec.Points) {
		return nil, fmt.Errorf("%d dense labels for %d points", len(rec.LabelsDense), len(rec.Points))
	}
	if dense == nil {
		dense = NewSpatialIndex(rec.Points)
	}
	if dense.Len() != len(rec.Points) {
		return nil, fmt.Errorf("spatial index has %d points, record has %d", dense.Len(), len(rec.Points))
	}

	labels := make([]int64, len(rec.Down.Centroids))
	votes := make(map[int32]int, k)
	for i, c := range rec.Down.Centroids {
		nb := dense.KNearest(c, k)
		if len(nb) == 0 {
			return nil, fmt.Errorf("no dense neighbours for row %d", i)
		}
		clear(votes)
		for _, n := range nb {
			votes[rec.LabelsDense[n.Index]]++
		}
		labels[i] = int64(majority(votes))
	}

	out := rec.Clone()
	out.Down.Labels = labels
	return out, nil
}

// majority returns the label with the highest count, preferring the smaller
// label on equal counts.
func majority(votes map[int32]int) int32 {
	var best int32
	bestCount := -1
	for label, count := range votes {
		if count > bestCount || (count == bestCount && label < best) {
			best, bestCount = label, count
		}
	}
	return best
}

package geometry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scanprep/internal/scan"
)

func planeRecord() *scan.GeometryRecord {
	rec := &scan.GeometryRecord{}
	for i := 0; i < 10; i++ {
		for j := 0; j < 10; j++ {
			rec.Points = append(rec.Points, scan.Vec3{float64(i) * 0.02, float64(j) * 0.02, 0.3})
		}
	}
	rec.Down.Centroids = []scan.Vec3{{0.09, 0.09, 0.3}, {5, 5, 5}}
	rec.Down.Coords = []scan.Vec3{{0, 0, 0}, {1, 1, 1}}
	return rec
}

func TestNormalEstimator_FlatPatch(t *testing.T) {
	rec := planeRecord()
	out, err := NormalEstimator{Radius: 0.1, MaxNeighbors: 30}.Estimate(rec, nil)
	require.NoError(t, err)
	require.Len(t, out.Down.Normals, 2)

	n := out.Down.Normals[0]
	assert.InDelta(t, 0, n[0], 1e-9)
	assert.InDelta(t, 0, n[1], 1e-9)
	assert.InDelta(t, 1, math.Abs(n[2]), 1e-9)

	// The isolated centroid has no dense points within the radius.
	assert.Equal(t, FallbackNormal, out.Down.Normals[1])
	assert.Nil(t, rec.Down.Normals, "input must not be modified")
}

func TestNormalEstimator_UnitLength(t *testing.T) {
	rec := randomRecord(3, 300, 2, 0)
	norm, err := Normalizer{}.Normalize(rec)
	require.NoError(t, err)
	down, err := VoxelDownsampler{VoxelSize: 0.2, Stride: 1}.Downsample(norm)
	require.NoError(t, err)
	out, err := NormalEstimator{Radius: 0.4, MaxNeighbors: 30}.Estimate(down, NewSpatialIndex(down.Points))
	require.NoError(t, err)
	for i, n := range out.Down.Normals {
		l := math.Sqrt(n[0]*n[0] + n[1]*n[1] + n[2]*n[2])
		assert.InDelta(t, 1, l, 1e-9, "row %d", i)
	}
	require.NoError(t, out.CheckIndexAlignment())
}

func TestNormalEstimator_BadParams(t *testing.T) {
	_, err := NormalEstimator{Radius: 0, MaxNeighbors: 30}.Estimate(planeRecord(), nil)
	assert.Error(t, err)
	_, err = NormalEstimator{Radius: 0.1, MaxNeighbors: 2}.Estimate(planeRecord(), nil)
	assert.Error(t, err)
}

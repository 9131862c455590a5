package geometry

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"github.com/banshee-data/scanprep/internal/scan"
)

// VoxelDownsampler replaces each occupied cell of a uniform grid with one
// row. Coordinates of the output are the cell index scaled by Stride; the
// mean member position is kept as the centroid for neighbour queries.
// The coordinates written to records are therefore integer grid indices,
// not metric positions: multiply by VoxelSize/Stride to recover the
// normalized cell corner.
type VoxelDownsampler struct {
	VoxelSize float64
	Stride    int
}

type cellKey [3]int64

type cellAcc struct {
	key   cellKey
	sum   scan.Vec3
	color scan.Vec3
	n     int
}

// Downsample buckets rec.Points by floor(p / VoxelSize). Rows are ordered by
// cell index (x, then y, then z). The result is checked for grid-stride
// alignment before it is returned.
func (v VoxelDownsampler) Downsample(rec *scan.GeometryRecord) (*scan.GeometryRecord, error) {
	if !(v.VoxelSize > 0) || math.IsInf(v.VoxelSize, 0) {
		return nil, fmt.Errorf("voxel size must be positive and finite, got %v", v.VoxelSize)
	}
	if len(rec.Colors) != len(rec.Points) {
		return nil, fmt.Errorf("%d colours for %d points", len(rec.Colors), len(rec.Points))
	}

	index := make(map[cellKey]int, len(rec.Points)/4+1)
	var cells []cellAcc
	for i, p := range rec.Points {
		var k cellKey
		for a := 0; a < 3; a++ {
			k[a] = int64(math.Floor(p[a] / v.VoxelSize))
		}
		ci, ok := index[k]
		if !ok {
			ci = len(cells)
			index[k] = ci
			cells = append(cells, cellAcc{key: k})
		}
		c := &cells[ci]
		c.sum = c.sum.Add(p)
		c.color = c.color.Add(rec.Colors[i])
		c.n++
	}
	slices.SortFunc(cells, func(a, b cellAcc) int {
		for i := 0; i < 3; i++ {
			if c := cmp.Compare(a.key[i], b.key[i]); c != 0 {
				return c
			}
		}
		return 0
	})

	stride := float64(v.Stride)
	down := scan.DownSampled{
		Coords:    make([]scan.Vec3, len(cells)),
		Centroids: make([]scan.Vec3, len(cells)),
		Colors:    make([]scan.Vec3, len(cells)),
	}
	for i, c := range cells {
		inv := 1 / float64(c.n)
		down.Coords[i] = scan.Vec3{float64(c.key[0]) * stride, float64(c.key[1]) * stride, float64(c.key[2]) * stride}
		down.Centroids[i] = c.sum.Scale(inv)
		down.Colors[i] = c.color.Scale(inv)
	}
	if err := CheckGridAlignment(down.Coords, v.Stride, scan.StageDownsample); err != nil {
		return nil, err
	}

	out := rec.Clone()
	out.Down = down
	out.Features = nil
	return out, nil
}

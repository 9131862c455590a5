package geometry

import (
	"cmp"
	"math"
	"slices"

	"gonum.org/v1/gonum/spatial/kdtree"

	"github.com/banshee-data/scanprep/internal/scan"
)

// Neighbor is one search result: the index into the indexed point slice and
// the squared Euclidean distance to the query.
type Neighbor struct {
	Index int
	Dist2 float64
}

// SpatialIndex answers nearest-neighbour queries over a fixed point set. The
// tree is built with median-of-medians pivots, so the same input always
// yields the same tree and the same answers.
type SpatialIndex struct {
	tree *kdtree.Tree
	n    int
}

// NewSpatialIndex indexes points. The slice is copied.
func NewSpatialIndex(points []scan.Vec3) *SpatialIndex {
	pts := make(indexedPoints, len(points))
	for i, p := range points {
		pts[i] = indexedPoint{p: p, idx: i}
	}
	s := &SpatialIndex{n: len(points)}
	if len(pts) > 0 {
		s.tree = kdtree.New(pts, false)
	}
	return s
}

// Len returns the number of indexed points.
func (s *SpatialIndex) Len() int { return s.n }

// KNearest returns the k points closest to q ordered by distance, then by
// index. Points equidistant with the k-th neighbour are resolved in favour
// of the lower index.
func (s *SpatialIndex) KNearest(q scan.Vec3, k int) []Neighbor {
	if s.tree == nil || k <= 0 {
		return nil
	}
	query := indexedPoint{p: q, idx: -1}
	nk := kdtree.NewNKeeper(k + 1)
	s.tree.NearestSet(nk, query)
	nb := collect(nk.Heap)
	if len(nb) <= k {
		return nb
	}
	if nb[k].Dist2 > nb[k-1].Dist2 {
		return nb[:k]
	}
	// A tie straddles the cut: gather every point at or inside the k-th
	// distance and let the index order decide.
	dk := kdtree.NewDistKeeper(math.Nextafter(nb[k-1].Dist2, math.Inf(1)))
	s.tree.NearestSet(dk, query)
	nb = collect(dk.Heap)
	if len(nb) > k {
		nb = nb[:k]
	}
	return nb
}

// NearestWithin returns up to k of the closest points whose distance from q
// is at most radius, ordered as KNearest.
func (s *SpatialIndex) NearestWithin(q scan.Vec3, k int, radius float64) []Neighbor {
	nb := s.KNearest(q, k)
	r2 := radius * radius
	n := 0
	for _, x := range nb {
		if x.Dist2 <= r2 {
			nb[n] = x
			n++
		}
	}
	return nb[:n]
}

func collect(h kdtree.Heap) []Neighbor {
	out := make([]Neighbor, 0, len(h))
	for _, cd := range h {
		p, ok := cd.Comparable.(indexedPoint)
		if !ok {
			continue // keeper sentinel
		}
		out = append(out, Neighbor{Index: p.idx, Dist2: cd.Dist})
	}
	slices.SortFunc(out, func(a, b Neighbor) int {
		if c := cmp.Compare(a.Dist2, b.Dist2); c != 0 {
			return c
		}
		return cmp.Compare(a.Index, b.Index)
	})
	return out
}

// indexedPoint is a kdtree.Comparable remembering its position in the input.
type indexedPoint struct {
	p   scan.Vec3
	idx int
}

func (a indexedPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return a.p[d] - c.(indexedPoint).p[d]
}

func (a indexedPoint) Dims() int { return 3 }

// Distance is squared Euclidean, as the tree's pruning expects.
func (a indexedPoint) Distance(c kdtree.Comparable) float64 {
	return a.p.Dist2(c.(indexedPoint).p)
}

// indexedPoints implements kdtree.Interface.
type indexedPoints []indexedPoint

func (p indexedPoints) Index(i int) kdtree.Comparable { return p[i] }
func (p indexedPoints) Len() int                      { return len(p) }
func (p indexedPoints) Slice(start, end int) kdtree.Interface {
	return p[start:end]
}

func (p indexedPoints) Pivot(d kdtree.Dim) int {
	pl := plane{dim: d, pts: p}
	return kdtree.Partition(pl, kdtree.MedianOfMedians(pl))
}

// plane orders points along one axis, breaking ties by input index.
type plane struct {
	dim kdtree.Dim
	pts indexedPoints
}

func (pl plane) Len() int { return len(pl.pts) }

func (pl plane) Less(i, j int) bool {
	a, b := pl.pts[i], pl.pts[j]
	if a.p[pl.dim] != b.p[pl.dim] {
		return a.p[pl.dim] < b.p[pl.dim]
	}
	return a.idx < b.idx
}

func (pl plane) Swap(i, j int) { pl.pts[i], pl.pts[j] = pl.pts[j], pl.pts[i] }

func (pl plane) Slice(start, end int) kdtree.SortSlicer {
	return plane{dim: pl.dim, pts: pl.pts[start:end]}
}

package geometry

import (
	"cmp"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp/cmpopts"
	gocmp "github.com/google/go-cmp/cmp"

	"github.com/banshee-data/scanprep/internal/scan"
)

func bruteKNearest(points []scan.Vec3, q scan.Vec3, k int) []Neighbor {
	all := make([]Neighbor, len(points))
	for i, p := range points {
		all[i] = Neighbor{Index: i, Dist2: p.Dist2(q)}
	}
	slices.SortFunc(all, func(a, b Neighbor) int {
		if c := cmp.Compare(a.Dist2, b.Dist2); c != 0 {
			return c
		}
		return cmp.Compare(a.Index, b.Index)
	})
	if len(all) > k {
		all = all[:k]
	}
	return all
}

func TestSpatialIndex_MatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 12))
	points := make([]scan.Vec3, 400)
	for i := range points {
		points[i] = scan.Vec3{rng.Float64()*2 - 1, rng.Float64()*2 - 1, rng.Float64()*2 - 1}
	}
	idx := NewSpatialIndex(points)
	for q := 0; q < 50; q++ {
		query := scan.Vec3{rng.Float64()*2 - 1, rng.Float64()*2 - 1, rng.Float64()*2 - 1}
		for _, k := range []int{1, 5, 30} {
			got := idx.KNearest(query, k)
			want := bruteKNearest(points, query, k)
			if diff := gocmp.Diff(want, got); diff != "" {
				t.Fatalf("query %d k=%d mismatch (-want +got):\n%s", q, k, diff)
			}
		}
	}
}

func TestSpatialIndex_TiesResolveToLowerIndex(t *testing.T) {
	// Eight points on the corners of a cube around the origin: all equidistant.
	var points []scan.Vec3
	for _, x := range []float64{-1, 1} {
		for _, y := range []float64{-1, 1} {
			for _, z := range []float64{-1, 1} {
				points = append(points, scan.Vec3{x, y, z})
			}
		}
	}
	// Shuffle the input order so the tree layout differs from index order.
	rng := rand.New(rand.NewPCG(1, 2))
	rng.Shuffle(len(points), func(i, j int) { points[i], points[j] = points[j], points[i] })

	got := NewSpatialIndex(points).KNearest(scan.Vec3{}, 3)
	want := []Neighbor{{0, 3}, {1, 3}, {2, 3}}
	if diff := gocmp.Diff(want, got); diff != "" {
		t.Errorf("tie order (-want +got):\n%s", diff)
	}
}

func TestSpatialIndex_NearestWithin(t *testing.T) {
	points := []scan.Vec3{{0, 0, 0}, {0.1, 0, 0}, {0.2, 0, 0}, {1, 0, 0}}
	got := NewSpatialIndex(points).NearestWithin(scan.Vec3{}, 10, 0.25)
	idx := make([]int, len(got))
	for i, n := range got {
		idx[i] = n.Index
	}
	if diff := gocmp.Diff([]int{0, 1, 2}, idx); diff != "" {
		t.Errorf("within radius (-want +got):\n%s", diff)
	}
}

func TestSpatialIndex_SmallAndEmpty(t *testing.T) {
	if got := NewSpatialIndex(nil).KNearest(scan.Vec3{}, 5); got != nil {
		t.Errorf("empty index returned %v", got)
	}
	points := []scan.Vec3{{1, 0, 0}, {2, 0, 0}}
	got := NewSpatialIndex(points).KNearest(scan.Vec3{}, 5)
	want := []Neighbor{{0, 1}, {1, 4}}
	if diff := gocmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("k > n (-want +got):\n%s", diff)
	}
}

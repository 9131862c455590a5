package geometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/scanprep/internal/scan"
)

// minNormalNeighbors is the smallest neighbourhood that defines a plane.
const minNormalNeighbors = 3

// FallbackNormal is assigned when a centroid has too few dense neighbours.
var FallbackNormal = scan.Vec3{0, 0, 1}

// NormalEstimator fits a plane to the dense points around each downsampled
// centroid. The normal's sign is whatever the eigen solver returns; no
// orientation pass is made.
type NormalEstimator struct {
	Radius       float64
	MaxNeighbors int
}

// Estimate fills Down.Normals. dense must index rec.Points; pass nil to have
// one built.
func (e NormalEstimator) Estimate(rec *scan.GeometryRecord, dense *SpatialIndex) (*scan.GeometryRecord, error) {
	if e.MaxNeighbors < minNormalNeighbors || !(e.Radius > 0) {
		return nil, fmt.Errorf("normal estimator needs radius > 0 and at least %d neighbours", minNormalNeighbors)
	}
	if dense == nil {
		dense = NewSpatialIndex(rec.Points)
	}
	if dense.Len() != len(rec.Points) {
		return nil, fmt.Errorf("spatial index has %d points, record has %d", dense.Len(), len(rec.Points))
	}

	normals := make([]scan.Vec3, len(rec.Down.Centroids))
	members := make([]scan.Vec3, 0, e.MaxNeighbors)
	for i, c := range rec.Down.Centroids {
		nb := dense.NearestWithin(c, e.MaxNeighbors, e.Radius)
		if len(nb) < minNormalNeighbors {
			normals[i] = FallbackNormal
			continue
		}
		members = members[:0]
		for _, n := range nb {
			members = append(members, rec.Points[n.Index])
		}
		normals[i] = planeNormal(members)
	}

	out := rec.Clone()
	out.Down.Normals = normals
	return out, nil
}

// planeNormal returns the unit eigenvector of the smallest eigenvalue of the
// points' covariance, or NaNs if the decomposition fails.
func planeNormal(pts []scan.Vec3) scan.Vec3 {
	var mean scan.Vec3
	for _, p := range pts {
		mean = mean.Add(p)
	}
	mean = mean.Scale(1 / float64(len(pts)))

	var cov [6]float64 // xx xy xz yy yz zz
	for _, p := range pts {
		d := p.Sub(mean)
		cov[0] += d[0] * d[0]
		cov[1] += d[0] * d[1]
		cov[2] += d[0] * d[2]
		cov[3] += d[1] * d[1]
		cov[4] += d[1] * d[2]
		cov[5] += d[2] * d[2]
	}
	n := float64(len(pts))
	sym := mat.NewSymDense(3, []float64{
		cov[0] / n, cov[1] / n, cov[2] / n,
		cov[1] / n, cov[3] / n, cov[4] / n,
		cov[2] / n, cov[4] / n, cov[5] / n,
	})

	var eig mat.EigenSym
	if ok := eig.Factorize(sym, true); !ok {
		return scan.Vec3{math.NaN(), math.NaN(), math.NaN()}
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	// Eigenvalues are ascending, so column 0 is the plane normal.
	v := scan.Vec3{vecs.At(0, 0), vecs.At(1, 0), vecs.At(2, 0)}
	norm := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	if norm == 0 || math.IsNaN(norm) {
		return scan.Vec3{math.NaN(), math.NaN(), math.NaN()}
	}
	return v.Scale(1 / norm)
}

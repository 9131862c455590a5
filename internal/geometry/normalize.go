package geometry

import (
	"fmt"
	"math"

	"github.com/banshee-data/scanprep/internal/scan"
)

// CenterMode selects the reference origin removed before scaling.
type CenterMode string

const (
	CenterBBox     CenterMode = "bbox"
	CenterCentroid CenterMode = "centroid"
	CenterNone     CenterMode = "none"
)

// ParseCenterMode validates s. Empty means CenterBBox.
func ParseCenterMode(s string) (CenterMode, error) {
	switch CenterMode(s) {
	case "", CenterBBox:
		return CenterBBox, nil
	case CenterCentroid, CenterNone:
		return CenterMode(s), nil
	}
	return "", fmt.Errorf("unknown center mode %q", s)
}

// Normalizer recentres a cloud and scales it uniformly into [-1, 1].
type Normalizer struct {
	Mode CenterMode
}

// Normalize returns a record whose Points are (p - origin) / max|p - origin|.
// Dividing (rather than multiplying by a reciprocal) makes the component that
// defines the scale land on exactly +1 or -1.
func (n Normalizer) Normalize(rec *scan.GeometryRecord) (*scan.GeometryRecord, error) {
	if len(rec.Points) == 0 {
		return nil, &scan.NormalizationError{Reason: "no points"}
	}
	origin, err := n.origin(rec.Points)
	if err != nil {
		return nil, err
	}

	maxAbs := 0.0
	for _, p := range rec.Points {
		for _, v := range p.Sub(origin) {
			if a := math.Abs(v); a > maxAbs {
				maxAbs = a
			}
		}
	}
	if maxAbs == 0 {
		return nil, &scan.NormalizationError{Reason: "all coordinates coincide with the origin"}
	}
	if math.IsNaN(maxAbs) || math.IsInf(maxAbs, 0) {
		return nil, &scan.NormalizationError{Reason: fmt.Sprintf("non-finite extent %v", maxAbs)}
	}

	out := rec.Clone()
	out.Points = make([]scan.Vec3, len(rec.Points))
	for i, p := range rec.Points {
		d := p.Sub(origin)
		out.Points[i] = scan.Vec3{d[0] / maxAbs, d[1] / maxAbs, d[2] / maxAbs}
	}
	return out, nil
}

func (n Normalizer) origin(points []scan.Vec3) (scan.Vec3, error) {
	switch n.Mode {
	case "", CenterBBox:
		lo, hi := points[0], points[0]
		for _, p := range points[1:] {
			for a := 0; a < 3; a++ {
				lo[a] = math.Min(lo[a], p[a])
				hi[a] = math.Max(hi[a], p[a])
			}
		}
		return lo.Add(hi).Scale(0.5), nil
	case CenterCentroid:
		var sum scan.Vec3
		for _, p := range points {
			sum = sum.Add(p)
		}
		return sum.Scale(1 / float64(len(points))), nil
	case CenterNone:
		return scan.Vec3{}, nil
	}
	return scan.Vec3{}, fmt.Errorf("unknown center mode %q", n.Mode)
}

// Package scan owns the per-scan data model threaded through the
// preprocessing pipeline, the error taxonomy shared by every stage, and the
// loader that pairs a geometry file with its label file.
//
// Key types: Vec3, GeometryRecord, DownSampled.
//
// Stages never mutate the record they are given. Each returns a new
// GeometryRecord whose untouched fields share backing arrays with the input,
// so a stage must copy a slice before writing to it.
package scan

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Vec3 is a 3-component vector used for coordinates, colours and normals.
type Vec3 [3]float64

// Add returns v + o.
func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v[0] + o[0], v[1] + o[1], v[2] + o[2]} }

// Sub returns v - o.
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v[0] - o[0], v[1] - o[1], v[2] - o[2]} }

// Scale returns v * s.
func (v Vec3) Scale(s float64) Vec3 { return Vec3{v[0] * s, v[1] * s, v[2] * s} }

// Dist2 returns the squared Euclidean distance between v and o.
func (v Vec3) Dist2(o Vec3) float64 {
	dx, dy, dz := v[0]-o[0], v[1]-o[1], v[2]-o[2]
	return dx*dx + dy*dy + dz*dz
}

// DownSampled holds the per-voxel attributes produced by downsampling and the
// stages that follow it. All slices share row index.
type DownSampled struct {
	// Coords are the grid-aligned record coordinates (voxel index * stride).
	Coords []Vec3
	// Centroids are the mean member coordinates of each voxel, in the
	// normalized frame of GeometryRecord.Points.
	Centroids []Vec3
	Colors    []Vec3
	Normals   []Vec3
	Labels    []int64
}

// Len returns the number of downsampled rows.
func (d DownSampled) Len() int { return len(d.Coords) }

// GeometryRecord is the unit of work for one scan.
type GeometryRecord struct {
	// BaseName is the geometry file name without directory or extension.
	BaseName     string
	GeometryPath string
	LabelPath    string

	// Dense cloud, as loaded (and later normalized).
	Points      []Vec3
	Colors      []Vec3
	LabelsDense []int32

	Down     DownSampled
	Features [][6]float32
}

// BaseNameOf strips the directory and final extension from path.
func BaseNameOf(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Clone returns a shallow copy of r. Slices are shared.
func (r *GeometryRecord) Clone() *GeometryRecord {
	c := *r
	return &c
}

// CheckIndexAlignment verifies that every populated downsampled sequence has
// the same length as Down.Coords. Sequences not yet produced (nil) are
// skipped so the check can run between stages.
func (r *GeometryRecord) CheckIndexAlignment() error {
	n := len(r.Down.Coords)
	check := func(name string, got int, populated bool) error {
		if populated && got != n {
			return fmt.Errorf("%s has %d rows, coords has %d", name, got, n)
		}
		return nil
	}
	if err := check("centroids", len(r.Down.Centroids), r.Down.Centroids != nil); err != nil {
		return err
	}
	if err := check("colors", len(r.Down.Colors), r.Down.Colors != nil); err != nil {
		return err
	}
	if err := check("normals", len(r.Down.Normals), r.Down.Normals != nil); err != nil {
		return err
	}
	if err := check("labels", len(r.Down.Labels), r.Down.Labels != nil); err != nil {
		return err
	}
	return check("features", len(r.Features), r.Features != nil)
}

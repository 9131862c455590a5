// Package features turns the per-row geometry of a downsampled scan into the
// (coords, features, labels) triple that is written to disk, and removes
// rows that must not reach training.
package features

import (
	"errors"
	"fmt"

	"github.com/banshee-data/scanprep/internal/scan"
)

// Width is the number of feature channels per row: colour(3) then normal(3).
const Width = 6

// Batch is the record shape: three row-aligned sequences.
type Batch struct {
	BaseName string
	Coords   [][3]float32
	Features [][Width]float32
	Labels   []int64
}

// Len returns the row count of Coords.
func (b *Batch) Len() int { return len(b.Coords) }

// CheckRows reports an error unless all three sequences have the same length.
func (b *Batch) CheckRows() error {
	if len(b.Features) != len(b.Coords) || len(b.Labels) != len(b.Coords) {
		return fmt.Errorf("row counts differ: coords %d features %d labels %d",
			len(b.Coords), len(b.Features), len(b.Labels))
	}
	return nil
}

// Assemble concatenates colour and normal per downsampled row. It returns a
// new record with Features set and the Batch packaging of that record.
func Assemble(rec *scan.GeometryRecord) (*scan.GeometryRecord, *Batch, error) {
	d := rec.Down
	if d.Colors == nil || d.Normals == nil || d.Labels == nil {
		return nil, nil, errors.New("colours, normals and labels must be computed before assembly")
	}
	if err := rec.CheckIndexAlignment(); err != nil {
		return nil, nil, &scan.AlignmentError{Stage: scan.StageFeatures, Reason: err.Error()}
	}

	n := d.Len()
	feats := make([][Width]float32, n)
	coords := make([][3]float32, n)
	for i := 0; i < n; i++ {
		c, nm := d.Colors[i], d.Normals[i]
		feats[i] = [Width]float32{
			float32(c[0]), float32(c[1]), float32(c[2]),
			float32(nm[0]), float32(nm[1]), float32(nm[2]),
		}
		p := d.Coords[i]
		coords[i] = [3]float32{float32(p[0]), float32(p[1]), float32(p[2])}
	}

	out := rec.Clone()
	out.Features = feats
	labels := make([]int64, n)
	copy(labels, d.Labels)
	return out, &Batch{BaseName: rec.BaseName, Coords: coords, Features: feats, Labels: labels}, nil
}

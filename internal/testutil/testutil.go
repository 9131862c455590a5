// Package testutil provides shared test utilities and fixtures.
//
// The fixtures write synthetic geometry (.pcd) and label (.asc) pairs so
// loader, pipeline and batch tests exercise the real file formats.
package testutil

import (
	"bufio"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/banshee-data/scanprep/internal/scan/asc"
	"github.com/banshee-data/scanprep/internal/scan/pcd"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// Cloud is a synthetic labelled scan. All slices share row index.
type Cloud struct {
	Points [][3]float64
	Colors [][3]float64
	Labels []int32
}

// Len returns the number of points.
func (c Cloud) Len() int { return len(c.Points) }

// GridOptions describes a block of occupied voxel cells.
type GridOptions struct {
	Voxel      float64 // cell edge; use a power of two for exact arithmetic
	NX, NY, NZ int     // occupied cells per axis
	PerCell    int     // points per cell
	Seed       uint64
	// Label returns the class of every point in cell (i, j, k). Nil means 5.
	Label func(i, j, k int) int32
}

// GridCloud builds NX*NY*NZ clusters of PerCell points. Cell (i,j,k) spans
// [-1+i*Voxel, -1+(i+1)*Voxel) on each axis. Members sit in the middle fifth
// of their cell, so each centroid's nearest neighbours are its own members.
// The first point of cell (0,0,0) is pinned at (-1,-1,-1), which makes the
// cloud already unit-scaled when normalized without recentring.
func GridCloud(o GridOptions) Cloud {
	rng := rand.New(rand.NewPCG(o.Seed, o.Seed^0x9e3779b97f4a7c15))
	label := o.Label
	if label == nil {
		label = func(int, int, int) int32 { return 5 }
	}
	var c Cloud
	for i := 0; i < o.NX; i++ {
		for j := 0; j < o.NY; j++ {
			for k := 0; k < o.NZ; k++ {
				col := [3]float64{
					float64(i+1) / float64(o.NX+1),
					float64(j+1) / float64(o.NY+1),
					float64(k+1) / float64(o.NZ+1),
				}
				for n := 0; n < o.PerCell; n++ {
					var p [3]float64
					for a, idx := range [3]int{i, j, k} {
						frac := 0.4 + 0.2*rng.Float64()
						p[a] = -1 + (float64(idx)+frac)*o.Voxel
					}
					if i == 0 && j == 0 && k == 0 && n == 0 {
						p = [3]float64{-1, -1, -1}
					}
					c.Points = append(c.Points, p)
					c.Colors = append(c.Colors, col)
					c.Labels = append(c.Labels, label(i, j, k))
				}
			}
		}
	}
	return c
}

// WritePair writes c as <geomDir>/<base>.pcd and <labelDir>/<base>.asc and
// returns both paths.
func WritePair(t testing.TB, geomDir, labelDir, base string, c Cloud) (string, string) {
	t.Helper()
	geom := filepath.Join(geomDir, base+".pcd")
	if err := pcd.WriteFile(geom, c.Points, c.Colors, pcd.Binary); err != nil {
		t.Fatalf("write %s: %v", geom, err)
	}
	return geom, WriteLabels(t, labelDir, base, c)
}

// WriteLabels writes the label file of c in the x;y;z;r;g;b;class;nx;ny;nz
// layout.
func WriteLabels(t testing.TB, dir, base string, c Cloud) string {
	t.Helper()
	path := filepath.Join(dir, base+".asc")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for i, p := range c.Points {
		col := c.Colors[i]
		if err := asc.WriteRow(w, ';',
			p[0], p[1], p[2],
			col[0]*255, col[1]*255, col[2]*255,
			float64(c.Labels[i]),
			0, 0, 1); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("flush %s: %v", path, err)
	}
	return path
}

// WriteFile writes raw bytes to dir/name and returns the path.
func WriteFile(t testing.TB, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// Dirs creates geometry, label and output directories under t.TempDir.
func Dirs(t testing.TB) (geomDir, labelDir, outDir string) {
	t.Helper()
	root := t.TempDir()
	geomDir = filepath.Join(root, "geometry")
	labelDir = filepath.Join(root, "labels")
	outDir = filepath.Join(root, "out")
	for _, d := range []string{geomDir, labelDir, outDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}
	return geomDir, labelDir, outDir
}

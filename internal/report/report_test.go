package report

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scanprep/internal/features"
	"github.com/banshee-data/scanprep/internal/record"
	"github.com/banshee-data/scanprep/internal/scan/asc"
	"github.com/banshee-data/scanprep/internal/testutil"
)

func TestDescribe_CountsAndMoments(t *testing.T) {
	cs := Describe("x", []float64{0, 1, 2, 3, 4, math.NaN(), math.Inf(1)})
	assert.Equal(t, 7, cs.Count)
	assert.Equal(t, 5, cs.Finite)
	assert.Equal(t, 1, cs.Zeros)
	assert.Equal(t, 1, cs.NaNs)
	assert.Equal(t, 1, cs.Infs)
	assert.Equal(t, 0.0, cs.Min)
	assert.Equal(t, 4.0, cs.Max)
	assert.InDelta(t, 2.0, cs.Mean, 1e-12)
	assert.InDelta(t, math.Sqrt(2.5), cs.StdDev, 1e-12)
	assert.InDelta(t, 0.0, cs.Skew, 1e-12, "symmetric")
	assert.Less(t, cs.ExKurtosis, 0.0, "uniform is platykurtic")
}

func TestDescribe_Degenerate(t *testing.T) {
	cs := Describe("empty", nil)
	assert.Zero(t, cs.Finite)
	assert.Zero(t, cs.Mean)

	cs = Describe("nan", []float64{math.NaN()})
	assert.Equal(t, 1, cs.NaNs)
	assert.Zero(t, cs.Max)

	cs = Describe("const", []float64{3, 3, 3, 3, 3})
	assert.Equal(t, 3.0, cs.Mean)
	assert.Zero(t, cs.StdDev)
	assert.Zero(t, cs.Skew)
	assert.Zero(t, cs.ExKurtosis)

	// Every field must survive JSON encoding.
	var buf bytes.Buffer
	require.NoError(t, (&ScanReport{Columns: []ColumnStats{cs, Describe("n", []float64{math.NaN()})}}).WriteJSON(&buf))
}

func TestGeometryAndLabelReports(t *testing.T) {
	geomDir, labelDir, _ := testutil.Dirs(t)
	c := testutil.GridCloud(testutil.GridOptions{Voxel: 0.25, NX: 2, NY: 2, NZ: 1, PerCell: 4, Seed: 1})
	geom, labels := testutil.WritePair(t, geomDir, labelDir, "s", c)

	g, err := GeometryReport(geom)
	require.NoError(t, err)
	assert.Equal(t, 16, g.Rows)
	require.Len(t, g.Columns, 6)
	assert.Equal(t, "x", g.Columns[0].Name)
	assert.InDelta(t, -1.0, g.Columns[0].Min, 1e-6)

	l, err := LabelReport(labels, asc.Options{})
	require.NoError(t, err)
	assert.Equal(t, 16, l.Rows)
	require.Len(t, l.Columns, 10)
	cls := l.Columns[6]
	assert.Equal(t, "classification", cls.Name)
	assert.Equal(t, 5.0, cls.Min)
	assert.Equal(t, 5.0, cls.Max)
	assert.Equal(t, 16, l.Columns[7].Zeros, "normal_x is zero in fixtures")

	var buf bytes.Buffer
	require.NoError(t, l.WriteJSON(&buf))
	var decoded ScanReport
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "labels", decoded.Kind)
}

func TestLabelMap(t *testing.T) {
	path := testutil.WriteFile(t, t.TempDir(), "labels.yaml", []byte(`
0: {name: unlabeled, color: [0, 0, 0]}
5: [0, 200, 16]
7:
  name: building
`))
	lm, err := LoadLabelMap(path)
	require.NoError(t, err)
	assert.Equal(t, "unlabeled", lm.Name(0))
	assert.Equal(t, "class_5", lm.Name(5))
	assert.Equal(t, "#00c810", lm.Hex(5))
	assert.Equal(t, "building", lm.Name(7))
	assert.Equal(t, "", lm.Hex(9))
	assert.Equal(t, []int64{0, 5, 7}, lm.IDs())

	var nilMap LabelMap
	assert.Equal(t, "class_3", nilMap.Name(3))

	bad := testutil.WriteFile(t, t.TempDir(), "bad.yaml", []byte("0: [1, 2, 999]\n"))
	_, err = LoadLabelMap(bad)
	assert.Error(t, err)
}

func writeRecord(t *testing.T, dir, base string, labels []int64) string {
	t.Helper()
	b := &features.Batch{BaseName: base}
	for i, l := range labels {
		b.Coords = append(b.Coords, [3]float32{float32(i), 0, 0})
		b.Features = append(b.Features, [features.Width]float32{})
		b.Labels = append(b.Labels, l)
	}
	w := &record.Writer{OutputDir: dir, Stride: 1, Compression: record.CompressionNone}
	path, err := w.Write(b)
	require.NoError(t, err)
	return path
}

func TestRecordDistribution(t *testing.T) {
	dir := t.TempDir()
	p1 := writeRecord(t, dir, "a", []int64{1, 1, 2})
	p2 := writeRecord(t, dir, "b", []int64{2, 3})
	lm := LabelMap{2: {Name: "ground", Color: [3]uint8{10, 20, 30}}}

	d, xs, err := RecordDistribution([]string{p1, p2}, 0, lm)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Files)
	assert.Equal(t, 5, d.Total)
	assert.Equal(t, []float64{0, 1, 2, 0, 1}, xs)
	require.Len(t, d.Classes, 3)
	assert.Equal(t, ClassCount{Label: 2, Name: "ground", Count: 2, Fraction: 0.4}, d.Classes[1])

	var html bytes.Buffer
	require.NoError(t, RenderClassDistribution(&html, d, lm))
	assert.Contains(t, html.String(), "Class distribution")
	assert.Contains(t, html.String(), "#0a141e")

	png := filepath.Join(dir, "x.png")
	require.NoError(t, PlotHistogram(xs, 10, "x", "x", png))
	st, err := os.Stat(png)
	require.NoError(t, err)
	assert.Positive(t, st.Size())

	assert.Error(t, PlotHistogram(nil, 10, "x", "x", png))
}

func TestLabelFileDistribution(t *testing.T) {
	geomDir, labelDir, _ := testutil.Dirs(t)
	c := testutil.GridCloud(testutil.GridOptions{
		Voxel: 0.25, NX: 2, NY: 1, NZ: 1, PerCell: 3, Seed: 4,
		Label: func(i, _, _ int) int32 { return int32(i + 1) },
	})
	_, labels := testutil.WritePair(t, geomDir, labelDir, "s", c)

	d, err := LabelFileDistribution([]string{labels}, asc.Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 6, d.Total)
	require.Len(t, d.Classes, 2)
	assert.Equal(t, 3, d.Classes[0].Count)

	var buf bytes.Buffer
	require.NoError(t, d.WriteJSON(&buf))
	assert.True(t, strings.Contains(buf.String(), `"class_1"`))
}
